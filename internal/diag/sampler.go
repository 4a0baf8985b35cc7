// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package diag periodically samples host resource usage so a long-running
// master or slave process can log it alongside transport-level metrics —
// useful for telling a stalled pipe caused by CPU starvation apart from
// one caused by network loss.
package diag

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is the latest set of host stats a Sampler has collected.
type Snapshot struct {
	CPUPercent    float64
	MemoryPercent float64
	LoadAverage1  float64
}

// Sampler collects Snapshot on an interval in a background goroutine.
type Sampler struct {
	logger *slog.Logger
	period time.Duration

	mu   sync.RWMutex
	last Snapshot

	close chan struct{}
	wg    sync.WaitGroup
}

// NewSampler constructs a Sampler. period <= 0 falls back to 15s.
func NewSampler(logger *slog.Logger, period time.Duration) *Sampler {
	if period <= 0 {
		period = 15 * time.Second
	}
	return &Sampler{
		logger: logger.With("component", "diag"),
		period: period,
		close:  make(chan struct{}),
	}
}

// Start begins periodic sampling in a background goroutine.
func (s *Sampler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop halts the sampling goroutine and waits for it to exit.
func (s *Sampler) Stop() {
	close(s.close)
	s.wg.Wait()
}

// Latest returns the most recently collected Snapshot.
func (s *Sampler) Latest() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *Sampler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.collect()
	for {
		select {
		case <-s.close:
			return
		case <-ticker.C:
			s.collect()
		}
	}
}

func (s *Sampler) collect() {
	var snap Snapshot

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	} else {
		s.logger.Debug("cpu sample failed", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		snap.MemoryPercent = v.UsedPercent
	} else {
		s.logger.Debug("memory sample failed", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		snap.LoadAverage1 = l.Load1
	} else {
		s.logger.Debug("load sample failed", "error", err)
	}

	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()
}
