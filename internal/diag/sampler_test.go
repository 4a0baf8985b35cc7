// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package diag

import (
	"log/slog"
	"testing"
	"time"
)

func TestSamplerCollectsWithinPeriod(t *testing.T) {
	s := NewSampler(slog.Default(), 10*time.Millisecond)
	s.Start()
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		snap := s.Latest()
		if snap.CPUPercent != 0 || snap.MemoryPercent != 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("sampler never produced a non-zero snapshot")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSamplerStopReturnsAfterStart(t *testing.T) {
	s := NewSampler(slog.Default(), time.Hour)
	s.Start()
	s.Stop()
}
