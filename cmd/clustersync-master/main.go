// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/clustersync/internal/config"
	"github.com/nishisan-dev/clustersync/internal/diag"
	"github.com/nishisan-dev/clustersync/internal/logging"
	"github.com/nishisan-dev/clustersync/internal/mux"
	"github.com/nishisan-dev/clustersync/internal/payload"
)

func main() {
	configPath := flag.String("config", "/etc/clustersync/master.yaml", "path to master config file")
	flag.Parse()

	cfg, err := config.LoadMasterConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	sampler := diag.NewSampler(logger, 15*time.Second)
	sampler.Start()
	defer sampler.Stop()

	m, err := mux.New(0, cfg.Node.NumSlaves, cfg.NetutilConfig(), cfg.Mux.ToMuxConfig(), logger)
	if err != nil {
		logger.Error("starting multiplexer", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("waiting for slaves to connect", "num_slaves", cfg.Node.NumSlaves)
	if err := m.WaitForConnection(ctx); err != nil {
		logger.Error("waiting for connection", "error", err)
		os.Exit(1)
	}
	logger.Info("all slaves connected")

	if err := runDemo(ctx, m, cfg, logger); err != nil {
		logger.Error("demo run failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutting down")
}

// runDemo exercises every collective the multiplexer offers: it opens one
// pipe, streams Iterations fixed-size frames down it (optionally
// zstd-compressed), barriers between bursts so the window never grows
// unbounded, and finishes with a SUM gather so the logged total can be
// checked against what each slave reports having received.
func runDemo(ctx context.Context, m *mux.Multiplexer, cfg *config.MasterConfig, logger *slog.Logger) error {
	pipeID, err := m.OpenPipe()
	if err != nil {
		return fmt.Errorf("opening demo pipe: %w", err)
	}
	logger.Info("demo pipe open", "pipe_id", pipeID)

	frame := payload.NewTripleBuffer[[]byte]()
	frame.Write(make([]byte, cfg.Demo.PayloadBytes))
	frame.LockNewValue()

	var totalBytes uint64
	for i := 0; i < cfg.Demo.Iterations; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data := frame.LockedValue()
		if cfg.Demo.Compress {
			compressed, err := payload.Compress(data)
			if err != nil {
				return fmt.Errorf("compressing demo frame %d: %w", i, err)
			}
			data = compressed
		}
		if err := m.SendPacket(pipeID, data); err != nil {
			return fmt.Errorf("sending demo frame %d: %w", i, err)
		}
		totalBytes += uint64(len(data))

		if i%10 == 9 {
			if err := m.Barrier(pipeID); err != nil {
				return fmt.Errorf("barrier after frame %d: %w", i, err)
			}
		}
	}

	total, err := m.Gather(pipeID, uint32(totalBytes), mux.ReduceSum)
	if err != nil {
		return fmt.Errorf("final gather: %w", err)
	}
	logger.Info("demo complete", "master_bytes_sent", totalBytes, "gathered_sum", total)

	return m.ClosePipe(pipeID)
}
