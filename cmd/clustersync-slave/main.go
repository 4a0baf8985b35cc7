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
	configPath := flag.String("config", "/etc/clustersync/slave.yaml", "path to slave config file")
	flag.Parse()

	cfg, err := config.LoadSlaveConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()
	logger = logger.With("slave_index", cfg.Index)

	sampler := diag.NewSampler(logger, 15*time.Second)
	sampler.Start()
	defer sampler.Stop()

	m, err := mux.New(cfg.Index, cfg.Node.NumSlaves, cfg.NetutilConfig(), cfg.Mux.ToMuxConfig(), logger)
	if err != nil {
		logger.Error("starting multiplexer", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("connecting to master")
	if err := m.WaitForConnection(ctx); err != nil {
		logger.Error("waiting for connection", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to master")

	go func() {
		select {
		case fatal := <-m.Fatal():
			logger.Error("fatal transport error", "kind", fatal.Kind, "error", fatal.Err)
		case <-ctx.Done():
		}
	}()

	if err := runDemo(ctx, m, logger); err != nil {
		logger.Error("demo run failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutting down")
}

// runDemo mirrors the master's demo loop: it opens the same collectively
// created pipe, receives frames until the master barriers or closes it,
// and contributes its own received-byte count to the master's SUM gather.
func runDemo(ctx context.Context, m *mux.Multiplexer, logger *slog.Logger) error {
	pipeID, err := m.OpenPipe()
	if err != nil {
		return fmt.Errorf("opening demo pipe: %w", err)
	}
	logger.Info("demo pipe open", "pipe_id", pipeID)

	var totalBytes uint64
	frameCount := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, err := m.ReceivePacket(pipeID)
		if err != nil {
			if err == mux.ErrClosedPipe {
				break
			}
			return fmt.Errorf("receiving demo frame: %w", err)
		}
		data, err = maybeDecompress(data)
		if err != nil {
			return err
		}
		totalBytes += uint64(len(data))
		frameCount++

		if frameCount%10 == 0 {
			if err := m.Barrier(pipeID); err != nil {
				return fmt.Errorf("barrier after frame %d: %w", frameCount, err)
			}
		}
	}

	total, err := m.Gather(pipeID, uint32(totalBytes), mux.ReduceSum)
	if err != nil {
		return fmt.Errorf("final gather: %w", err)
	}
	logger.Info("demo complete", "slave_bytes_received", totalBytes, "gathered_sum", total)

	return nil
}

// maybeDecompress attempts a zstd decode; payloads the master sent
// uncompressed fail fast (zstd frames start with a magic number) and are
// returned unchanged.
func maybeDecompress(data []byte) ([]byte, error) {
	out, err := payload.Decompress(data)
	if err != nil {
		return data, nil
	}
	return out, nil
}
