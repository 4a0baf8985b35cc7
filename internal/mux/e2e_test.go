// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mux

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nishisan-dev/clustersync/internal/netutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newLoopbackPair starts one master and one slave Multiplexer talking over
// loopback UDP on fixed ports, and waits for both sides to complete the
// initial connection handshake.
func newLoopbackPair(t *testing.T, masterPort, slavePort int) (*Multiplexer, *Multiplexer) {
	t.Helper()

	netcfg := netutil.Config{
		MasterHost: "127.0.0.1",
		MasterPort: masterPort,
		SlaveGroup: "127.0.0.1",
		SlavePort:  slavePort,
	}
	cfg := DefaultConfig()

	master, err := New(0, 1, netcfg, cfg, testLogger())
	if err != nil {
		t.Fatalf("starting master: %v", err)
	}
	t.Cleanup(func() { master.Close() })

	slave, err := New(1, 1, netcfg, cfg, testLogger())
	if err != nil {
		t.Fatalf("starting slave: %v", err)
	}
	t.Cleanup(func() { slave.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- master.WaitForConnection(ctx) }()
	go func() { errCh <- slave.WaitForConnection(ctx) }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("WaitForConnection: %v", err)
		}
	}

	return master, slave
}

func TestLoopbackConnectOpenPipeSendReceive(t *testing.T) {
	master, slave := newLoopbackPair(t, 19300, 19301)

	type openResult struct {
		pipeID uint32
		err    error
	}
	masterCh := make(chan openResult, 1)
	slaveCh := make(chan openResult, 1)

	go func() {
		id, err := master.OpenPipe()
		masterCh <- openResult{id, err}
	}()
	go func() {
		id, err := slave.OpenPipe()
		slaveCh <- openResult{id, err}
	}()

	mr := <-masterCh
	sr := <-slaveCh
	if mr.err != nil {
		t.Fatalf("master OpenPipe: %v", mr.err)
	}
	if sr.err != nil {
		t.Fatalf("slave OpenPipe: %v", sr.err)
	}
	if mr.pipeID != sr.pipeID {
		t.Fatalf("pipe ids diverged: master=%d slave=%d", mr.pipeID, sr.pipeID)
	}
	pipeID := mr.pipeID

	payload := []byte("hello cluster")
	sendDone := make(chan error, 1)
	go func() { sendDone <- master.SendPacket(pipeID, payload) }()

	recvCh := make(chan struct {
		data []byte
		err  error
	}, 1)
	go func() {
		data, err := slave.ReceivePacket(pipeID)
		recvCh <- struct {
			data []byte
			err  error
		}{data, err}
	}()

	if err := <-sendDone; err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	got := <-recvCh
	if got.err != nil {
		t.Fatalf("ReceivePacket: %v", got.err)
	}
	if string(got.data) != string(payload) {
		t.Fatalf("ReceivePacket returned %q, want %q", got.data, payload)
	}
}

func TestLoopbackBarrierAndGather(t *testing.T) {
	master, slave := newLoopbackPair(t, 19310, 19311)

	openCh := make(chan uint32, 2)
	go func() { id, _ := master.OpenPipe(); openCh <- id }()
	go func() { id, _ := slave.OpenPipe(); openCh <- id }()
	id1, id2 := <-openCh, <-openCh
	if id1 != id2 {
		t.Fatalf("pipe ids diverged: %d vs %d", id1, id2)
	}
	pipeID := id1

	barrierDone := make(chan error, 2)
	go func() { barrierDone <- master.Barrier(pipeID) }()
	go func() { barrierDone <- slave.Barrier(pipeID) }()
	for i := 0; i < 2; i++ {
		if err := <-barrierDone; err != nil {
			t.Fatalf("Barrier: %v", err)
		}
	}

	type gatherResult struct {
		total uint32
		err   error
	}
	gatherCh := make(chan gatherResult, 2)
	go func() {
		total, err := master.Gather(pipeID, 10, ReduceSum)
		gatherCh <- gatherResult{total, err}
	}()
	go func() {
		total, err := slave.Gather(pipeID, 5, ReduceSum)
		gatherCh <- gatherResult{total, err}
	}()

	for i := 0; i < 2; i++ {
		r := <-gatherCh
		if r.err != nil {
			t.Fatalf("Gather: %v", r.err)
		}
		if r.total != 15 {
			t.Fatalf("Gather total = %d, want 15 (10 + 5)", r.total)
		}
	}
}
