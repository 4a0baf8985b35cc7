// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mux

import (
	"testing"
	"time"

	"github.com/nishisan-dev/clustersync/internal/packet"
)

func TestPipeStatePushPopFrontOrdering(t *testing.T) {
	ps := newPipeState(2, 16, 1)
	pool := packet.NewPool()

	for i := 0; i < 3; i++ {
		pk := pool.Acquire()
		pk.StreamPos = uint32(i)
		pk.PacketSize = 4
		ps.pushBack(pk)
	}
	if ps.listLen != 3 {
		t.Fatalf("listLen = %d, want 3", ps.listLen)
	}

	for i := 0; i < 3; i++ {
		pk := ps.popFront()
		if pk == nil {
			t.Fatalf("popFront returned nil at i=%d", i)
		}
		if pk.StreamPos != uint32(i) {
			t.Fatalf("popFront order broken: got StreamPos %d, want %d", pk.StreamPos, i)
		}
	}
	if ps.popFront() != nil {
		t.Fatal("popFront on empty list should return nil")
	}
	if ps.listHead != nil || ps.listTail != nil {
		t.Fatal("list head/tail should be nil after draining")
	}
}

func TestPipeStateDiscardFrontRespectsByteBudget(t *testing.T) {
	ps := newPipeState(1, 16, 1)
	pool := packet.NewPool()

	for i := 0; i < 4; i++ {
		pk := pool.Acquire()
		pk.PacketSize = 10
		ps.pushBack(pk)
	}

	head, tail, n, bytes := ps.discardFront(25)
	if n != 2 || bytes != 20 {
		t.Fatalf("discardFront(25) = n=%d bytes=%d, want n=2 bytes=20", n, bytes)
	}
	if head == nil || tail == nil {
		t.Fatal("discardFront returned nil chain endpoints for n=2")
	}
	if ps.listLen != 2 {
		t.Fatalf("remaining listLen = %d, want 2", ps.listLen)
	}
}

func TestPipeStateDrainAllEmptiesList(t *testing.T) {
	ps := newPipeState(1, 16, 1)
	pool := packet.NewPool()
	for i := 0; i < 5; i++ {
		ps.pushBack(pool.Acquire())
	}

	head, tail, n := ps.drainAll()
	if n != 5 || head == nil || tail == nil {
		t.Fatalf("drainAll() = head=%v tail=%v n=%d, want non-nil n=5", head, tail, n)
	}
	if ps.listLen != 0 || ps.listHead != nil || ps.listTail != nil {
		t.Fatal("drainAll should leave the list empty")
	}
}

func TestPipeStateMinBarrierID(t *testing.T) {
	ps := newPipeState(3, 16, 1)
	ps.slaveBarrierIDs[1] = 5
	ps.slaveBarrierIDs[2] = 2
	ps.slaveBarrierIDs[3] = 9

	if got := ps.minBarrierID(); got != 2 {
		t.Fatalf("minBarrierID() = %d, want 2", got)
	}
}

func TestPipeStateResetFlowControl(t *testing.T) {
	ps := newPipeState(2, 16, 1)
	pool := packet.NewPool()
	ps.pushBack(pool.Acquire())
	ps.pushBack(pool.Acquire())
	ps.streamPos = 100
	ps.headStreamPos = 20
	ps.slaveStreamPosOffsets[1] = 30
	ps.slaveStreamPosOffsets[2] = 40
	ps.numHeadSlaves = 0

	head, _, n := ps.resetFlowControl()
	if n != 2 || head == nil {
		t.Fatalf("resetFlowControl drained n=%d, want 2", n)
	}
	if ps.headStreamPos != ps.streamPos {
		t.Fatalf("headStreamPos = %d, want %d", ps.headStreamPos, ps.streamPos)
	}
	if ps.slaveStreamPosOffsets[1] != 0 || ps.slaveStreamPosOffsets[2] != 0 {
		t.Fatal("slaveStreamPosOffsets should be zeroed")
	}
	if ps.numHeadSlaves != ps.numSlaves {
		t.Fatalf("numHeadSlaves = %d, want %d", ps.numHeadSlaves, ps.numSlaves)
	}
	if ps.listLen != 0 {
		t.Fatal("list should be empty after resetFlowControl")
	}
}

func TestPipeStateWaitTimeoutWakesWithoutSignal(t *testing.T) {
	ps := newPipeState(1, 16, 1)

	done := make(chan struct{})
	go func() {
		ps.stateMutex.Lock()
		ps.waitTimeout(ps.receiveCond, 20*time.Millisecond)
		ps.stateMutex.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitTimeout did not return on its own timer")
	}
}

func TestPipeStateWaitTimeoutWakesOnSignal(t *testing.T) {
	ps := newPipeState(1, 16, 1)

	done := make(chan struct{})
	go func() {
		ps.stateMutex.Lock()
		ps.waitTimeout(ps.receiveCond, time.Minute)
		ps.stateMutex.Unlock()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	ps.stateMutex.Lock()
	ps.receiveCond.Broadcast()
	ps.stateMutex.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitTimeout did not wake on explicit Broadcast")
	}
}
