// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mux

import (
	"testing"

	"github.com/nishisan-dev/clustersync/internal/packet"
)

func TestApplyPositiveAckWaitsForAllSlavesBeforeDiscarding(t *testing.T) {
	pool := packet.NewPool()
	m := &Multiplexer{pool: pool}
	ps := newPipeState(3, 16, 1)

	for i := 0; i < 3; i++ {
		pk := pool.Acquire()
		pk.PacketSize = 10
		ps.pushBack(pk)
	}
	ps.streamPos = 30

	m.applyPositiveAck(ps, 1, 10)
	if ps.listLen != 3 {
		t.Fatalf("after only one slave acked, listLen = %d, want 3 (no discard yet)", ps.listLen)
	}

	m.applyPositiveAck(ps, 2, 10)
	if ps.listLen != 3 {
		t.Fatalf("after two of three slaves acked, listLen = %d, want 3", ps.listLen)
	}

	m.applyPositiveAck(ps, 3, 10)
	if ps.listLen != 2 {
		t.Fatalf("after all slaves acked offset 10, listLen = %d, want 2 (one 10-byte packet discarded)", ps.listLen)
	}
	if ps.headStreamPos != 10 {
		t.Fatalf("headStreamPos = %d, want 10", ps.headStreamPos)
	}
	for i := 1; i <= 3; i++ {
		if ps.slaveStreamPosOffsets[i] != 0 {
			t.Fatalf("slaveStreamPosOffsets[%d] = %d, want 0 after catching up to the new head", i, ps.slaveStreamPosOffsets[i])
		}
	}
}

func TestApplyPositiveAckNoOpWhenOffsetZero(t *testing.T) {
	pool := packet.NewPool()
	m := &Multiplexer{pool: pool}
	ps := newPipeState(2, 16, 1)
	pk := pool.Acquire()
	pk.PacketSize = 10
	ps.pushBack(pk)

	m.applyPositiveAck(ps, 1, 0)
	if ps.listLen != 1 {
		t.Fatal("an ack exactly at the current head should not discard anything")
	}
}

func TestApplyPositiveAckDiscardsUpToSlowestSlave(t *testing.T) {
	pool := packet.NewPool()
	m := &Multiplexer{pool: pool}
	ps := newPipeState(2, 16, 1)
	for i := 0; i < 3; i++ {
		pk := pool.Acquire()
		pk.PacketSize = 10
		ps.pushBack(pk)
	}
	ps.streamPos = 30

	m.applyPositiveAck(ps, 1, 30) // fast slave, acked everything
	m.applyPositiveAck(ps, 2, 10) // slow slave, only one packet in

	if ps.headStreamPos != 10 {
		t.Fatalf("headStreamPos = %d, want 10 (bounded by the slower slave)", ps.headStreamPos)
	}
	if ps.listLen != 2 {
		t.Fatalf("listLen = %d, want 2", ps.listLen)
	}
	if ps.slaveStreamPosOffsets[1] != 20 {
		t.Fatalf("fast slave's remaining offset = %d, want 20", ps.slaveStreamPosOffsets[1])
	}
	if ps.slaveStreamPosOffsets[2] != 0 {
		t.Fatalf("slow slave's offset = %d, want 0", ps.slaveStreamPosOffsets[2])
	}
}

func TestReduceOperators(t *testing.T) {
	cases := []struct {
		op   ReduceOp
		vals []uint32
		want uint32
	}{
		{ReduceAnd, []uint32{0xF0, 0x3C}, 0x30},
		{ReduceOr, []uint32{0xF0, 0x0C}, 0xFC},
		{ReduceMin, []uint32{5, 2, 9}, 2},
		{ReduceMax, []uint32{5, 2, 9}, 9},
		{ReduceSum, []uint32{1, 2, 3, 4}, 10},
		{ReduceProduct, []uint32{2, 3, 4}, 24},
	}
	for _, c := range cases {
		if got := reduce(c.op, c.vals); got != c.want {
			t.Errorf("reduce(%s, %v) = %d, want %d", c.op, c.vals, got, c.want)
		}
	}
}

func TestReduceOpString(t *testing.T) {
	if ReduceSum.String() != "SUM" {
		t.Fatalf("ReduceSum.String() = %q, want SUM", ReduceSum.String())
	}
	if got := ReduceOp(99).String(); got == "" {
		t.Fatal("String() on an unknown ReduceOp should still produce a non-empty label")
	}
}
