// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package packet

import (
	"sync"
	"testing"
)

func TestPoolAcquireAllocatesWhenEmpty(t *testing.T) {
	p := NewPool()
	pk := p.Acquire()
	if pk == nil {
		t.Fatal("expected a fresh packet")
	}
	if p.Size() != 0 {
		t.Fatalf("free list should stay empty across acquire-without-release, got %d", p.Size())
	}
}

func TestPoolRecyclesReleasedPacket(t *testing.T) {
	p := NewPool()
	pk := p.Acquire()
	pk.PipeID = 7
	pk.PacketSize = 42
	p.Release(pk)

	if p.Size() != 1 {
		t.Fatalf("expected 1 free packet, got %d", p.Size())
	}

	pk2 := p.Acquire()
	if pk2.PipeID != 0 || pk2.PacketSize != 0 {
		t.Fatalf("expected reset packet, got pipeID=%d size=%d", pk2.PipeID, pk2.PacketSize)
	}
	if p.Size() != 0 {
		t.Fatalf("expected free list drained, got %d", p.Size())
	}
}

func TestPoolReleaseChain(t *testing.T) {
	p := NewPool()
	a, b, c := &Packet{PipeID: 1}, &Packet{PipeID: 2}, &Packet{PipeID: 3}
	a.next = b
	b.next = c
	c.next = nil

	p.ReleaseChain(a, c, 3)
	if p.Size() != 3 {
		t.Fatalf("expected 3 free packets, got %d", p.Size())
	}

	seen := map[*Packet]bool{}
	for i := 0; i < 3; i++ {
		pk := p.Acquire()
		seen[pk] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct packets, got %d", len(seen))
	}
}

func TestPoolConcurrentAcquireRelease(t *testing.T) {
	p := NewPool()
	const n = 200
	var wg sync.WaitGroup
	var mu sync.Mutex
	distinct := map[*Packet]bool{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pk := p.Acquire()
			mu.Lock()
			distinct[pk] = true
			mu.Unlock()
			pk.PacketSize = 1
			p.Release(pk)
		}()
	}
	wg.Wait()
	// Acquire reuses released packets, so the free list ends up holding
	// exactly the distinct packets handed out, which is at most n.
	if p.Size() != len(distinct) {
		t.Fatalf("expected %d free packets (one per distinct packet handed out) after concurrent use, got %d", len(distinct), p.Size())
	}
}
