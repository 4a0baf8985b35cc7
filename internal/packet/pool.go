// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package packet

import "sync"

// Pool is a process-wide, mutex-protected singly-linked free list of
// Packets. Acquire and Release are O(1); packets are recycled, never freed,
// on the hot path (master resend, slave delivery).
type Pool struct {
	mu   sync.Mutex
	head *Packet
	size int // number of packets currently on the free list
}

// NewPool returns an empty pool. It grows lazily: Acquire allocates a fresh
// Packet whenever the free list is empty.
func NewPool() *Pool {
	return &Pool{}
}

// Acquire pops a packet from the free list, or allocates a new one if the
// list is empty. The returned packet has next == nil and an undefined
// PacketSize; callers must set both pipe id/stream pos and size before use.
func (p *Pool) Acquire() *Packet {
	p.mu.Lock()
	pk := p.head
	if pk != nil {
		p.head = pk.next
		p.size--
	}
	p.mu.Unlock()

	if pk == nil {
		pk = &Packet{}
		return pk
	}
	pk.next = nil
	return pk
}

// Release pushes a single packet back onto the free list.
func (p *Pool) Release(pk *Packet) {
	if pk == nil {
		return
	}
	pk.Reset()
	p.mu.Lock()
	pk.next = p.head
	p.head = pk
	p.size++
	p.mu.Unlock()
}

// ReleaseChain pushes a possibly-multi-element singly-linked chain onto the
// free list head in one critical section. head/tail must form a valid
// next-linked chain with tail.next == nil; n is the number of elements in
// the chain (the caller tracks it while building the chain, avoiding an
// O(n) walk here).
func (p *Pool) ReleaseChain(head, tail *Packet, n int) {
	if head == nil {
		return
	}
	for pk := head; pk != nil; pk = pk.next {
		// Reset everything but the link itself; the chain's internal
		// links become the free list's own links, so only clear payload
		// bookkeeping here, not next.
		pk.PipeID = 0
		pk.StreamPos = 0
		pk.PacketSize = 0
	}
	p.mu.Lock()
	tail.next = p.head
	p.head = head
	p.size += n
	p.mu.Unlock()
}

// Size returns the number of packets currently on the free list. Intended
// for diagnostics and tests; not part of the pool-conservation invariant
// check, which must also account for application-held and in-queue packets.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}
