// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package payload provides helpers for producing the application data a
// pipe carries: a lock-free single-producer/single-consumer handoff buffer
// for a producer thread that runs faster than the send path, and an
// optional compression step for payloads that benefit from it.
package payload

import "sync/atomic"

// TripleBuffer lets one producer goroutine publish a stream of values
// without ever blocking on a consumer goroutine that reads "the most
// recent value" at its own pace — the shape a simulation/render loop feeding
// a multicast pipe's SendPacket typically needs. Exactly one goroutine may
// call Write; exactly one (a different) goroutine may call HasNewValue,
// LockNewValue, and LockedValue.
type TripleBuffer[T any] struct {
	values [3]T

	locked     atomic.Int32 // slot index currently held by the consumer
	mostRecent atomic.Int32 // slot index of the most recently published value
	next       int          // slot index currently being written; producer-only
}

// NewTripleBuffer returns an empty triple buffer with all three slots at
// their zero value.
func NewTripleBuffer[T any]() *TripleBuffer[T] {
	return &TripleBuffer[T]{next: 1}
}

// AccessSlot exposes a slot directly so the zero value can be replaced by
// an application-specific initial value before producer/consumer use
// begins.
func (tb *TripleBuffer[T]) AccessSlot(i int) *T {
	return &tb.values[i]
}

// Write publishes a new value: it picks whichever of the two slots not
// currently locked by the consumer and not the most-recently-published one,
// writes into it, then atomically makes it the most recent value. The order
// of operations here matters, exactly as in the original: mostRecent must
// only be updated after the value is fully written.
func (tb *TripleBuffer[T]) Write(v T) {
	locked := int(tb.locked.Load())
	next := (locked + 1) % 3
	if next == int(tb.mostRecent.Load()) {
		next = (next + 1) % 3
	}
	tb.next = next
	tb.values[next] = v
	tb.mostRecent.Store(int32(next))
}

// HasNewValue reports whether a value has been published since the last
// LockNewValue call.
func (tb *TripleBuffer[T]) HasNewValue() bool {
	return tb.mostRecent.Load() != tb.locked.Load()
}

// LockNewValue locks the most recently published slot and returns its
// value, making it safe to read until the next LockNewValue call.
func (tb *TripleBuffer[T]) LockNewValue() T {
	idx := tb.mostRecent.Load()
	tb.locked.Store(idx)
	return tb.values[idx]
}

// LockedValue returns the value in the currently locked slot without
// advancing the lock.
func (tb *TripleBuffer[T]) LockedValue() T {
	return tb.values[tb.locked.Load()]
}
