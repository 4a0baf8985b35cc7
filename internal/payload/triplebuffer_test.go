// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package payload

import "testing"

func TestTripleBufferWriteThenLockNewValue(t *testing.T) {
	tb := NewTripleBuffer[int]()
	tb.Write(7)

	if !tb.HasNewValue() {
		t.Fatal("HasNewValue should report true right after Write")
	}
	if got := tb.LockNewValue(); got != 7 {
		t.Fatalf("LockNewValue() = %d, want 7", got)
	}
	if tb.HasNewValue() {
		t.Fatal("HasNewValue should report false once the latest value has been locked")
	}
	if got := tb.LockedValue(); got != 7 {
		t.Fatalf("LockedValue() = %d, want 7", got)
	}
}

func TestTripleBufferSuccessiveWritesOverwriteUnlockedSlot(t *testing.T) {
	tb := NewTripleBuffer[int]()
	tb.Write(1)
	tb.Write(2)
	tb.Write(3)

	if got := tb.LockNewValue(); got != 3 {
		t.Fatalf("LockNewValue() = %d, want 3 (most recent write)", got)
	}
}

func TestTripleBufferProducerNeverOverwritesLockedSlot(t *testing.T) {
	tb := NewTripleBuffer[int]()
	tb.Write(1)
	locked := tb.LockNewValue()
	if locked != 1 {
		t.Fatalf("LockNewValue() = %d, want 1", locked)
	}

	tb.Write(2)
	tb.Write(3)

	if got := tb.LockedValue(); got != 1 {
		t.Fatalf("LockedValue() changed to %d while still locked, want unchanged 1", got)
	}
	if got := tb.LockNewValue(); got != 3 {
		t.Fatalf("LockNewValue() = %d, want 3", got)
	}
}

func TestTripleBufferAccessSlotSeedsInitialValue(t *testing.T) {
	tb := NewTripleBuffer[[]byte]()
	*tb.AccessSlot(0) = []byte("seed")

	if got := string(*tb.AccessSlot(0)); got != "seed" {
		t.Fatalf("AccessSlot(0) = %q, want %q", got, "seed")
	}
}
