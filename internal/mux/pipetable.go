// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mux

import "sync"

// pipeTable owns every pipeState and resolves ids. Two maps: newPipes
// (thread-id tuple → pipeState, pre-naming) and liveTable (pipeId →
// pipeState, post-naming), both behind a single mutex.
//
// The only sanctioned way to traverse from the table lock to a pipe's own
// lock is withLive below: it acquires the table lock, finds the
// pipeState, acquires its stateMutex, releases the table lock, runs the
// callback, then releases stateMutex. Table first, state second, never the
// other way around.
type pipeTable struct {
	mu          sync.Mutex
	newPipes    map[string]*pipeState // keyed by ThreadID.key()
	liveTable   map[uint32]*pipeState // keyed by pipeId
	nextPipeID  uint32
}

func newPipeTable() *pipeTable {
	return &pipeTable{
		newPipes:  make(map[string]*pipeState),
		liveTable: make(map[uint32]*pipeState),
		// Pipe id 0 is reserved for control messages (spec invariant 7);
		// the MSB is reserved too so a pipe id can never collide with the
		// NodeIndex slave-direction bit if the two ever share a wire word
		// in a future extension.
		nextPipeID: 1,
	}
}

// getOrCreatePending returns the pending pipeState for id, creating one if
// none exists yet. nodeIndex seeds the new pipeState's ack-coalescing
// counter (0 on the master, where it goes unused).
func (t *pipeTable) getOrCreatePending(id ThreadID, numSlaves, sendBufferSize, nodeIndex int) *pipeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := id.key()
	if ps, ok := t.newPipes[k]; ok {
		return ps
	}
	ps := newPipeState(numSlaves, sendBufferSize, nodeIndex)
	ps.threadID = id
	t.newPipes[k] = ps
	return ps
}

// lookupPending returns the pending pipeState for id, if any.
func (t *pipeTable) lookupPending(id ThreadID) (*pipeState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.newPipes[id.key()]
	return ps, ok
}

// promote assigns pipeID to a pending pipeState and adds it to the live
// table, allocating a fresh pipe id if pipeID == 0 is requested by passing
// allocate=true. Returns the assigned id.
//
// The thread-id entry in newPipes is deliberately left in place rather
// than deleted: a retry of the opener's original CREATEPIPE1 (its own
// burst arriving again, or a straggler slave that hasn't yet seen the
// echo) still carries pipe id 0 and would otherwise re-create a brand new
// pending pipeState for an already-live pipe. Leaving the mapping means
// getOrCreatePending/lookupPending keep resolving that thread id to the
// now-live pipeState, so its pipeID field is visible and the "already
// past stage 1" checks in the CREATEPIPE1 handlers work regardless of
// which stage the retry's own pipeID field reflects. Thread ids are never
// reused within a process (nextThreadID only counts up), so the stale
// entry costs a small, bounded amount of memory for the life of the
// process rather than risking a duplicate pipe.
func (t *pipeTable) promote(id ThreadID, allocate bool, explicitID uint32) (*pipeState, uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps, ok := t.newPipes[id.key()]
	if !ok {
		return nil, 0
	}
	var assigned uint32
	if allocate {
		assigned = t.allocateIDLocked()
	} else {
		assigned = explicitID
	}
	ps.pipeID = assigned
	t.liveTable[assigned] = ps
	return ps, assigned
}

// allocateIDLocked returns the next unused non-zero pipe id, skipping
// values with the MSB set. Caller holds
// t.mu.
func (t *pipeTable) allocateIDLocked() uint32 {
	for {
		id := t.nextPipeID
		t.nextPipeID++
		if t.nextPipeID&0x80000000 != 0 {
			t.nextPipeID = 1
		}
		if id == 0 || id&0x80000000 != 0 {
			continue
		}
		if _, taken := t.liveTable[id]; taken {
			continue
		}
		return id
	}
}

// withLive runs fn with the live pipeState for pipeID locked. The table
// lock is held until the pipe's stateMutex is acquired and is released
// before fn runs. Returns false if no such pipe exists.
func (t *pipeTable) withLive(pipeID uint32, fn func(*pipeState)) bool {
	t.mu.Lock()
	ps, ok := t.liveTable[pipeID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	ps.stateMutex.Lock()
	t.mu.Unlock()
	defer ps.stateMutex.Unlock()
	fn(ps)
	return true
}

// lookupLive returns the live pipeState for pipeID without locking it.
func (t *pipeTable) lookupLive(pipeID uint32) (*pipeState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.liveTable[pipeID]
	return ps, ok
}

// removeLive deletes pipeID from the live table under the table lock and
// returns the removed pipeState, if any.
func (t *pipeTable) removeLive(pipeID uint32) (*pipeState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.liveTable[pipeID]
	if ok {
		delete(t.liveTable, pipeID)
	}
	return ps, ok
}

// livePipeIDs returns a snapshot of every currently-live pipe id, used by
// Close to reap the pipes still live at shutdown without holding the table
// lock across each pipe's own operations.
func (t *pipeTable) livePipeIDs() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]uint32, 0, len(t.liveTable))
	for id := range t.liveTable {
		ids = append(ids, id)
	}
	return ids
}
