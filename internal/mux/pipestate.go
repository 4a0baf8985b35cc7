// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mux

import (
	"sync"
	"time"

	"github.com/nishisan-dev/clustersync/internal/packet"
)

// pipeState is the per-pipe record: send/receive window, stream cursors,
// retransmission bookkeeping, and barrier/gather counters.
// Every field below stateMutex is only ever touched with stateMutex held;
// the lock order for any caller that also needs the pipe table is table
// first, state second (pipeTable.withLive enforces this).
type pipeState struct {
	stateMutex sync.Mutex
	receiveCond *sync.Cond // bound to stateMutex; signaled on packetList transitions and flow-control advances
	barrierCond *sync.Cond // bound to stateMutex; signaled on barrierId advances

	pipeID   uint32 // 0 until stage-1 of creation completes
	threadID ThreadID
	closed   bool

	// streamPos: master — next byte position to assign to a newly-sent
	// packet; slave — next byte position expected on receive.
	streamPos uint32

	// headStreamPos (master only): stream position of the oldest
	// un-acknowledged packet still retained for possible retransmission.
	headStreamPos uint32

	// packetList: FIFO of Packets. Master: retransmission window. Slave:
	// delivery queue of in-order packets awaiting the application.
	listHead *packet.Packet
	listTail *packet.Packet
	listLen  int

	// Master-only flow control.
	slaveStreamPosOffsets []uint32 // per-slave offset from headStreamPos of latest acked position
	numHeadSlaves         int      // count of slaves whose offset is still zero

	// Slave-only loss suppression and ACK coalescing. ackCounter is seeded
	// to nodeIndex-1 and fires an ACKNOWLEDGMENT once it reaches numSlaves,
	// staggering which slave's turn to ack a given in-order packet falls on
	// so the numSlaves slaves round-robin the control traffic instead of
	// every one of them acking the same packet.
	packetLossMode bool
	ackCounter     int

	// Collective state, shared shape for barrier and gather.
	barrierID         uint32
	slaveBarrierIDs    []uint32 // master only
	minSlaveBarrierID uint32   // master only, cached min
	slaveGatherValues []uint32 // master only
	masterGatherValue uint32

	// Two-stage creation bookkeeping, read and written only on the master.
	// Allocated by newPipeState on every node.
	stage1Acked []bool
	stage1Count int
	stage2Acked []bool
	stage2Count int

	numSlaves      int
	sendBufferSize int
}

func newPipeState(numSlaves, sendBufferSize, nodeIndex int) *pipeState {
	ps := &pipeState{
		numSlaves:             numSlaves,
		sendBufferSize:        sendBufferSize,
		slaveStreamPosOffsets: make([]uint32, numSlaves+1), // 1-indexed by slave number
		slaveBarrierIDs:       make([]uint32, numSlaves+1),
		slaveGatherValues:     make([]uint32, numSlaves+1),
		numHeadSlaves:         numSlaves,
		stage1Acked:           make([]bool, numSlaves+1),
		stage2Acked:           make([]bool, numSlaves+1),
		ackCounter:            nodeIndex - 1,
	}
	ps.receiveCond = sync.NewCond(&ps.stateMutex)
	ps.barrierCond = sync.NewCond(&ps.stateMutex)
	return ps
}

// pushBack appends pk (a singleton, next==nil) to the tail of packetList.
// Caller holds stateMutex.
func (ps *pipeState) pushBack(pk *packet.Packet) {
	if ps.listTail == nil {
		ps.listHead = pk
	} else {
		packet.Link(ps.listTail, pk)
	}
	ps.listTail = pk
	ps.listLen++
}

// popFront removes and returns the head of packetList, or nil if empty.
// Caller holds stateMutex.
func (ps *pipeState) popFront() *packet.Packet {
	pk := ps.listHead
	if pk == nil {
		return nil
	}
	ps.listHead = packet.Next(pk)
	if ps.listHead == nil {
		ps.listTail = nil
	}
	packet.Unlink(pk)
	ps.listLen--
	return pk
}

// frontSize returns the PacketSize of the head packet, or 0 if empty.
func (ps *pipeState) frontSize() uint32 {
	if ps.listHead == nil {
		return 0
	}
	return ps.listHead.PacketSize
}

// discardFront detaches whole packets from the front of packetList whose
// cumulative size is <= maxBytes, and returns the detached chain (head,
// tail, count, total bytes) so the caller can bulk-release it to the pool
// in one critical section. Caller holds stateMutex.
func (ps *pipeState) discardFront(maxBytes uint32) (head, tail *packet.Packet, n int, bytes uint32) {
	for ps.listHead != nil && bytes+ps.listHead.PacketSize <= maxBytes {
		pk := ps.listHead
		ps.listHead = packet.Next(pk)
		bytes += pk.PacketSize
		n++
		if head == nil {
			head = pk
		} else {
			packet.Link(tail, pk)
		}
		tail = pk
	}
	if ps.listHead == nil {
		ps.listTail = nil
	}
	if tail != nil {
		packet.Unlink(tail)
	}
	ps.listLen -= n
	return head, tail, n, bytes
}

// drainAll detaches the entire packetList and returns it as a chain, for
// the implicit checkpoint a barrier performs on the master's window.
// Caller holds stateMutex.
func (ps *pipeState) drainAll() (head, tail *packet.Packet, n int) {
	head, tail, n = ps.listHead, ps.listTail, ps.listLen
	ps.listHead, ps.listTail, ps.listLen = nil, nil, 0
	return head, tail, n
}

// waitTimeout blocks on cond (which must be bound to ps.stateMutex) until
// either signaled or timeout elapses, whichever comes first. Caller holds
// stateMutex; it is held again on return. sync.Cond has no native timed
// wait, so a one-shot timer is used purely to force a wakeup — the caller
// re-checks its own predicate afterward regardless of which one fired.
func (ps *pipeState) waitTimeout(cond *sync.Cond, timeout time.Duration) {
	timer := time.AfterFunc(timeout, func() {
		ps.stateMutex.Lock()
		cond.Broadcast()
		ps.stateMutex.Unlock()
	})
	cond.Wait()
	timer.Stop()
}

// minBarrierID returns the minimum of slaveBarrierIDs[1..numSlaves].
// Caller holds stateMutex.
func (ps *pipeState) minBarrierID() uint32 {
	min := ps.slaveBarrierIDs[1]
	for i := 2; i <= ps.numSlaves; i++ {
		if ps.slaveBarrierIDs[i] < min {
			min = ps.slaveBarrierIDs[i]
		}
	}
	return min
}

// resetFlowControl drops the entire retransmission window and re-arms
// per-slave offset tracking at the new head, the implicit checkpoint a
// completed barrier performs on the master's side of a pipe.
// Caller holds stateMutex.
func (ps *pipeState) resetFlowControl() (head, tail *packet.Packet, n int) {
	head, tail, n = ps.drainAll()
	ps.headStreamPos = ps.streamPos
	for i := 1; i <= ps.numSlaves; i++ {
		ps.slaveStreamPosOffsets[i] = 0
	}
	ps.numHeadSlaves = ps.numSlaves
	return head, tail, n
}
