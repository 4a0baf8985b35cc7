// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mux

// applyPositiveAck records slave s's acknowledged
// position as an offset from the current head, and once every slave has
// moved past the head, discard whole packets from the front of the
// retransmission window and advance headStreamPos. Caller holds
// ps.stateMutex.
//
// pos must satisfy headStreamPos <= pos <= streamPos (invariant 1); the
// caller is responsible for the fatal-packet-loss check (pos below
// headStreamPos) before calling this, since that check differs in
// consequence between a plain ACKNOWLEDGMENT and a PACKETLOSS report.
func (m *Multiplexer) applyPositiveAck(ps *pipeState, slaveIdx int, pos uint32) {
	offset := pos - ps.headStreamPos
	if offset == 0 {
		return
	}

	wasZero := ps.slaveStreamPosOffsets[slaveIdx] == 0
	ps.slaveStreamPosOffsets[slaveIdx] = offset
	if wasZero {
		ps.numHeadSlaves--
	}

	if ps.numHeadSlaves > 0 {
		return
	}

	// Every slave has moved past the head: find the minimum offset and
	// discard whole packets up to it.
	m32 := ps.slaveStreamPosOffsets[1]
	for i := 2; i <= ps.numSlaves; i++ {
		if ps.slaveStreamPosOffsets[i] < m32 {
			m32 = ps.slaveStreamPosOffsets[i]
		}
	}
	if m32 == 0 {
		return
	}

	head, tail, n, discarded := ps.discardFront(m32)
	if n > 0 {
		m.pool.ReleaseChain(head, tail, n)
	}
	ps.headStreamPos += discarded
	for i := 1; i <= ps.numSlaves; i++ {
		ps.slaveStreamPosOffsets[i] -= discarded
		if ps.slaveStreamPosOffsets[i] == 0 {
			ps.numHeadSlaves++
		}
	}

	ps.receiveCond.Broadcast()
}
