// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mux

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/nishisan-dev/clustersync/internal/packet"
	"github.com/nishisan-dev/clustersync/internal/wire"
)

// masterLoop is the master's single background packet-handling goroutine:
// it owns every write to every pipeState's mutable fields that isn't made
// directly by an application-thread public-API call, so the handlers
// below never need to worry about concurrent handlers racing each other.
func (m *Multiplexer) masterLoop() {
	defer m.wg.Done()
	buf := make([]byte, 65536)
	for {
		select {
		case <-m.closeCh:
			return
		default:
		}
		m.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-m.closeCh:
				return
			default:
			}
			m.logger.Debug("master recv error", "err", err)
			continue
		}
		m.handleMasterDatagram(buf[:n], addr)
	}
}

func (m *Multiplexer) handleMasterDatagram(data []byte, addr *net.UDPAddr) {
	h, body, err := wire.DecodeControlHeader(data)
	if err != nil {
		// Not a control datagram on pipe id 0: the master never receives
		// stream packets (slaves only receive), so anything else is noise.
		return
	}
	if !h.Node.IsSlave() {
		return
	}
	slaveIdx := int(h.Node.Index())
	if slaveIdx < 1 || slaveIdx > m.numSlaves {
		m.logger.Debug("datagram from out-of-range slave index", "index", slaveIdx)
		return
	}

	cfg := m.config()
	switch h.ID {
	case wire.MsgConnection:
		m.onSlaveConnection(slaveIdx, addr, cfg)
	case wire.MsgPing:
		m.sendBurst(m.peerAddr, wire.EncodePing(make([]byte, 0, 16), wire.MasterNode), cfg.MasterMessageBurstSize)
	case wire.MsgCreatePipe1:
		m.onCreatePipe1(slaveIdx, body, cfg)
	case wire.MsgCreatePipe2:
		m.onCreatePipe2(slaveIdx, body)
	case wire.MsgAcknowledgment:
		m.onAckOrLoss(slaveIdx, body, false)
	case wire.MsgPacketLoss:
		m.onAckOrLoss(slaveIdx, body, true)
	case wire.MsgBarrier:
		m.onSlaveBarrier(slaveIdx, body)
	case wire.MsgGather:
		m.onSlaveGather(slaveIdx, body)
	default:
		m.logger.Debug("master: unhandled message id", "id", h.ID)
	}
}

func (m *Multiplexer) onSlaveConnection(slaveIdx int, _ *net.UDPAddr, cfg Config) {
	m.connMu.Lock()
	m.slaveConnected[slaveIdx] = true
	allIn := true
	for i := 1; i <= m.numSlaves; i++ {
		if !m.slaveConnected[i] {
			allIn = false
			break
		}
	}
	if allIn && !m.connected {
		m.connected = true
		m.connCond.Broadcast()
	}
	m.connMu.Unlock()

	m.sendBurst(m.peerAddr, wire.EncodeConnection(make([]byte, 0, 16), wire.MasterNode), cfg.MasterMessageBurstSize)
}

// onCreatePipe1 implements the master-side of stage 1 pipe creation: collect one
// CREATEPIPE1 per slave for a given thread id, then assign a pipe id and
// move to stage 2. The promotion itself briefly releases ps.stateMutex
// before re-acquiring it, because moving a pipeState from the pending map
// to the live table requires the table lock, and the lock order mandated
// elsewhere (table first, state second) forbids holding ps.stateMutex
// while taking table.mu. This is safe here because masterLoop is the only
// goroutine that can reach a not-yet-live pipeState: nothing else learns
// its pipe id (or even which pending entry it is) until promotion
// publishes it, so there is no concurrent racer for the same entry to
// interleave with between the two critical sections.
func (m *Multiplexer) onCreatePipe1(slaveIdx int, body []byte, cfg Config) {
	b, err := wire.DecodeCreatePipe1(body)
	if err != nil {
		m.logger.Debug("malformed CREATEPIPE1", "err", err)
		return
	}

	if b.PipeID != 0 {
		if _, ok := m.table.lookupLive(b.PipeID); ok {
			m.sendCreatePipe1Echo(b.PipeID, b.ThreadID, cfg)
			return
		}
	}

	threadID := ThreadID(b.ThreadID)
	ps := m.table.getOrCreatePending(threadID, m.numSlaves, cfg.SendBufferSize, int(m.nodeIndex))

	ps.stateMutex.Lock()
	alreadyLive := ps.pipeID != 0
	var allStage1 bool
	if !alreadyLive && !ps.stage1Acked[slaveIdx] {
		ps.stage1Acked[slaveIdx] = true
		ps.stage1Count++
	}
	if !alreadyLive {
		allStage1 = ps.stage1Count == m.numSlaves
	}
	ps.stateMutex.Unlock()

	if alreadyLive {
		m.sendCreatePipe1Echo(ps.pipeID, b.ThreadID, cfg)
		return
	}
	if !allStage1 {
		return
	}

	_, assigned := m.table.promote(threadID, true, 0)

	ps.stateMutex.Lock()
	ps.barrierID = 1
	ps.barrierCond.Broadcast()
	ps.stateMutex.Unlock()

	m.sendCreatePipe1Echo(assigned, b.ThreadID, cfg)
}

func (m *Multiplexer) sendCreatePipe1Echo(pipeID uint32, threadID []uint32, cfg Config) {
	buf := wire.EncodeCreatePipe1(make([]byte, 0, 64), wire.MasterNode, pipeID, threadID)
	m.sendBurst(m.peerAddr, buf, cfg.MasterMessageBurstSize)
}

func (m *Multiplexer) onCreatePipe2(slaveIdx int, body []byte) {
	pipeID, err := wire.DecodeCreatePipe2(body)
	if err != nil {
		return
	}
	m.table.withLive(pipeID, func(ps *pipeState) {
		if ps.barrierID >= 2 {
			return
		}
		if !ps.stage2Acked[slaveIdx] {
			ps.stage2Acked[slaveIdx] = true
			ps.stage2Count++
		}
		if ps.stage2Count == m.numSlaves {
			ps.barrierID = 2
			ps.barrierCond.Broadcast()
		}
	})
}

// onAckOrLoss applies a slave's ack or loss report. The fatal-below-head
// check only ever applies to a PACKETLOSS report: there, a requested
// stream position strictly behind the retained window's head means the
// slave is asking for bytes the master has already discarded, which is
// unrecoverable. A plain ACKNOWLEDGMENT never raises it — acks can arrive
// stale or out of order over UDP, and an older ack trailing a newer one is
// routine, not a sign of anything lost.
func (m *Multiplexer) onAckOrLoss(slaveIdx int, body []byte, isLoss bool) {
	r, err := wire.DecodeStreamReport(body)
	if err != nil {
		m.logger.Debug("malformed stream report", "err", err)
		return
	}
	ps, ok := m.table.lookupLive(r.PipeID)
	if !ok {
		return
	}

	if !isLoss {
		ps.stateMutex.Lock()
		if !wire.StreamLess(r.StreamPos, ps.headStreamPos) {
			m.applyPositiveAck(ps, slaveIdx, r.StreamPos)
		}
		ps.stateMutex.Unlock()
		return
	}

	ps.stateMutex.Lock()
	head := ps.headStreamPos
	fatal := wire.StreamLess(r.StreamPos, head)
	if !fatal {
		m.applyPositiveAck(ps, slaveIdx, r.StreamPos)
	}
	ps.stateMutex.Unlock()

	if fatal {
		m.raiseFatal(&FatalError{
			Kind:   FatalPacketLoss,
			PipeID: r.PipeID,
			Err:    fmt.Errorf("slave %d reported stream position %d behind retained window head %d", slaveIdx, r.StreamPos, head),
		})
		return
	}
	// r.StreamPos is the gap start the slave still expects; r.PacketPos is
	// merely where the out-of-order arrival that revealed the gap landed,
	// ahead of everything that actually needs resending.
	m.resendFrom(ps, r.PipeID, r.StreamPos)
}

// resendFrom re-transmits every retained packet from fromPos onward. The
// datagrams are encoded under ps.stateMutex and sent afterward without it
// held: a barrier, gather or ClosePipe on an application goroutine may
// release the window's packets to the pool in the meantime, so no packet
// pointer is used once the lock is dropped.
func (m *Multiplexer) resendFrom(ps *pipeState, pipeID uint32, fromPos uint32) {
	ps.stateMutex.Lock()
	var toSend [][]byte
	for pk := ps.listHead; pk != nil; pk = packet.Next(pk) {
		if !wire.StreamLess(pk.StreamPos, fromPos) {
			buf := make([]byte, 0, wire.StreamHeaderSize+int(pk.PacketSize))
			toSend = append(toSend, wire.EncodeStream(buf, pipeID, pk.StreamPos, pk.Data()))
		}
	}
	ps.stateMutex.Unlock()

	for _, buf := range toSend {
		if err := m.sendRaw(context.Background(), m.peerAddr, buf); err != nil {
			m.logger.Debug("resend failed", "pipe", pipeID, "err", err)
		}
	}
}

// onSlaveBarrier handles a BARRIER message sent BY a slave: body.BarrierID
// is the round that slave is targeting. If the master's pipe is already at
// or past that round, the slave missed the completion message and gets it
// resent; otherwise its vote is recorded and barrierCond is signaled once
// every slave has voted for at least this round.
func (m *Multiplexer) onSlaveBarrier(slaveIdx int, body []byte) {
	b, err := wire.DecodeBarrier(body)
	if err != nil {
		return
	}
	var resend bool
	var current uint32
	m.table.withLive(b.PipeID, func(ps *pipeState) {
		if ps.barrierID >= b.BarrierID {
			resend = true
			current = ps.barrierID
			return
		}
		if ps.slaveBarrierIDs[slaveIdx] < b.BarrierID {
			ps.slaveBarrierIDs[slaveIdx] = b.BarrierID
		}
		if min := ps.minBarrierID(); min > ps.minSlaveBarrierID {
			ps.minSlaveBarrierID = min
			ps.barrierCond.Broadcast()
		}
	})
	if resend {
		cfg := m.config()
		buf := wire.EncodeBarrier(make([]byte, 0, 32), wire.MasterNode, wire.BarrierBody{PipeID: b.PipeID, BarrierID: current})
		m.sendBurst(m.peerAddr, buf, cfg.MasterMessageBurstSize)
	}
}

func (m *Multiplexer) onSlaveGather(slaveIdx int, body []byte) {
	g, err := wire.DecodeGather(body)
	if err != nil {
		return
	}
	var resend bool
	var current uint32
	var currentValue uint32
	m.table.withLive(g.PipeID, func(ps *pipeState) {
		if ps.barrierID >= g.BarrierID {
			resend = true
			current = ps.barrierID
			currentValue = ps.masterGatherValue
			return
		}
		ps.slaveGatherValues[slaveIdx] = g.Value
		if ps.slaveBarrierIDs[slaveIdx] < g.BarrierID {
			ps.slaveBarrierIDs[slaveIdx] = g.BarrierID
		}
		if min := ps.minBarrierID(); min > ps.minSlaveBarrierID {
			ps.minSlaveBarrierID = min
			ps.barrierCond.Broadcast()
		}
	})
	if resend {
		cfg := m.config()
		buf := wire.EncodeGather(make([]byte, 0, 32), wire.MasterNode, wire.GatherBody{PipeID: g.PipeID, BarrierID: current, Value: currentValue})
		m.sendBurst(m.peerAddr, buf, cfg.MasterMessageBurstSize)
	}
}

// masterWaitForConnection blocks until every slave's CONNECTION has been
// observed. The master never actively probes: it only ever reacts to
// slave-initiated CONNECTION bursts (onSlaveConnection).
func (m *Multiplexer) masterWaitForConnection(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	for !m.connected {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.closeCh:
			return ErrShutdown
		default:
		}
		m.waitConnTimeout(200 * time.Millisecond)
	}
	return nil
}

// masterOpenPipe blocks until stage 2 completes for a freshly allocated
// thread id. The opener goroutine sends nothing itself: masterLoop assigns
// the id, echoes CREATEPIPE1 in reply to the slaves' own CREATEPIPE1
// messages, and advances barrierId as their messages arrive.
func (m *Multiplexer) masterOpenPipe() (uint32, error) {
	threadID := m.nextThreadID()
	cfg := m.config()
	ps := m.table.getOrCreatePending(threadID, m.numSlaves, cfg.SendBufferSize, int(m.nodeIndex))

	ps.stateMutex.Lock()
	for ps.barrierID < 2 {
		ps.waitTimeout(ps.barrierCond, 1*time.Second)
		select {
		case <-m.closeCh:
			ps.stateMutex.Unlock()
			return 0, ErrShutdown
		default:
		}
	}
	pipeID := ps.pipeID
	ps.stateMutex.Unlock()
	return pipeID, nil
}

func (m *Multiplexer) masterBarrier(pipeID uint32) error {
	ps, ok := m.table.lookupLive(pipeID)
	if !ok {
		return ErrClosedPipe
	}

	ps.stateMutex.Lock()
	next := ps.barrierID + 1
	for ps.minSlaveBarrierID < next {
		ps.waitTimeout(ps.barrierCond, 1*time.Second)
		select {
		case <-m.closeCh:
			ps.stateMutex.Unlock()
			return ErrShutdown
		default:
		}
	}
	ps.barrierID = next
	head, tail, n := ps.resetFlowControl()
	ps.stateMutex.Unlock()

	if n > 0 {
		m.pool.ReleaseChain(head, tail, n)
	}

	buf := wire.EncodeBarrier(make([]byte, 0, 32), wire.MasterNode, wire.BarrierBody{PipeID: pipeID, BarrierID: next})
	return m.sendRaw(context.Background(), m.peerAddr, buf)
}

func (m *Multiplexer) masterGather(pipeID uint32, value uint32, op ReduceOp) (uint32, error) {
	ps, ok := m.table.lookupLive(pipeID)
	if !ok {
		return 0, ErrClosedPipe
	}

	ps.stateMutex.Lock()
	next := ps.barrierID + 1
	for ps.minSlaveBarrierID < next {
		ps.waitTimeout(ps.barrierCond, 1*time.Second)
		select {
		case <-m.closeCh:
			ps.stateMutex.Unlock()
			return 0, ErrShutdown
		default:
		}
	}
	ps.barrierID = next
	values := make([]uint32, 0, m.numSlaves+1)
	values = append(values, value)
	for i := 1; i <= m.numSlaves; i++ {
		values = append(values, ps.slaveGatherValues[i])
	}
	reduced := reduce(op, values)
	ps.masterGatherValue = reduced
	head, tail, n := ps.resetFlowControl()
	ps.stateMutex.Unlock()

	if n > 0 {
		m.pool.ReleaseChain(head, tail, n)
	}

	buf := wire.EncodeGather(make([]byte, 0, 32), wire.MasterNode, wire.GatherBody{PipeID: pipeID, BarrierID: next, Value: reduced})
	if err := m.sendRaw(context.Background(), m.peerAddr, buf); err != nil {
		return reduced, err
	}
	return reduced, nil
}

// SendPacket appends data to pipeId's stream and transmits it once,
// blocking first if the retransmission window is full.
// Master-only.
func (m *Multiplexer) SendPacket(pipeID uint32, data []byte) error {
	if !m.isMaster {
		return fmt.Errorf("mux: SendPacket is master-only")
	}
	if len(data) > packet.MaxPayload {
		return fmt.Errorf("mux: payload of %d bytes exceeds the %d-byte maximum", len(data), packet.MaxPayload)
	}
	ps, ok := m.table.lookupLive(pipeID)
	if !ok {
		return ErrClosedPipe
	}
	cfg := m.config()

	ps.stateMutex.Lock()
	for ps.listLen >= cfg.SendBufferSize {
		select {
		case <-m.closeCh:
			ps.stateMutex.Unlock()
			return ErrShutdown
		default:
		}
		ps.waitTimeout(ps.receiveCond, cfg.ReceiveWaitTimeout)
	}
	pos := ps.streamPos
	ps.streamPos += uint32(len(data))
	pk := m.pool.Acquire()
	pk.PipeID = pipeID
	pk.StreamPos = pos
	pk.PacketSize = uint32(len(data))
	copy(pk.Payload[:], data)
	ps.pushBack(pk)
	ps.stateMutex.Unlock()

	buf := wire.EncodeStream(make([]byte, 0, wire.StreamHeaderSize+len(data)), pipeID, pos, data)
	return m.sendRaw(context.Background(), m.peerAddr, buf)
}

// waitConnTimeout blocks on m.connCond until signaled or timeout elapses.
// Caller holds m.connMu.
func (m *Multiplexer) waitConnTimeout(timeout time.Duration) {
	timer := time.AfterFunc(timeout, func() {
		m.connMu.Lock()
		m.connCond.Broadcast()
		m.connMu.Unlock()
	})
	m.connCond.Wait()
	timer.Stop()
}
