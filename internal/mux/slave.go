// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mux

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/nishisan-dev/clustersync/internal/wire"
)

// slaveLoop is the slave's single background packet-handling goroutine. It
// also owns the master-liveness watchdog: a read timeout of PingTimeout
// with no datagram received triggers a PING, and MaxPingRequests
// consecutive silent timeouts raise a communication error.
func (m *Multiplexer) slaveLoop() {
	defer m.wg.Done()
	buf := make([]byte, 65536)
	pingCount := 0
	for {
		select {
		case <-m.closeCh:
			return
		default:
		}
		cfg := m.config()
		deadline := cfg.PingTimeout
		if deadline <= 0 {
			deadline = 10 * time.Second
		}
		m.conn.SetReadDeadline(time.Now().Add(deadline))
		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-m.closeCh:
					return
				default:
				}
				pingCount++
				if pingCount > cfg.MaxPingRequests {
					m.raiseFatal(&FatalError{
						Kind: FatalCommunication,
						Err:  fmt.Errorf("no datagram from master after %d ping attempts", pingCount-1),
					})
					pingCount = 0
					continue
				}
				m.sendBurst(m.peerAddr, wire.EncodePing(make([]byte, 0, 16), wire.SlaveNode(m.nodeIndex)), cfg.SlaveMessageBurstSize)
				continue
			}
			select {
			case <-m.closeCh:
				return
			default:
			}
			m.logger.Debug("slave recv error", "err", err)
			continue
		}
		pingCount = 0
		m.handleSlaveDatagram(buf[:n], addr)
	}
}

func (m *Multiplexer) handleSlaveDatagram(data []byte, addr *net.UDPAddr) {
	if len(data) < 4 {
		return
	}
	pipeID := binary.BigEndian.Uint32(data[0:4])
	if pipeID == wire.ControlPipeID {
		m.handleSlaveControl(data)
		return
	}
	m.handleStreamPacket(pipeID, data)
}

func (m *Multiplexer) handleSlaveControl(data []byte) {
	h, body, err := wire.DecodeControlHeader(data)
	if err != nil {
		return
	}
	if h.Node.IsSlave() {
		// Traffic from a sibling slave should never reach this socket under
		// a correctly configured multicast group; drop defensively rather
		// than mis-dispatch it as a master message.
		return
	}
	cfg := m.config()
	switch h.ID {
	case wire.MsgConnection:
		m.onMasterConnection()
	case wire.MsgPing:
		// slaveLoop already reset the liveness watchdog on any receive.
	case wire.MsgCreatePipe1:
		m.onMasterCreatePipe1(body, cfg)
	case wire.MsgCreatePipe2:
		// The slave already advanced to barrierId 2 when it sent its own
		// CREATEPIPE2; an echo of the same message carries nothing new.
	case wire.MsgBarrier:
		m.onMasterBarrier(body)
	case wire.MsgGather:
		m.onMasterGather(body)
	default:
		m.logger.Debug("slave: unhandled message id", "id", h.ID)
	}
}

func (m *Multiplexer) onMasterConnection() {
	m.connMu.Lock()
	if !m.connected {
		m.connected = true
		m.connCond.Broadcast()
	}
	m.connMu.Unlock()
}

// onMasterCreatePipe1 handles the master's CREATEPIPE1 echo: the pipe id
// it carries is now final, so the pending pipeState keyed by the same
// thread id is promoted to live and stage 2 is sent.
func (m *Multiplexer) onMasterCreatePipe1(body []byte, cfg Config) {
	b, err := wire.DecodeCreatePipe1(body)
	if err != nil || b.PipeID == 0 {
		return
	}
	if _, ok := m.table.lookupLive(b.PipeID); ok {
		return
	}
	threadID := ThreadID(b.ThreadID)
	ps, ok := m.table.lookupPending(threadID)
	if !ok {
		return
	}
	_, assigned := m.table.promote(threadID, false, b.PipeID)

	ps.stateMutex.Lock()
	ps.barrierID = 2
	ps.barrierCond.Broadcast()
	ps.stateMutex.Unlock()

	buf := wire.EncodeCreatePipe2(make([]byte, 0, 16), wire.SlaveNode(m.nodeIndex), assigned)
	m.sendBurst(m.peerAddr, buf, cfg.SlaveMessageBurstSize)
}

func (m *Multiplexer) onMasterBarrier(body []byte) {
	b, err := wire.DecodeBarrier(body)
	if err != nil {
		return
	}
	m.table.withLive(b.PipeID, func(ps *pipeState) {
		if ps.barrierID < b.BarrierID {
			ps.barrierID = b.BarrierID
			ps.barrierCond.Broadcast()
		}
	})
}

func (m *Multiplexer) onMasterGather(body []byte) {
	g, err := wire.DecodeGather(body)
	if err != nil {
		return
	}
	m.table.withLive(g.PipeID, func(ps *pipeState) {
		if ps.barrierID < g.BarrierID {
			ps.barrierID = g.BarrierID
			ps.masterGatherValue = g.Value
			ps.barrierCond.Broadcast()
		}
	})
}

// handleStreamPacket implements the receive side of the stream protocol: a packet
// exactly at the expected stream position is delivered and acknowledged
// (coalesced round-robin across the numSlaves slaves, staggered by
// nodeIndex so each ACKNOWLEDGMENT is sent by a different slave in turn
// rather than every slave acking the same packet); one strictly behind is a
// stale retransmit already accounted for and is dropped silently; one ahead
// opens a gap, reported once via PACKETLOSS and then suppressed
// (packetLossMode) until the gap closes, so a burst of out-of-order
// arrivals doesn't produce a burst of identical loss reports.
func (m *Multiplexer) handleStreamPacket(pipeID uint32, data []byte) {
	_, streamPos, payload, err := wire.DecodeStream(data)
	if err != nil {
		return
	}
	ps, ok := m.table.lookupLive(pipeID)
	if !ok {
		return
	}
	cfg := m.config()

	ps.stateMutex.Lock()
	if ps.closed {
		ps.stateMutex.Unlock()
		return
	}

	switch {
	case streamPos == ps.streamPos:
		pk := m.pool.Acquire()
		pk.PipeID = pipeID
		pk.StreamPos = streamPos
		pk.PacketSize = uint32(len(payload))
		copy(pk.Payload[:], payload)
		ps.pushBack(pk)
		ps.streamPos += uint32(len(payload))
		ps.packetLossMode = false
		ps.ackCounter++
		sendAck := ps.ackCounter >= m.numSlaves
		if sendAck {
			ps.ackCounter = 0
		}
		pos := ps.streamPos
		ps.receiveCond.Broadcast()
		ps.stateMutex.Unlock()

		if sendAck {
			buf := wire.EncodeAcknowledgment(make([]byte, 0, 32), wire.SlaveNode(m.nodeIndex), wire.StreamReport{PipeID: pipeID, StreamPos: pos, PacketPos: pos})
			m.sendBurst(m.peerAddr, buf, cfg.SlaveMessageBurstSize)
		}

	case wire.StreamLess(streamPos, ps.streamPos):
		// Already delivered; a duplicate from the master's resend path.
		ps.stateMutex.Unlock()

	default:
		expected := ps.streamPos
		alreadyReported := ps.packetLossMode
		ps.packetLossMode = true
		ps.stateMutex.Unlock()
		if !alreadyReported {
			buf := wire.EncodePacketLoss(make([]byte, 0, 32), wire.SlaveNode(m.nodeIndex), wire.StreamReport{PipeID: pipeID, StreamPos: expected, PacketPos: streamPos})
			m.sendBurst(m.peerAddr, buf, cfg.SlaveMessageBurstSize)
		}
	}
}

// ReceivePacket blocks until the next in-order payload for pipeId is
// available and returns a copy of it. Slave-only.
func (m *Multiplexer) ReceivePacket(pipeID uint32) ([]byte, error) {
	if m.isMaster {
		return nil, fmt.Errorf("mux: ReceivePacket is slave-only")
	}
	ps, ok := m.table.lookupLive(pipeID)
	if !ok {
		return nil, ErrClosedPipe
	}
	cfg := m.config()

	ps.stateMutex.Lock()
	for ps.listHead == nil {
		select {
		case <-m.closeCh:
			ps.stateMutex.Unlock()
			return nil, ErrShutdown
		default:
		}
		expected := ps.streamPos
		ps.waitTimeout(ps.receiveCond, cfg.ReceiveWaitTimeout)
		if ps.listHead == nil {
			// A full wait elapsed with nothing delivered: nudge the master
			// again in case our own PACKETLOSS report was itself lost.
			ps.stateMutex.Unlock()
			buf := wire.EncodePacketLoss(make([]byte, 0, 32), wire.SlaveNode(m.nodeIndex), wire.StreamReport{PipeID: pipeID, StreamPos: expected, PacketPos: expected})
			m.sendBurst(m.peerAddr, buf, cfg.SlaveMessageBurstSize)
			ps.stateMutex.Lock()
		}
	}
	pk := ps.popFront()
	ps.stateMutex.Unlock()

	out := make([]byte, pk.PacketSize)
	copy(out, pk.Data())
	m.pool.Release(pk)
	return out, nil
}

// slaveWaitForConnection actively resends a CONNECTION burst every
// ConnectionWaitTimeout until the master replies.
func (m *Multiplexer) slaveWaitForConnection(ctx context.Context) error {
	m.connMu.Lock()
	for !m.connected {
		m.connMu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.closeCh:
			return ErrShutdown
		default:
		}

		cfg := m.config()
		buf := wire.EncodeConnection(make([]byte, 0, 16), wire.SlaveNode(m.nodeIndex))
		m.sendBurst(m.peerAddr, buf, cfg.SlaveMessageBurstSize)

		m.connMu.Lock()
		if !m.connected {
			m.waitConnTimeout(cfg.ConnectionWaitTimeout)
		}
	}
	m.connMu.Unlock()
	return nil
}

// slaveOpenPipe sends a CREATEPIPE1 burst and retries on BarrierWaitTimeout
// until the master's echo carries a pipe id; the echo handler
// (onMasterCreatePipe1) sends the stage-2 CREATEPIPE2 and ends this wait.
func (m *Multiplexer) slaveOpenPipe() (uint32, error) {
	threadID := m.nextThreadID()
	cfg := m.config()
	ps := m.table.getOrCreatePending(threadID, m.numSlaves, cfg.SendBufferSize, int(m.nodeIndex))

	ps.stateMutex.Lock()
	for ps.barrierID < 2 {
		pipeIDSoFar := ps.pipeID
		ps.stateMutex.Unlock()

		select {
		case <-m.closeCh:
			return 0, ErrShutdown
		default:
		}
		buf := wire.EncodeCreatePipe1(make([]byte, 0, 64), wire.SlaveNode(m.nodeIndex), pipeIDSoFar, []uint32(threadID))
		m.sendBurst(m.peerAddr, buf, cfg.SlaveMessageBurstSize)

		ps.stateMutex.Lock()
		if ps.barrierID < 2 {
			ps.waitTimeout(ps.barrierCond, cfg.BarrierWaitTimeout)
		}
	}
	pipeID := ps.pipeID
	ps.stateMutex.Unlock()
	return pipeID, nil
}

func (m *Multiplexer) slaveBarrier(pipeID uint32) error {
	ps, ok := m.table.lookupLive(pipeID)
	if !ok {
		return ErrClosedPipe
	}
	cfg := m.config()

	ps.stateMutex.Lock()
	next := ps.barrierID + 1
	for ps.barrierID < next {
		ps.stateMutex.Unlock()

		select {
		case <-m.closeCh:
			return ErrShutdown
		default:
		}
		buf := wire.EncodeBarrier(make([]byte, 0, 32), wire.SlaveNode(m.nodeIndex), wire.BarrierBody{PipeID: pipeID, BarrierID: next})
		m.sendBurst(m.peerAddr, buf, cfg.SlaveMessageBurstSize)

		ps.stateMutex.Lock()
		if ps.barrierID < next {
			ps.waitTimeout(ps.barrierCond, cfg.BarrierWaitTimeout)
		}
	}
	ps.stateMutex.Unlock()
	return nil
}

// slaveGather contributes value to the collective reduction and returns
// the master's computed result once the round completes. The reduction
// operator is the master's concern alone; a slave only reports its value.
func (m *Multiplexer) slaveGather(pipeID uint32, value uint32, _ ReduceOp) (uint32, error) {
	ps, ok := m.table.lookupLive(pipeID)
	if !ok {
		return 0, ErrClosedPipe
	}
	cfg := m.config()

	ps.stateMutex.Lock()
	next := ps.barrierID + 1
	for ps.barrierID < next {
		ps.stateMutex.Unlock()

		select {
		case <-m.closeCh:
			return 0, ErrShutdown
		default:
		}
		buf := wire.EncodeGather(make([]byte, 0, 32), wire.SlaveNode(m.nodeIndex), wire.GatherBody{PipeID: pipeID, BarrierID: next, Value: value})
		m.sendBurst(m.peerAddr, buf, cfg.SlaveMessageBurstSize)

		ps.stateMutex.Lock()
		if ps.barrierID < next {
			ps.waitTimeout(ps.barrierCond, cfg.BarrierWaitTimeout)
		}
	}
	result := ps.masterGatherValue
	ps.stateMutex.Unlock()
	return result, nil
}
