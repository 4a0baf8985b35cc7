// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package mux implements the reliable, ordered, multi-pipe multicast
// transport: one UDP socket shared by many logical pipes, each a one-way
// byte stream from a master to a fixed set of slaves, plus barrier and
// gather collectives layered on the same socket.
package mux

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/clustersync/internal/netutil"
	"github.com/nishisan-dev/clustersync/internal/packet"
	"golang.org/x/time/rate"
)

// Multiplexer is the top-level object: it owns the UDP socket, the pipe
// tables, the packet pool, and a single background packet-handling
// goroutine whose body differs between master and slave roles.
type Multiplexer struct {
	cfgMu sync.RWMutex
	cfg   Config

	logger *slog.Logger
	pool   *packet.Pool
	table  *pipeTable

	conn     *net.UDPConn
	peerAddr *net.UDPAddr // master: slave group; slave: master address

	isMaster  bool
	nodeIndex uint32 // 0 for the master; 1..numSlaves for a slave
	numSlaves int

	limiter *rate.Limiter // nil when SendRateLimit == 0

	// Initial-connection handshake state.
	connMu        sync.Mutex
	connCond      *sync.Cond
	connected     bool
	slaveConnected []bool // master only, 1-indexed by slave number

	openCounter atomic.Uint64 // per-process source for opener thread ids

	fatalCh chan *FatalError

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Multiplexer for the given role. nodeIndex 0 is the
// master; nodeIndex in [1, numSlaves] is a slave. It resolves the given
// addresses, binds the shared socket, and (on a slave) joins the
// multicast group or (on the master) prepares to reach it, then starts
// the background packet-handling goroutine. Call WaitForConnection to
// block until the initial handshake completes.
func New(nodeIndex, numSlaves int, netcfg netutil.Config, cfg Config, logger *slog.Logger) (*Multiplexer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if numSlaves <= 0 {
		return nil, fmt.Errorf("mux: numSlaves must be positive, got %d", numSlaves)
	}
	if nodeIndex < 0 || nodeIndex > numSlaves {
		return nil, fmt.Errorf("mux: nodeIndex %d out of range [0,%d]", nodeIndex, numSlaves)
	}

	m := &Multiplexer{
		cfg:       cfg,
		logger:    logger.With("component", "mux", "node", nodeIndex),
		pool:      packet.NewPool(),
		table:     newPipeTable(),
		isMaster:  nodeIndex == 0,
		nodeIndex: uint32(nodeIndex),
		numSlaves: numSlaves,
		fatalCh:   make(chan *FatalError, 4),
		closeCh:   make(chan struct{}),
	}
	m.connCond = sync.NewCond(&m.connMu)

	if cfg.SendRateLimit > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.SendRateLimit), int(cfg.SendRateLimit))
	}

	var err error
	if m.isMaster {
		m.conn, m.peerAddr, err = netutil.OpenMasterSocket(netcfg)
		m.slaveConnected = make([]bool, numSlaves+1)
	} else {
		m.conn, m.peerAddr, err = netutil.OpenSlaveSocket(netcfg)
	}
	if err != nil {
		return nil, err
	}

	m.wg.Add(1)
	if m.isMaster {
		go m.masterLoop()
	} else {
		go m.slaveLoop()
	}

	return m, nil
}

func (m *Multiplexer) config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// --- Config setters. ---

func (m *Multiplexer) SetConnectionWaitTimeout(d time.Duration) { m.setCfg(func(c *Config) { c.ConnectionWaitTimeout = d }) }
func (m *Multiplexer) SetPingTimeout(d time.Duration)           { m.setCfg(func(c *Config) { c.PingTimeout = d }) }
func (m *Multiplexer) SetMaxPingRequests(n int)                 { m.setCfg(func(c *Config) { c.MaxPingRequests = n }) }
func (m *Multiplexer) SetReceiveWaitTimeout(d time.Duration)    { m.setCfg(func(c *Config) { c.ReceiveWaitTimeout = d }) }
func (m *Multiplexer) SetBarrierWaitTimeout(d time.Duration)    { m.setCfg(func(c *Config) { c.BarrierWaitTimeout = d }) }
func (m *Multiplexer) SetSendBufferSize(n int)                  { m.setCfg(func(c *Config) { c.SendBufferSize = n }) }
func (m *Multiplexer) SetMasterMessageBurstSize(n int)          { m.setCfg(func(c *Config) { c.MasterMessageBurstSize = n }) }
func (m *Multiplexer) SetSlaveMessageBurstSize(n int)           { m.setCfg(func(c *Config) { c.SlaveMessageBurstSize = n }) }

func (m *Multiplexer) setCfg(fn func(*Config)) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	fn(&m.cfg)
}

// AllocatePacket and ReleasePacket expose the pool to callers that want to
// fill a packet's payload themselves before SendPacket, or that are done
// with a packet ReceivePacket returned.
func (m *Multiplexer) AllocatePacket() *packet.Packet { return m.pool.Acquire() }
func (m *Multiplexer) ReleasePacket(pk *packet.Packet) { m.pool.Release(pk) }

// Fatal returns the channel on which the one asynchronous fatal condition
// the core raises is delivered to a supervising goroutine.
func (m *Multiplexer) Fatal() <-chan *FatalError {
	return m.fatalCh
}

func (m *Multiplexer) raiseFatal(err *FatalError) {
	select {
	case m.fatalCh <- err:
	default:
		m.logger.Error("fatal channel full, dropping", "kind", err.Kind, "err", err.Err)
	}
}

// Close signals the background goroutine to stop, closes the socket so its
// pending read returns, joins it, then reaps any remaining pipes, returning
// their retained packets to the pool.
func (m *Multiplexer) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closeCh)
		err = m.conn.Close()
		m.wg.Wait()
		for _, id := range m.table.livePipeIDs() {
			ps, ok := m.table.removeLive(id)
			if !ok {
				continue
			}
			ps.stateMutex.Lock()
			head, tail, n := ps.drainAll()
			ps.closed = true
			ps.stateMutex.Unlock()
			if n > 0 {
				m.pool.ReleaseChain(head, tail, n)
			}
		}
	})
	return err
}

// nextThreadID returns a fresh opener identity for this process. Every
// node calls OpenPipe the same number of times, in the same collective
// order, for the pipes it cooperatively creates, so a per-node call
// counter alone is enough to name a pending pipe the same way on every
// node — master and slaves must derive an IDENTICAL key for the Nth
// collective call, which rules out folding nodeIndex into the tuple.
func (m *Multiplexer) nextThreadID() ThreadID {
	return ThreadID{uint32(m.openCounter.Add(1))}
}

// sendRaw writes buf to addr on the shared socket, applying the optional
// rate limiter. sendto and recv are thread-safe at the OS level; the
// design deliberately avoids a user-space socket lock.
func (m *Multiplexer) sendRaw(ctx context.Context, addr *net.UDPAddr, buf []byte) error {
	if m.limiter != nil {
		if err := m.limiter.WaitN(ctx, max(1, len(buf))); err != nil {
			return err
		}
	}
	_, err := m.conn.WriteToUDP(buf, addr)
	return err
}

// WaitForConnection blocks until the initial master/slave handshake
// completes: every slave's CONNECTION observed by the master, or this
// slave's own CONNECTION acknowledged by the master.
func (m *Multiplexer) WaitForConnection(ctx context.Context) error {
	if m.isMaster {
		return m.masterWaitForConnection(ctx)
	}
	return m.slaveWaitForConnection(ctx)
}

// OpenPipe is a collective call: every node (master and every slave) must
// call it the same number of times, in the same order, to create the Nth
// pipe cooperatively. On the master it returns once every slave has
// confirmed the new pipe id (stage 2); on a slave it returns once the
// master's announcement of the id has arrived.
func (m *Multiplexer) OpenPipe() (uint32, error) {
	if m.isMaster {
		return m.masterOpenPipe()
	}
	return m.slaveOpenPipe()
}

// Barrier is a collective call: it returns once every node has called
// Barrier on the same pipe for the same round. On the master
// it also drops the pipe's retransmission window, since every packet sent
// before the barrier is now known to have been delivered.
func (m *Multiplexer) Barrier(pipeID uint32) error {
	if m.isMaster {
		return m.masterBarrier(pipeID)
	}
	return m.slaveBarrier(pipeID)
}

// Gather is a collective call like Barrier, additionally folding a
// uint32 value from every node through op and returning the result to
// every node.
func (m *Multiplexer) Gather(pipeID uint32, value uint32, op ReduceOp) (uint32, error) {
	if m.isMaster {
		return m.masterGather(pipeID, value, op)
	}
	return m.slaveGather(pipeID, value, op)
}

// ClosePipe performs an implicit Barrier (so no node can still be relying
// on data in flight) before removing the pipe from the live table and
// bulk-releasing any packets it still retains. Safe to call
// concurrently from multiple goroutines on the same role, though the
// underlying transport only expects one closer per pipe in practice.
func (m *Multiplexer) ClosePipe(pipeID uint32) error {
	if _, ok := m.table.lookupLive(pipeID); !ok {
		return ErrClosedPipe
	}
	if err := m.Barrier(pipeID); err != nil {
		return err
	}
	ps, ok := m.table.removeLive(pipeID)
	if !ok {
		return ErrClosedPipe
	}

	ps.stateMutex.Lock()
	head, tail, n := ps.drainAll()
	ps.closed = true
	ps.stateMutex.Unlock()

	if n > 0 {
		m.pool.ReleaseChain(head, tail, n)
	}
	return nil
}

// sendBurst writes buf n times to addr, duplicating short control
// datagrams to compensate for loss on an unreliable network; see
// DESIGN.md for why plain repetition was chosen over a smarter scheme.
func (m *Multiplexer) sendBurst(addr *net.UDPAddr, buf []byte, n int) {
	if n < 1 {
		n = 1
	}
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if err := m.sendRaw(ctx, addr, buf); err != nil {
			m.logger.Debug("burst send failed", "err", err)
		}
	}
}
