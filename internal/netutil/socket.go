// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package netutil resolves the addresses the transport core needs and
// prepares the shared UDP socket: multicast group membership on slaves,
// the outgoing multicast interface on the master, or a plain broadcast
// fallback when the configured group address is not in multicast range.
package netutil

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// RecvBufferSize and SendBufferSize are applied to the shared socket so a
// burst of packets across many pipes does not overflow the kernel buffer
// before the single packet-handling goroutine can drain it.
const (
	RecvBufferSize = 1 << 20
	SendBufferSize = 1 << 20
)

// Config carries the resolved addressing the core needs. Name resolution
// and any host/group-selection policy happen in the caller; the core only
// consumes the result.
type Config struct {
	MasterHost string
	MasterPort int
	SlaveGroup string
	SlavePort  int
}

// OpenMasterSocket binds the master's socket to MasterHost:MasterPort,
// prepares it to reach the slave group (see prepareGroup), and returns the
// connection plus the resolved slave group address it sends to.
func OpenMasterSocket(cfg Config) (*net.UDPConn, *net.UDPAddr, error) {
	localAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.MasterHost, cfg.MasterPort))
	if err != nil {
		return nil, nil, fmt.Errorf("resolving master address: %w", err)
	}
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("binding master socket: %w", err)
	}
	if err := tuneBuffers(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}

	groupAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.SlaveGroup, cfg.SlavePort))
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("resolving slave group address: %w", err)
	}

	if err := prepareGroup(conn, groupAddr); err != nil {
		conn.Close()
		return nil, nil, err
	}

	return conn, groupAddr, nil
}

// OpenSlaveSocket binds a slave's socket to the slave group/port and
// returns the connection plus the resolved master address it should send
// control traffic to.
func OpenSlaveSocket(cfg Config) (*net.UDPConn, *net.UDPAddr, error) {
	groupAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.SlaveGroup, cfg.SlavePort))
	if err != nil {
		return nil, nil, fmt.Errorf("resolving slave group address: %w", err)
	}

	var conn *net.UDPConn
	if groupAddr.IP.IsMulticast() {
		conn, err = net.ListenMulticastUDP("udp", nil, groupAddr)
	} else {
		conn, err = net.ListenUDP("udp", &net.UDPAddr{Port: cfg.SlavePort})
	}
	if err != nil {
		return nil, nil, fmt.Errorf("binding slave socket: %w", err)
	}
	if err := tuneBuffers(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}

	masterAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.MasterHost, cfg.MasterPort))
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("resolving master address: %w", err)
	}

	return conn, masterAddr, nil
}

// prepareGroup decides, once at construction, whether the master should
// rely on IP multicast or plain broadcast, mirroring Multiplexer's own
// socket setup: a multicast group gets IP_MULTICAST_IF pinned to the
// interface the socket is actually bound to, so the outgoing packets
// leave on the same NIC the routing table would otherwise have to guess;
// a non-multicast group is treated as the dedicated broadcast fallback
// and needs SO_BROADCAST set explicitly, since sendto to a broadcast
// address without it fails with EACCES.
func prepareGroup(conn *net.UDPConn, groupAddr *net.UDPAddr) error {
	if groupAddr.IP.IsMulticast() {
		return setMulticastInterface(conn)
	}
	return setBroadcast(conn)
}

// setMulticastInterface pins the socket's outgoing multicast interface to
// whichever NIC owns the local address the socket is bound to. A socket
// bound to the unspecified address is left to the kernel's routing table,
// same as today.
func setMulticastInterface(conn *net.UDPConn) error {
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || local.IP.IsUnspecified() {
		return nil
	}
	ifi, err := interfaceForAddr(local.IP)
	if err != nil {
		return fmt.Errorf("selecting outgoing multicast interface: %w", err)
	}
	if ifi == nil {
		return nil
	}
	if err := ipv4.NewPacketConn(conn).SetMulticastInterface(ifi); err != nil {
		return fmt.Errorf("setting IP_MULTICAST_IF: %w", err)
	}
	return nil
}

// interfaceForAddr finds the network interface that owns ip, if any.
func interfaceForAddr(ip net.IP) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if ok && ipNet.IP.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, nil
}

// setBroadcast enables SO_BROADCAST on the socket via a raw syscall; the
// standard library exposes no portable setter for it on a net.UDPConn.
func setBroadcast(conn *net.UDPConn) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("obtaining raw socket for SO_BROADCAST: %w", err)
	}
	var sockErr error
	if err := rawConn.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	}); err != nil {
		return fmt.Errorf("controlling raw socket for SO_BROADCAST: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("setting SO_BROADCAST: %w", sockErr)
	}
	return nil
}

func tuneBuffers(conn *net.UDPConn) error {
	if err := conn.SetReadBuffer(RecvBufferSize); err != nil {
		return fmt.Errorf("setting socket read buffer: %w", err)
	}
	if err := conn.SetWriteBuffer(SendBufferSize); err != nil {
		return fmt.Errorf("setting socket write buffer: %w", err)
	}
	return nil
}
