// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package packet implements the fixed-capacity payload buffer shared by
// every pipe, and a process-wide free list that recycles them so the hot
// send/receive paths never touch the general allocator.
package packet

// MaxPayload is the implementation-defined ceiling on a single packet's
// payload: an MTU-sized UDP datagram minus the stream header and IP/UDP
// framing. 1400 bytes keeps a full datagram under the common 1500-byte
// Ethernet MTU with room to spare for tunneled paths.
const MaxPayload = 1400

// Packet is a pipe's unit of transfer: a pipe id, a stream position, the
// payload bytes actually in use, and an intrusive next-link used by both
// the pool's free list and a PipeState's packetList. A Packet is always in
// exactly one of: application-held, on the pool free list, or linked into a
// pipe's packetList — never more than one at a time.
type Packet struct {
	PipeID     uint32
	StreamPos  uint32
	PacketSize uint32 // bytes of Payload actually in use

	Payload [MaxPayload]byte

	next *Packet // intrusive link; nil when singleton or tail
}

// Data returns the in-use portion of the payload buffer.
func (p *Packet) Data() []byte {
	return p.Payload[:p.PacketSize]
}

// Reset clears a packet's fields before reuse. The payload bytes beyond
// PacketSize are left untouched; callers must not read past PacketSize.
func (p *Packet) Reset() {
	p.PipeID = 0
	p.StreamPos = 0
	p.PacketSize = 0
	p.next = nil
}

// Next returns the intrusive successor link. Exposed so callers outside
// this package (a pipe's packetList) can walk a chain without the pool
// exposing its internal free-list representation directly.
func Next(p *Packet) *Packet {
	return p.next
}

// Link sets prev's successor to next, forming or extending a chain.
func Link(prev, next *Packet) {
	prev.next = next
}

// Unlink clears a packet's successor link, detaching it from any chain.
func Unlink(p *Packet) {
	p.next = nil
}
