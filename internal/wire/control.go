// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
)

// controlHeaderSize is PipeID(4, always ControlPipeID) + NodeIndex(4) + MessageID(4).
const controlHeaderSize = 12

// ControlHeader is common to every control datagram.
type ControlHeader struct {
	Node NodeIndex
	ID   MessageID
}

// DecodeControlHeader peels off the common header of a control datagram
// (PipeID==0) and returns the remaining body bytes.
func DecodeControlHeader(buf []byte) (ControlHeader, []byte, error) {
	if len(buf) < controlHeaderSize {
		return ControlHeader{}, nil, fmt.Errorf("%w: control header needs %d bytes, got %d", ErrTruncated, controlHeaderSize, len(buf))
	}
	pipeID := binary.BigEndian.Uint32(buf[0:4])
	if pipeID != ControlPipeID {
		return ControlHeader{}, nil, fmt.Errorf("wire: not a control datagram (pipeId=%d)", pipeID)
	}
	h := ControlHeader{
		Node: NodeIndex(binary.BigEndian.Uint32(buf[4:8])),
		ID:   MessageID(binary.BigEndian.Uint32(buf[8:12])),
	}
	return h, buf[controlHeaderSize:], nil
}

func encodeHeader(buf []byte, node NodeIndex, id MessageID) []byte {
	buf = buf[:0]
	buf = putU32(buf, ControlPipeID)
	buf = putU32(buf, uint32(node))
	buf = putU32(buf, uint32(id))
	return buf
}

// EncodeConnection/EncodePing carry no body beyond the common header.
func EncodeConnection(buf []byte, node NodeIndex) []byte {
	return encodeHeader(buf, node, MsgConnection)
}

func EncodePing(buf []byte, node NodeIndex) []byte {
	return encodeHeader(buf, node, MsgPing)
}

// CreatePipe1 carries the pipe id assigned so far (0 until the master
// assigns one) and the opener's thread-id tuple.
//
// Wire body: PipeID(4) IDNumParts(4) [IDNumParts x uint32].
func EncodeCreatePipe1(buf []byte, node NodeIndex, pipeID uint32, threadID []uint32) []byte {
	buf = encodeHeader(buf, node, MsgCreatePipe1)
	buf = putU32(buf, pipeID)
	buf = putU32(buf, uint32(len(threadID)))
	for _, w := range threadID {
		buf = putU32(buf, w)
	}
	return buf
}

// CreatePipe1Body is the decoded body of a CREATEPIPE1 message.
type CreatePipe1Body struct {
	PipeID   uint32
	ThreadID []uint32
}

func DecodeCreatePipe1(body []byte) (CreatePipe1Body, error) {
	if len(body) < 8 {
		return CreatePipe1Body{}, fmt.Errorf("%w: CREATEPIPE1", ErrTruncated)
	}
	pipeID := binary.BigEndian.Uint32(body[0:4])
	n := binary.BigEndian.Uint32(body[4:8])
	body = body[8:]
	if uint32(len(body)) < n*4 {
		return CreatePipe1Body{}, fmt.Errorf("%w: CREATEPIPE1 thread id", ErrTruncated)
	}
	id := make([]uint32, n)
	for i := range id {
		id[i] = binary.BigEndian.Uint32(body[i*4 : i*4+4])
	}
	return CreatePipe1Body{PipeID: pipeID, ThreadID: id}, nil
}

// EncodeCreatePipe2 carries only the now-assigned pipe id.
func EncodeCreatePipe2(buf []byte, node NodeIndex, pipeID uint32) []byte {
	buf = encodeHeader(buf, node, MsgCreatePipe2)
	buf = putU32(buf, pipeID)
	return buf
}

func DecodeCreatePipe2(body []byte) (pipeID uint32, err error) {
	if len(body) < 4 {
		return 0, fmt.Errorf("%w: CREATEPIPE2", ErrTruncated)
	}
	return binary.BigEndian.Uint32(body[0:4]), nil
}

// Acknowledgment / PacketLoss share a layout: PipeID, StreamPos, PacketPos.
// StreamPos is the position being acknowledged (or, for PACKETLOSS, the
// position the receiver expected); PacketPos is the position the receiver
// actually observed (equal to StreamPos for a plain ACK).
type StreamReport struct {
	PipeID    uint32
	StreamPos uint32
	PacketPos uint32
}

func encodeStreamReport(buf []byte, node NodeIndex, id MessageID, r StreamReport) []byte {
	buf = encodeHeader(buf, node, id)
	buf = putU32(buf, r.PipeID)
	buf = putU32(buf, r.StreamPos)
	buf = putU32(buf, r.PacketPos)
	return buf
}

func EncodeAcknowledgment(buf []byte, node NodeIndex, r StreamReport) []byte {
	return encodeStreamReport(buf, node, MsgAcknowledgment, r)
}

func EncodePacketLoss(buf []byte, node NodeIndex, r StreamReport) []byte {
	return encodeStreamReport(buf, node, MsgPacketLoss, r)
}

func DecodeStreamReport(body []byte) (StreamReport, error) {
	if len(body) < 12 {
		return StreamReport{}, fmt.Errorf("%w: stream report", ErrTruncated)
	}
	return StreamReport{
		PipeID:    binary.BigEndian.Uint32(body[0:4]),
		StreamPos: binary.BigEndian.Uint32(body[4:8]),
		PacketPos: binary.BigEndian.Uint32(body[8:12]),
	}, nil
}

// Barrier carries PipeID and BarrierID.
type BarrierBody struct {
	PipeID    uint32
	BarrierID uint32
}

func EncodeBarrier(buf []byte, node NodeIndex, b BarrierBody) []byte {
	buf = encodeHeader(buf, node, MsgBarrier)
	buf = putU32(buf, b.PipeID)
	buf = putU32(buf, b.BarrierID)
	return buf
}

func DecodeBarrier(body []byte) (BarrierBody, error) {
	if len(body) < 8 {
		return BarrierBody{}, fmt.Errorf("%w: BARRIER", ErrTruncated)
	}
	return BarrierBody{
		PipeID:    binary.BigEndian.Uint32(body[0:4]),
		BarrierID: binary.BigEndian.Uint32(body[4:8]),
	}, nil
}

// Gather adds a 32-bit value to a barrier body.
type GatherBody struct {
	PipeID    uint32
	BarrierID uint32
	Value     uint32
}

func EncodeGather(buf []byte, node NodeIndex, g GatherBody) []byte {
	buf = encodeHeader(buf, node, MsgGather)
	buf = putU32(buf, g.PipeID)
	buf = putU32(buf, g.BarrierID)
	buf = putU32(buf, g.Value)
	return buf
}

func DecodeGather(body []byte) (GatherBody, error) {
	if len(body) < 12 {
		return GatherBody{}, fmt.Errorf("%w: GATHER", ErrTruncated)
	}
	return GatherBody{
		PipeID:    binary.BigEndian.Uint32(body[0:4]),
		BarrierID: binary.BigEndian.Uint32(body[4:8]),
		Value:     binary.BigEndian.Uint32(body[8:12]),
	}, nil
}
