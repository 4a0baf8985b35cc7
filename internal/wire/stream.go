// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
)

// StreamHeaderSize is the number of header bytes preceding the payload of a
// stream packet datagram: PipeID(4) + StreamPos(4) + PacketSize(4).
const StreamHeaderSize = 12

// EncodeStream writes the stream-packet header and payload into buf, which
// must have at least StreamHeaderSize+len(payload) bytes of capacity. It
// returns the encoded slice.
func EncodeStream(buf []byte, pipeID, streamPos uint32, payload []byte) []byte {
	buf = buf[:0]
	buf = putU32(buf, pipeID)
	buf = putU32(buf, streamPos)
	buf = putU32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf
}

// DecodeStream parses a stream-packet datagram. payload aliases buf; callers
// that retain it beyond the lifetime of buf must copy.
func DecodeStream(buf []byte) (pipeID, streamPos uint32, payload []byte, err error) {
	if len(buf) < StreamHeaderSize {
		return 0, 0, nil, fmt.Errorf("%w: stream header needs %d bytes, got %d", ErrTruncated, StreamHeaderSize, len(buf))
	}
	pipeID = binary.BigEndian.Uint32(buf[0:4])
	streamPos = binary.BigEndian.Uint32(buf[4:8])
	size := binary.BigEndian.Uint32(buf[8:12])
	if uint32(len(buf)-StreamHeaderSize) < size {
		return 0, 0, nil, fmt.Errorf("%w: declared size %d exceeds datagram", ErrTruncated, size)
	}
	payload = buf[StreamHeaderSize : StreamHeaderSize+int(size)]
	return pipeID, streamPos, payload, nil
}

// StreamAhead reports whether a is ahead of b in stream-position space,
// tolerating wraparound at 2^32: the unsigned difference must be strictly
// less than 2^31 for "ahead" to hold.
func StreamAhead(a, b uint32) bool {
	return a != b && a-b < 1<<31
}

// StreamLess reports whether a comes strictly before b, modulo wraparound.
func StreamLess(a, b uint32) bool {
	return a != b && b-a < 1<<31
}
