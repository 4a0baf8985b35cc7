// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mux

import "fmt"

// ThreadID is the opener's opaque identity used to key a pending pipe
// during the two-stage creation handshake. The core treats it as a
// variable-length tuple of uint32 words; any globally-unique-per-thread
// numbering scheme works as long as master and slaves agree on the same
// key for the same logical open-pipe call — the numbering scheme itself
// is an external collaborator's concern.
type ThreadID []uint32

// key renders a ThreadID into a comparable map key.
func (t ThreadID) key() string {
	// Small tuples (the common case) justify a simple textual key over a
	// hash: collisions would silently merge unrelated pipes, and the
	// bookkeeping is off the hot (stream-packet) path.
	s := make([]byte, 0, len(t)*5)
	for _, w := range t {
		s = append(s, byte(w>>24), byte(w>>16), byte(w>>8), byte(w), 0xff)
	}
	return string(s)
}

func (t ThreadID) String() string {
	return fmt.Sprintf("%v", []uint32(t))
}
