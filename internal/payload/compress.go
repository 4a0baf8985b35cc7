// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package payload

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Compress zstd-compresses data. Intended for a demo payload large enough
// that the datagram count for a pipe's stream meaningfully drops; a single
// small payload compressed this way routinely comes out larger than the
// input due to the frame header, which is the caller's call to make via
// the demo's compress flag rather than something this helper decides for
// itself.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("payload: creating zstd encoder: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, fmt.Errorf("payload: zstd compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("payload: closing zstd encoder: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("payload: creating zstd decoder: %w", err)
	}
	defer dec.Close()

	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("payload: zstd decompress: %w", err)
	}
	return out, nil
}
