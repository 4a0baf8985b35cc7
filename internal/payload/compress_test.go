// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package payload

import (
	"bytes"
	"testing"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("cluster-frame-payload"), 64)

	compressed, err := Compress(original)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	restored, err := Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(restored, original) {
		t.Fatal("Decompress(Compress(x)) != x")
	}
}

func TestCompressEmptyInput(t *testing.T) {
	compressed, err := Compress(nil)
	if err != nil {
		t.Fatalf("Compress(nil): %v", err)
	}
	restored, err := Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if len(restored) != 0 {
		t.Fatalf("Decompress(Compress(nil)) = %v, want empty", restored)
	}
}

func TestDecompressRejectsGarbage(t *testing.T) {
	if _, err := Decompress([]byte("not a zstd frame")); err == nil {
		t.Fatal("Decompress should reject a non-zstd buffer")
	}
}
