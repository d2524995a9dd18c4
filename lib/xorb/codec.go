// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package xorb

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Codec selects how entry data is stored. The choice is made once,
// from configuration, and applies to every xorb a node writes.
// Readers handle both codecs regardless of their own setting.
type Codec uint8

const (
	// CodecNone stores every chunk raw.
	CodecNone Codec = iota

	// CodecLZ4 block-compresses each chunk independently.
	CodecLZ4
)

// String returns the config name of the codec.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCodec parses a config name. The empty string selects LZ4.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "lz4":
		return CodecLZ4, nil
	case "none":
		return CodecNone, nil
	default:
		return 0, fmt.Errorf("unknown xorb compression %q (want lz4 or none)", name)
	}
}

// compressLZ4 returns the LZ4 block form of data, or nil when the
// compressed form would not be strictly smaller.
func compressLZ4(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, nil
	}
	return destination[:written], nil
}

// decompressLZ4 expands an LZ4 block that must decode to exactly
// uncompressedSize bytes.
func decompressLZ4(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
	}
	return destination, nil
}
