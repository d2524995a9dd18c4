// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package xorb implements the chunk bundle container: a sealed binary
// unit that packs many chunks together for transfer between peers.
//
// Wire layout (all integers little-endian):
//
//	[4 bytes]  magic "XORB"
//	[1 byte]   version (1)
//	[1 byte]   flags (bit 0: entries may be LZ4 block-compressed)
//	[2 bytes]  reserved, zero
//	[8 bytes]  total uncompressed size
//	[4 bytes]  entry count N
//	N entries:
//	  [32 bytes] chunk hash
//	  [4 bytes]  uncompressed size
//	  [4 bytes]  stored size
//	  [stored size bytes] data
//
// Each chunk is compressed on its own so any single chunk can be
// extracted without touching its neighbors. When the compressed flag
// is set, an entry whose stored size equals its uncompressed size is
// raw: chunks that LZ4 cannot shrink are kept as-is.
//
// A [Builder] accumulates chunks in memory up to [MaxSize] bytes of
// uncompressed data. [Builder.Seal] freezes it into an immutable
// [Xorb], which [Xorb.Serialize] writes with the configured [Codec].
// [Deserialize] validates the header before trusting any length and
// rejects any payload whose entries overrun the buffer.
package xorb
