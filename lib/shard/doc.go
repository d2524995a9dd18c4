// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package shard implements the metadata container that maps files to
// the chunks and xorbs backing them. A peer holding only a shard can
// plan retrieval of every file it describes.
//
// Wire layout (all integers little-endian):
//
//	header, 24 bytes:
//	  [4]  magic "SHAR"
//	  [1]  version (1)
//	  [1]  flags: bit 0 HMAC footer, bit 1 zstd body, bit 2 chunk ranges
//	  [2]  reserved, zero
//	  [4]  file count
//	  [4]  xorb count
//	  [4]  chunk count
//	  [4]  reserved, zero
//	body (zstd-compressed as a whole when bit 1 is set):
//	  file-info section, per file:
//	    [4] path length, [n] UTF-8 path, [32] file hash, [8] size,
//	    [4] xorb ref count, [32 each] xorb refs
//	  CAS-info section: [32 each] xorb hashes, then [32 each] chunk hashes
//	  ranges section (bit 2), per file: [4] first chunk index, [4] chunk count
//	footer (bit 0): [32] HMAC-SHA256 over every preceding byte
//
// The footer is checked in constant time before the body is
// decompressed or parsed. A mismatch is an integrity failure and
// nothing from the shard is returned. A key supplied for a shard that
// carries no footer also fails: the caller asked for authenticated
// metadata and did not get it.
//
// HMAC keys are derived per swarm from a node's master secret with
// [DeriveKey].
package shard
