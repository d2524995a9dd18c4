// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package chunker splits byte streams into content-defined chunks.
//
// Boundaries are found with a gear rolling hash whose state is exactly
// 48 bits wide: each byte shifts the state left by one and adds a
// per-byte constant from a 256-entry table, so after 48 bytes every
// older byte has been shifted out. The boundary decision is therefore
// a pure function of the last [WindowSize] bytes plus the length of
// the chunk being built, which is what makes identical byte runs in
// unrelated files produce identical chunks.
//
// A cut happens once a chunk holds at least [MinChunkSize] bytes and
// either the masked hash is zero or the chunk has reached
// [MaxChunkSize]. The final chunk of a stream is emitted at whatever
// size remains.
//
// [Chunker] iterates over an in-memory slice. [Stream] reads from an
// [io.Reader] and carries the rolling state across reads, so callers
// never hold more than one maximum-size chunk in memory.
//
// The chunker only reports boundaries. Hashing lives in lib/hashing,
// which imports this package for incremental file hashing.
package chunker
