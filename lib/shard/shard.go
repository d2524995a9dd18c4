// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shard

import (
	"fmt"

	"github.com/bureau-foundation/swarmcas/lib/hashing"
)

// FileInfo describes one file in a shard.
type FileInfo struct {
	// Path is the file's path within its swarm, UTF-8.
	Path string

	// Hash is the Merkle root of the file's chunk hashes.
	Hash hashing.Hash

	// Size is the file length in bytes.
	Size uint64

	// XorbRefs lists the xorbs holding the file's chunks.
	XorbRefs []hashing.Hash

	// Chunks locates the file's ordered chunk hashes within the
	// shard's chunk list. Zero when the shard carries no ranges.
	Chunks Range
}

// Range is a contiguous run of the shard's chunk hash list.
type Range struct {
	Start uint32
	Count uint32
}

// Shard is a parsed or built metadata container.
type Shard struct {
	Files       []FileInfo
	XorbHashes  []hashing.Hash
	ChunkHashes []hashing.Hash

	// HasRanges reports whether Files carry chunk ranges.
	HasRanges bool

	// Signed reports whether the serialized form carried an HMAC
	// footer.
	Signed bool

	// Verified reports whether that footer was checked against a
	// key. A signed shard read without a key has Signed true and
	// Verified false; its contents are structurally valid but not
	// authenticated.
	Verified bool
}

// FileChunks returns the ordered chunk hashes of Files[index]. It
// fails when the shard carries no ranges.
func (s *Shard) FileChunks(index int) ([]hashing.Hash, error) {
	if index < 0 || index >= len(s.Files) {
		return nil, fmt.Errorf("file index %d out of range [0, %d)", index, len(s.Files))
	}
	if !s.HasRanges {
		return nil, fmt.Errorf("shard has no chunk ranges")
	}
	chunks := s.Files[index].Chunks
	end := uint64(chunks.Start) + uint64(chunks.Count)
	if end > uint64(len(s.ChunkHashes)) {
		return nil, fmt.Errorf("file %d range [%d, %d) exceeds %d chunk hashes",
			index, chunks.Start, end, len(s.ChunkHashes))
	}
	return s.ChunkHashes[chunks.Start:end], nil
}

// Lookup finds a file by its Merkle root.
func (s *Shard) Lookup(fileHash hashing.Hash) (int, bool) {
	for i, file := range s.Files {
		if file.Hash == fileHash {
			return i, true
		}
	}
	return -1, false
}

// Builder accumulates shard entries. Not safe for concurrent use.
type Builder struct {
	shard     Shard
	xorbIndex map[hashing.Hash]struct{}
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{xorbIndex: make(map[hashing.Hash]struct{})}
}

// AddFileInfo appends a file entry as given.
func (b *Builder) AddFileInfo(info FileInfo) {
	info.XorbRefs = append([]hashing.Hash(nil), info.XorbRefs...)
	b.shard.Files = append(b.shard.Files, info)
}

// AddXorbHash appends a xorb hash to the CAS section. A hash already
// present is not added twice.
func (b *Builder) AddXorbHash(hash hashing.Hash) {
	if _, ok := b.xorbIndex[hash]; ok {
		return
	}
	b.xorbIndex[hash] = struct{}{}
	b.shard.XorbHashes = append(b.shard.XorbHashes, hash)
}

// AddChunkHash appends a chunk hash to the CAS section.
func (b *Builder) AddChunkHash(hash hashing.Hash) {
	b.shard.ChunkHashes = append(b.shard.ChunkHashes, hash)
}

// AddFile appends a file entry together with its ordered chunk hashes
// and records the range they occupy. The file's xorb refs are also
// added to the CAS section. A shard containing any file added this
// way carries the ranges section.
func (b *Builder) AddFile(info FileInfo, chunkHashes []hashing.Hash) {
	info.Chunks = Range{Start: uint32(len(b.shard.ChunkHashes)), Count: uint32(len(chunkHashes))}
	b.shard.ChunkHashes = append(b.shard.ChunkHashes, chunkHashes...)
	for _, ref := range info.XorbRefs {
		b.AddXorbHash(ref)
	}
	b.shard.HasRanges = true
	b.AddFileInfo(info)
}

// Build returns the accumulated shard.
func (b *Builder) Build() *Shard {
	built := b.shard
	return &built
}
