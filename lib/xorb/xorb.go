// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package xorb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bureau-foundation/swarmcas/lib/hashing"
)

const (
	// Magic identifies a serialized xorb.
	Magic = "XORB"

	// Version is the only format version this package reads and
	// writes.
	Version = 1

	// HeaderSize is the fixed header length in bytes.
	HeaderSize = 20

	// EntryHeaderSize is the fixed per-entry prefix: hash plus the
	// two size fields.
	EntryHeaderSize = hashing.Size + 4 + 4

	// MaxSize caps the total uncompressed size of one xorb.
	MaxSize = 64 << 20

	flagLZ4 = 1 << 0
)

var (
	// ErrFormat is returned (wrapped) by Deserialize for any
	// malformed payload. A payload that fails is never partially
	// returned.
	ErrFormat = errors.New("malformed xorb")

	// ErrCapacity is returned by Builder.AddChunk when the chunk
	// would push the xorb past MaxSize. The builder is unchanged;
	// the caller seals it and starts another.
	ErrCapacity = errors.New("xorb capacity exceeded")
)

// Entry is one chunk in a xorb.
type Entry struct {
	Hash hashing.Hash
	Data []byte
}

// Builder accumulates chunks for one xorb. Not safe for concurrent
// use.
type Builder struct {
	entries []Entry
	seen    map[hashing.Hash]struct{}
	size    uint64
	limit   uint64
}

// NewBuilder returns an empty builder capped at MaxSize.
func NewBuilder() *Builder {
	return NewBuilderWithLimit(MaxSize)
}

// NewBuilderWithLimit returns an empty builder with a custom size cap
// no larger than MaxSize. Smaller caps let callers produce more,
// smaller xorbs.
func NewBuilderWithLimit(limit uint64) *Builder {
	if limit == 0 || limit > MaxSize {
		limit = MaxSize
	}
	return &Builder{
		seen:  make(map[hashing.Hash]struct{}),
		limit: limit,
	}
}

// AddChunk appends a chunk. If the chunk would take the total
// uncompressed size past the cap, AddChunk returns ErrCapacity and
// the builder is left exactly as it was. A hash already in the
// builder is accepted without adding a second copy. The builder keeps
// a reference to data; callers must not modify it afterwards.
func (b *Builder) AddChunk(hash hashing.Hash, data []byte) error {
	if _, ok := b.seen[hash]; ok {
		return nil
	}
	if b.size+uint64(len(data)) > b.limit {
		return fmt.Errorf("%w: adding %d bytes to %d would exceed %d",
			ErrCapacity, len(data), b.size, b.limit)
	}
	b.entries = append(b.entries, Entry{Hash: hash, Data: data})
	b.seen[hash] = struct{}{}
	b.size += uint64(len(data))
	return nil
}

// Len returns the number of chunks added.
func (b *Builder) Len() int {
	return len(b.entries)
}

// Size returns the total uncompressed size of the chunks added.
func (b *Builder) Size() uint64 {
	return b.size
}

// Seal freezes the builder's contents into a Xorb and resets the
// builder for reuse.
func (b *Builder) Seal() *Xorb {
	sealed := &Xorb{entries: b.entries, size: b.size}
	b.entries = nil
	b.seen = make(map[hashing.Hash]struct{})
	b.size = 0
	return sealed
}

// Xorb is an immutable, sealed bundle of chunks.
type Xorb struct {
	entries []Entry
	size    uint64
}

// Len returns the number of chunks.
func (x *Xorb) Len() int {
	return len(x.entries)
}

// TotalSize returns the sum of the chunks' uncompressed sizes.
func (x *Xorb) TotalSize() uint64 {
	return x.size
}

// Entries returns the chunks in insertion order. The returned slice is
// a copy; the chunk data is shared and must not be modified.
func (x *Xorb) Entries() []Entry {
	entries := make([]Entry, len(x.entries))
	copy(entries, x.entries)
	return entries
}

// ChunkHashes returns the member hashes in insertion order.
func (x *Xorb) ChunkHashes() []hashing.Hash {
	hashes := make([]hashing.Hash, len(x.entries))
	for i, entry := range x.entries {
		hashes[i] = entry.Hash
	}
	return hashes
}

// Chunk returns the data for hash if the xorb contains it.
func (x *Xorb) Chunk(hash hashing.Hash) ([]byte, bool) {
	for _, entry := range x.entries {
		if entry.Hash == hash {
			return entry.Data, true
		}
	}
	return nil, false
}

// Hash returns the xorb's identity: the Merkle root of its member
// chunk hashes in order. Shards reference xorbs by this value.
func (x *Xorb) Hash(hasher *hashing.Hasher) hashing.Hash {
	return hasher.BuildMerkleTreeFromHashes(x.ChunkHashes())
}

// Verify checks every chunk against its claimed hash. Deserialize
// only checks structure; callers verify with their own Hasher.
func (x *Xorb) Verify(hasher *hashing.Hasher) error {
	for i, entry := range x.entries {
		if err := hasher.Verify(entry.Data, entry.Hash); err != nil {
			return fmt.Errorf("xorb entry %d: %w", i, err)
		}
	}
	return nil
}

// Serialize encodes the xorb. With CodecLZ4 each chunk is compressed
// independently and kept raw when compression does not help; if no
// chunk shrinks, the compressed flag is cleared.
func (x *Xorb) Serialize(codec Codec) ([]byte, error) {
	stored := make([][]byte, len(x.entries))
	var flags uint8
	for i, entry := range x.entries {
		stored[i] = entry.Data
		if codec != CodecLZ4 {
			continue
		}
		compressed, err := compressLZ4(entry.Data)
		if err != nil {
			return nil, fmt.Errorf("compressing xorb entry %d (%s): %w", i, entry.Hash, err)
		}
		if compressed != nil {
			stored[i] = compressed
			flags |= flagLZ4
		}
	}

	length := HeaderSize
	for _, data := range stored {
		length += EntryHeaderSize + len(data)
	}

	buffer := make([]byte, 0, length)
	buffer = append(buffer, Magic...)
	buffer = append(buffer, Version, flags, 0, 0)
	buffer = binary.LittleEndian.AppendUint64(buffer, x.size)
	buffer = binary.LittleEndian.AppendUint32(buffer, uint32(len(x.entries)))
	for i, entry := range x.entries {
		buffer = append(buffer, entry.Hash[:]...)
		buffer = binary.LittleEndian.AppendUint32(buffer, uint32(len(entry.Data)))
		buffer = binary.LittleEndian.AppendUint32(buffer, uint32(len(stored[i])))
		buffer = append(buffer, stored[i]...)
	}
	return buffer, nil
}

// Deserialize decodes a serialized xorb. Magic and version are checked
// before any length field is read. Every failure wraps ErrFormat.
func Deserialize(data []byte) (*Xorb, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the %d-byte header", ErrFormat, len(data), HeaderSize)
	}
	if !bytes.Equal(data[0:4], []byte(Magic)) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrFormat, data[0:4])
	}
	if version := data[4]; version != Version {
		return nil, fmt.Errorf("%w: version %d is not supported (this code supports version %d)", ErrFormat, version, Version)
	}
	flags := data[5]
	if flags&^flagLZ4 != 0 {
		return nil, fmt.Errorf("%w: unknown flags %#02x", ErrFormat, flags)
	}
	if data[6] != 0 || data[7] != 0 {
		return nil, fmt.Errorf("%w: non-zero reserved bytes %x", ErrFormat, data[6:8])
	}

	totalSize := binary.LittleEndian.Uint64(data[8:16])
	if totalSize > MaxSize {
		return nil, fmt.Errorf("%w: declared size %d exceeds %d", ErrFormat, totalSize, MaxSize)
	}
	count := binary.LittleEndian.Uint32(data[16:20])
	remaining := uint64(len(data) - HeaderSize)
	if uint64(count)*EntryHeaderSize > remaining {
		return nil, fmt.Errorf("%w: %d entries cannot fit in %d bytes", ErrFormat, count, remaining)
	}

	x := &Xorb{entries: make([]Entry, 0, count)}
	position := HeaderSize
	for i := range int(count) {
		if len(data)-position < EntryHeaderSize {
			return nil, fmt.Errorf("%w: entry %d header truncated", ErrFormat, i)
		}
		var entry Entry
		copy(entry.Hash[:], data[position:position+hashing.Size])
		position += hashing.Size
		uncompressedSize := binary.LittleEndian.Uint32(data[position:])
		storedSize := binary.LittleEndian.Uint32(data[position+4:])
		position += 8

		if uint64(storedSize) > uint64(len(data)-position) {
			return nil, fmt.Errorf("%w: entry %d declares %d stored bytes, %d remain",
				ErrFormat, i, storedSize, len(data)-position)
		}
		if x.size+uint64(uncompressedSize) > totalSize {
			return nil, fmt.Errorf("%w: entry %d overruns declared total size %d", ErrFormat, i, totalSize)
		}
		stored := data[position : position+int(storedSize)]
		position += int(storedSize)

		switch {
		case storedSize == uncompressedSize:
			entry.Data = bytes.Clone(stored)
		case flags&flagLZ4 != 0 && storedSize < uncompressedSize:
			decompressed, err := decompressLZ4(stored, int(uncompressedSize))
			if err != nil {
				return nil, fmt.Errorf("%w: entry %d: %v", ErrFormat, i, err)
			}
			entry.Data = decompressed
		default:
			return nil, fmt.Errorf("%w: entry %d stored size %d inconsistent with uncompressed size %d",
				ErrFormat, i, storedSize, uncompressedSize)
		}
		x.entries = append(x.entries, entry)
		x.size += uint64(uncompressedSize)
	}

	if position != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrFormat, len(data)-position)
	}
	if x.size != totalSize {
		return nil, fmt.Errorf("%w: entries sum to %d bytes, header declares %d", ErrFormat, x.size, totalSize)
	}
	return x, nil
}
