// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"

	"github.com/bureau-foundation/swarmcas/lib/codec"
	"github.com/bureau-foundation/swarmcas/lib/hashing"
)

// FileRecordVersion is the current record format version.
const FileRecordVersion = 1

// FileRecord maps a file hash to the ordered chunks that make up the
// file. Stored as CBOR under files/.
type FileRecord struct {
	Version int `cbor:"version"`

	// Path is the file's path within its swarm.
	Path string `cbor:"path"`

	// Hash is the Merkle root of Chunks and identifies the file.
	Hash hashing.Hash `cbor:"hash"`

	// Size is the file length in bytes.
	Size uint64 `cbor:"size"`

	// Chunks lists the file's chunk hashes in order, with repeats.
	Chunks []hashing.Hash `cbor:"chunks"`

	// Xorbs lists the xorbs that carried this file's newly written
	// chunks when it was ingested or described by a shard.
	Xorbs []hashing.Hash `cbor:"xorbs,omitempty"`

	// Claimed is set once the record holds a chunk store reference
	// for every chunk occurrence.
	Claimed bool `cbor:"claimed,omitempty"`
}

func marshalRecord(record *FileRecord) ([]byte, error) {
	data, err := codec.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encoding file record: %w", err)
	}
	return data, nil
}

// unmarshalRecord decodes a record and checks that its chunk list
// hashes to its file hash.
func unmarshalRecord(data []byte, hasher *hashing.Hasher) (*FileRecord, error) {
	var record FileRecord
	if err := codec.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decoding file record: %w", err)
	}
	if record.Version < 1 {
		return nil, fmt.Errorf("file record version %d is invalid (minimum 1)", record.Version)
	}
	if root := hasher.BuildMerkleTreeFromHashes(record.Chunks); root != record.Hash {
		return nil, fmt.Errorf("file record %s: chunk list hashes to %s: %w", record.Hash, root, hashing.ErrHashMismatch)
	}
	return &record, nil
}
