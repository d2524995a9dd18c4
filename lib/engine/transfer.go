// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/bureau-foundation/swarmcas/lib/hashing"
	"github.com/bureau-foundation/swarmcas/lib/shard"
	"github.com/bureau-foundation/swarmcas/lib/xorb"
)

// ExportShard serializes the records of fileHashes, with their chunk
// ranges, as a shard.
func (e *Engine) ExportShard(fileHashes []hashing.Hash, options shard.Options) ([]byte, error) {
	builder := shard.NewBuilder()
	for _, fileHash := range fileHashes {
		record, err := e.readRecord(fileHash)
		if err != nil {
			return nil, err
		}
		builder.AddFile(shard.FileInfo{
			Path:     record.Path,
			Hash:     record.Hash,
			Size:     record.Size,
			XorbRefs: record.Xorbs,
		}, record.Chunks)
	}
	return builder.Build().Serialize(options)
}

// ImportShard parses a shard, checks that every file's chunk list
// hashes to its file hash, and records each file not already known.
// New records are unclaimed. With a nil key a signed shard is accepted
// unverified. It returns the record for every file in the shard.
func (e *Engine) ImportShard(data, key []byte) ([]*FileRecord, error) {
	parsed, err := shard.Deserialize(data, key)
	if err != nil {
		return nil, err
	}
	if parsed.Signed && !parsed.Verified {
		e.logger.Warn("importing signed shard without verifying it", "files", len(parsed.Files))
	}
	if !parsed.HasRanges && len(parsed.Files) > 0 {
		return nil, fmt.Errorf("%w: shard lacks per-file chunk ranges", shard.ErrFormat)
	}

	incoming := make([]*FileRecord, len(parsed.Files))
	for i, info := range parsed.Files {
		chunks, err := parsed.FileChunks(i)
		if err != nil {
			return nil, err
		}
		if root := e.hasher.BuildMerkleTreeFromHashes(chunks); root != info.Hash {
			return nil, fmt.Errorf("shard file %q: chunks hash to %s, not %s: %w",
				info.Path, root, info.Hash, hashing.ErrHashMismatch)
		}
		incoming[i] = &FileRecord{
			Version: FileRecordVersion,
			Path:    info.Path,
			Hash:    info.Hash,
			Size:    info.Size,
			Chunks:  chunks,
			Xorbs:   info.XorbRefs,
		}
	}

	e.recordMu.Lock()
	defer e.recordMu.Unlock()
	records := make([]*FileRecord, len(incoming))
	imported := 0
	for i, record := range incoming {
		existing, err := e.readRecord(record.Hash)
		if err == nil {
			records[i] = existing
			continue
		}
		if !errors.Is(err, ErrUnknownFile) {
			return nil, err
		}
		if err := e.writeRecord(record); err != nil {
			return nil, err
		}
		records[i] = record
		imported++
	}
	e.logger.Info("imported shard", "files", len(records), "new", imported, "verified", parsed.Verified)
	return records, nil
}

// ImportXorb verifies a serialized xorb, stores each member chunk
// without an owning reference and keeps the xorb for re-serving. It
// returns the xorb hash.
func (e *Engine) ImportXorb(ctx context.Context, data []byte) (hashing.Hash, error) {
	bundle, err := xorb.Deserialize(data)
	if err != nil {
		return hashing.Hash{}, err
	}
	if err := bundle.Verify(e.hasher); err != nil {
		return hashing.Hash{}, fmt.Errorf("verifying xorb: %w", err)
	}

	var added []hashing.Hash
	for _, entry := range bundle.Entries() {
		if err := ctx.Err(); err != nil {
			return hashing.Hash{}, err
		}
		result, err := e.store.StoreChunk(ctx, entry.Hash, entry.Data)
		if err != nil {
			return hashing.Hash{}, fmt.Errorf("storing xorb chunk %s: %w", entry.Hash, err)
		}
		e.disown(ctx, entry.Hash)
		if result.Written {
			added = append(added, entry.Hash)
		}
	}

	hash := bundle.Hash(e.hasher)
	if err := e.writeXorb(ctx, hash, bundle.ChunkHashes(), data); err != nil {
		return hashing.Hash{}, err
	}
	for _, chunk := range added {
		e.onChunkAdded(chunk)
	}
	e.logger.Info("imported xorb", "xorb", hash.String(), "chunks", bundle.Len(), "new_chunks", len(added))
	return hash, nil
}

// Xorb returns a stored xorb's serialized bytes.
func (e *Engine) Xorb(hash hashing.Hash) ([]byte, error) {
	data, err := os.ReadFile(e.xorbPath(hash))
	if err != nil {
		return nil, fmt.Errorf("reading xorb %s: %w", hash, err)
	}
	return data, nil
}
