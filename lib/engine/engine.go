// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bureau-foundation/swarmcas/lib/atomicfile"
	"github.com/bureau-foundation/swarmcas/lib/chunker"
	"github.com/bureau-foundation/swarmcas/lib/chunkstore"
	"github.com/bureau-foundation/swarmcas/lib/exchange"
	"github.com/bureau-foundation/swarmcas/lib/hashing"
	"github.com/bureau-foundation/swarmcas/lib/xorb"
)

// Directory names within the engine root.
const (
	filesDir = "files"
	xorbsDir = "xorbs"
	tmpDir   = "tmp"
)

// DefaultFetchConcurrency bounds concurrent chunk fetches in ReadFile.
const DefaultFetchConcurrency = 8

// ErrUnknownFile is returned for a file hash with no record.
var ErrUnknownFile = errors.New("unknown file")

// Config holds the parameters for New.
type Config struct {
	Hasher *hashing.Hasher
	Store  *chunkstore.Store

	// Fetcher retrieves chunks missing locally. Nil makes the engine
	// local-only.
	Fetcher *exchange.Fetcher

	// Codec compresses xorbs written by Ingest.
	Codec xorb.Codec

	// Root holds file records and xorbs. Created if missing.
	Root string

	// FetchConcurrency bounds concurrent fetches per ReadFile. Zero
	// selects DefaultFetchConcurrency.
	FetchConcurrency int

	// OnChunkAdded runs for every chunk this engine writes to the
	// store for the first time. Optional.
	OnChunkAdded func(hashing.Hash)

	Logger *slog.Logger
}

// Engine is safe for concurrent use.
type Engine struct {
	hasher       *hashing.Hasher
	store        *chunkstore.Store
	fetcher      *exchange.Fetcher
	codec        xorb.Codec
	root         string
	concurrency  int
	onChunkAdded func(hashing.Hash)
	logger       *slog.Logger

	// recordMu serializes read-modify-write of file records.
	recordMu sync.Mutex
}

// New validates cfg, creates the directory layout and returns an
// Engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Hasher == nil:
		return nil, errors.New("engine requires a hasher")
	case cfg.Store == nil:
		return nil, errors.New("engine requires a chunk store")
	case cfg.Root == "":
		return nil, errors.New("engine requires a root directory")
	}
	if cfg.Hasher.Algorithm() != cfg.Store.Algorithm() {
		return nil, fmt.Errorf("hasher uses %s but the chunk store holds %s digests",
			cfg.Hasher.Algorithm(), cfg.Store.Algorithm())
	}
	for _, dir := range []string{filesDir, xorbsDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating engine directory %s: %w", dir, err)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	concurrency := cfg.FetchConcurrency
	if concurrency <= 0 {
		concurrency = DefaultFetchConcurrency
	}
	onChunkAdded := cfg.OnChunkAdded
	if onChunkAdded == nil {
		onChunkAdded = func(hashing.Hash) {}
	}
	return &Engine{
		hasher:       cfg.Hasher,
		store:        cfg.Store,
		fetcher:      cfg.Fetcher,
		codec:        cfg.Codec,
		root:         cfg.Root,
		concurrency:  concurrency,
		onChunkAdded: onChunkAdded,
		logger:       logger,
	}, nil
}

// Ingest chunks r, stores every chunk (deduplicated), packs the chunks
// no local xorb holds yet into new xorbs and records the file under
// path. The record's Xorbs list every xorb holding one of its chunks,
// including xorbs sealed by earlier ingests. The returned record is
// claimed. Ingesting content that is already recorded and claimed
// takes no extra references and returns the existing record. On error
// every reference taken is released.
func (e *Engine) Ingest(ctx context.Context, path string, r io.Reader) (record *FileRecord, err error) {
	var (
		stream  = chunker.NewStream(r)
		builder = xorb.NewBuilder()
		chunks  []hashing.Hash
		sealed  int
		added   []hashing.Hash
		packed  = make(map[hashing.Hash]bool)
		size    uint64
	)
	defer func() {
		if err != nil {
			e.releaseAll(ctx, chunks)
		}
	}()

	seal := func() error {
		if builder.Len() == 0 {
			return nil
		}
		if _, err := e.persistXorb(ctx, builder.Seal()); err != nil {
			return err
		}
		sealed++
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		hash := e.hasher.HashChunk(chunk.Data)
		result, err := e.store.StoreChunk(ctx, hash, chunk.Data)
		if err != nil {
			return nil, fmt.Errorf("storing chunk at offset %d of %s: %w", chunk.Offset, path, err)
		}
		chunks = append(chunks, hash)
		size += uint64(len(chunk.Data))
		if result.Written {
			added = append(added, hash)
		}
		if packed[hash] {
			continue
		}
		if !result.Written {
			_, held, err := e.store.XorbOf(ctx, hash)
			if err != nil {
				return nil, err
			}
			if held {
				continue
			}
		}
		packed[hash] = true

		// The stream reuses its buffer; the builder keeps the slice.
		data := bytes.Clone(chunk.Data)
		err = builder.AddChunk(hash, data)
		if errors.Is(err, xorb.ErrCapacity) {
			if err := seal(); err != nil {
				return nil, err
			}
			err = builder.AddChunk(hash, data)
		}
		if err != nil {
			return nil, fmt.Errorf("packing chunk %s: %w", hash, err)
		}
	}
	if err := seal(); err != nil {
		return nil, err
	}
	xorbs, uncovered, err := e.store.XorbsCovering(ctx, chunks)
	if err != nil {
		return nil, err
	}
	if len(uncovered) > 0 {
		e.logger.Warn("file chunks held by no local xorb", "path", path, "chunks", len(uncovered))
	}

	record = &FileRecord{
		Version: FileRecordVersion,
		Path:    path,
		Hash:    e.hasher.BuildMerkleTreeFromHashes(chunks),
		Size:    size,
		Chunks:  chunks,
		Xorbs:   xorbs,
		Claimed: true,
	}

	e.recordMu.Lock()
	existing, err := e.readRecord(record.Hash)
	switch {
	case err == nil && existing.Claimed:
		e.recordMu.Unlock()
		e.releaseAll(ctx, chunks)
		e.logger.Debug("file already recorded", "file", record.Hash.String(), "path", path)
		return existing, nil
	case err == nil:
		if len(existing.Xorbs) > 0 && len(record.Xorbs) == 0 {
			record.Xorbs = existing.Xorbs
		}
	case !errors.Is(err, ErrUnknownFile):
		e.recordMu.Unlock()
		return nil, err
	}
	err = e.writeRecord(record)
	e.recordMu.Unlock()
	if err != nil {
		return nil, err
	}

	for _, hash := range added {
		e.onChunkAdded(hash)
	}
	e.logger.Info("ingested file",
		"path", path,
		"file", record.Hash.String(),
		"size", size,
		"chunks", len(chunks),
		"new_chunks", len(added),
		"xorbs", len(xorbs),
		"new_xorbs", sealed,
	)
	return record, nil
}

// Resolve returns the record for fileHash: its Merkle root and its
// ordered chunk hashes.
func (e *Engine) Resolve(fileHash hashing.Hash) (*FileRecord, error) {
	return e.readRecord(fileHash)
}

// Files lists the hashes of every recorded file.
func (e *Engine) Files() ([]hashing.Hash, error) {
	var files []hashing.Hash
	err := walkHashes(filepath.Join(e.root, filesDir), ".cbor", func(hash hashing.Hash) {
		files = append(files, hash)
	})
	return files, err
}

// Fetch returns the chunk named by hash, from the local store or, if
// absent and a fetcher is configured, from a peer. A fetched chunk is
// stored without an owning reference.
func (e *Engine) Fetch(ctx context.Context, hash hashing.Hash) ([]byte, error) {
	data, err := e.store.ReadChunk(ctx, hash)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, chunkstore.ErrNotFound) {
		return nil, err
	}
	return e.fetchRemote(ctx, hash)
}

func (e *Engine) fetchRemote(ctx context.Context, hash hashing.Hash) ([]byte, error) {
	if e.fetcher == nil {
		return nil, &exchange.UnavailableError{Hashes: []hashing.Hash{hash}}
	}
	data, err := e.fetcher.Fetch(ctx, hash)
	if err != nil {
		return nil, err
	}
	e.disown(ctx, hash)
	return data, nil
}

// disown drops the reference a store-on-arrival took, leaving the
// chunk present but ownerless.
func (e *Engine) disown(ctx context.Context, hash hashing.Hash) {
	if _, err := e.store.Release(context.WithoutCancel(ctx), hash); err != nil {
		e.logger.Warn("releasing arrival reference", "hash", hash.String(), "error", err)
	}
}

// Forget releases a claimed record's chunk references and deletes the
// record. Chunks left without references are evicted by the store's
// cleanup once they age out.
func (e *Engine) Forget(ctx context.Context, fileHash hashing.Hash) error {
	e.recordMu.Lock()
	defer e.recordMu.Unlock()

	record, err := e.readRecord(fileHash)
	if err != nil {
		return err
	}
	if record.Claimed {
		e.releaseAll(ctx, record.Chunks)
	}
	if err := os.Remove(e.recordPath(fileHash)); err != nil {
		return fmt.Errorf("removing file record %s: %w", fileHash, err)
	}
	e.logger.Info("forgot file", "file", fileHash.String(), "path", record.Path)
	return nil
}

// Stats combines chunk store statistics with record and xorb counts.
type Stats struct {
	chunkstore.Stats
	Files int
	Xorbs int
}

// Stats reports storage statistics.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	storeStats, err := e.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Stats: storeStats}
	if err := walkHashes(filepath.Join(e.root, filesDir), ".cbor", func(hashing.Hash) { stats.Files++ }); err != nil {
		return Stats{}, err
	}
	if err := walkHashes(filepath.Join(e.root, xorbsDir), ".xorb", func(hashing.Hash) { stats.Xorbs++ }); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// releaseAll drops one reference per entry in hashes. Failures are
// logged; an unreferenced or missing chunk needs no further release.
func (e *Engine) releaseAll(ctx context.Context, hashes []hashing.Hash) {
	ctx = context.WithoutCancel(ctx)
	for _, hash := range hashes {
		_, err := e.store.Release(ctx, hash)
		if err != nil && !errors.Is(err, chunkstore.ErrUnreferenced) && !errors.Is(err, chunkstore.ErrNotFound) {
			e.logger.Warn("releasing chunk reference", "hash", hash.String(), "error", err)
		}
	}
}

func (e *Engine) persistXorb(ctx context.Context, bundle *xorb.Xorb) (hashing.Hash, error) {
	hash := bundle.Hash(e.hasher)
	data, err := bundle.Serialize(e.codec)
	if err != nil {
		return hashing.Hash{}, fmt.Errorf("serializing xorb %s: %w", hash, err)
	}
	if err := e.writeXorb(ctx, hash, bundle.ChunkHashes(), data); err != nil {
		return hashing.Hash{}, err
	}
	e.logger.Debug("sealed xorb", "xorb", hash.String(), "chunks", bundle.Len(), "bytes", len(data))
	return hash, nil
}

// writeXorb keeps a serialized xorb and records it as the holder of
// its member chunks.
func (e *Engine) writeXorb(ctx context.Context, hash hashing.Hash, members []hashing.Hash, data []byte) error {
	path := e.xorbPath(hash)
	if _, err := os.Stat(path); err != nil {
		if err := atomicfile.Write(filepath.Join(e.root, tmpDir), path, data); err != nil {
			return fmt.Errorf("writing xorb %s: %w", hash, err)
		}
	}
	return e.store.RecordXorb(context.WithoutCancel(ctx), hash, members)
}

func (e *Engine) readRecord(fileHash hashing.Hash) (*FileRecord, error) {
	data, err := os.ReadFile(e.recordPath(fileHash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFile, fileHash)
	}
	if err != nil {
		return nil, fmt.Errorf("reading file record %s: %w", fileHash, err)
	}
	record, err := unmarshalRecord(data, e.hasher)
	if err != nil {
		return nil, err
	}
	if record.Hash != fileHash {
		return nil, fmt.Errorf("file record at %s describes %s: %w", fileHash, record.Hash, hashing.ErrHashMismatch)
	}
	return record, nil
}

func (e *Engine) writeRecord(record *FileRecord) error {
	data, err := marshalRecord(record)
	if err != nil {
		return err
	}
	if err := atomicfile.Write(filepath.Join(e.root, tmpDir), e.recordPath(record.Hash), data); err != nil {
		return fmt.Errorf("writing file record %s: %w", record.Hash, err)
	}
	return nil
}

// recordPath shards records by the first two bytes of the hash:
// files/a3/f9/a3f9....cbor
func (e *Engine) recordPath(hash hashing.Hash) string {
	hex := hash.String()
	return filepath.Join(e.root, filesDir, hex[:2], hex[2:4], hex+".cbor")
}

func (e *Engine) xorbPath(hash hashing.Hash) string {
	hex := hash.String()
	return filepath.Join(e.root, xorbsDir, hex[:2], hex[2:4], hex+".xorb")
}

// walkHashes calls fn for every file under dir named <hex><suffix>.
func walkHashes(dir, suffix string, fn func(hashing.Hash)) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, suffix) {
			return nil
		}
		hash, err := hashing.ParseHash(strings.TrimSuffix(name, suffix))
		if err != nil {
			return nil
		}
		fn(hash)
		return nil
	})
}
