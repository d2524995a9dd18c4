// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/swarmcas/lib/exchange"
	"github.com/bureau-foundation/swarmcas/lib/hashing"
)

// ReadFile writes the file named by fileHash to w and returns the
// bytes written. Missing chunks are fetched concurrently first; if any
// cannot be obtained, nothing is written and the error is an
// *exchange.UnavailableError listing every one of them. Each chunk is
// verified against its hash as it is written, and the record's chunk
// list against the file hash before anything is fetched. The first
// successful read of an unclaimed record claims it.
func (e *Engine) ReadFile(ctx context.Context, fileHash hashing.Hash, w io.Writer) (int64, error) {
	record, err := e.readRecord(fileHash)
	if err != nil {
		return 0, err
	}
	if err := e.ensureLocal(ctx, record.Chunks); err != nil {
		return 0, err
	}

	if !record.Claimed {
		e.recordMu.Lock()
		defer e.recordMu.Unlock()
		if record, err = e.readRecord(fileHash); err != nil {
			return 0, err
		}
	}
	claim := !record.Claimed

	var (
		claimed []hashing.Hash
		written int64
		success bool
	)
	defer func() {
		if !success {
			e.releaseAll(ctx, claimed)
		}
	}()

	for index, hash := range record.Chunks {
		data, err := e.store.ReadChunk(ctx, hash)
		if err != nil {
			return written, fmt.Errorf("reading chunk %d of %s: %w", index, fileHash, err)
		}
		if err := e.hasher.Verify(data, hash); err != nil {
			return written, fmt.Errorf("local chunk %d of %s: %w", index, fileHash, err)
		}
		if claim {
			if _, err := e.store.StoreChunk(ctx, hash, data); err != nil {
				return written, fmt.Errorf("claiming chunk %s: %w", hash, err)
			}
			claimed = append(claimed, hash)
		}
		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("writing chunk %d of %s: %w", index, fileHash, err)
		}
	}
	if uint64(written) != record.Size {
		return written, fmt.Errorf("file %s: wrote %d bytes, record says %d", fileHash, written, record.Size)
	}

	if claim {
		record.Claimed = true
		if err := e.writeRecord(record); err != nil {
			return written, err
		}
	}
	success = true
	return written, nil
}

// ensureLocal fetches every chunk in hashes that the store lacks, at
// most e.concurrency at a time. Unavailable chunks are collected
// rather than failing fast; any other error cancels the rest.
func (e *Engine) ensureLocal(ctx context.Context, hashes []hashing.Hash) error {
	seen := make(map[hashing.Hash]struct{}, len(hashes))
	var missing []hashing.Hash
	for _, hash := range hashes {
		if _, ok := seen[hash]; ok {
			continue
		}
		seen[hash] = struct{}{}
		exists, err := e.store.CheckChunkExists(ctx, hash)
		if err != nil {
			return err
		}
		if !exists {
			missing = append(missing, hash)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if e.fetcher == nil {
		return &exchange.UnavailableError{Hashes: missing}
	}

	var (
		mu          sync.Mutex
		unavailable = make(map[hashing.Hash]struct{})
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.concurrency)
	for _, hash := range missing {
		group.Go(func() error {
			_, err := e.fetchRemote(groupCtx, hash)
			if errors.Is(err, exchange.ErrChunkUnavailable) {
				mu.Lock()
				unavailable[hash] = struct{}{}
				mu.Unlock()
				return nil
			}
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	if len(unavailable) > 0 {
		report := &exchange.UnavailableError{}
		for _, hash := range missing {
			if _, ok := unavailable[hash]; ok {
				report.Hashes = append(report.Hashes, hash)
			}
		}
		e.logger.Warn("chunks unavailable", "count", len(report.Hashes), "missing", len(missing))
		return report
	}
	return nil
}
