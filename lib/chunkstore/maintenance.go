// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/swarmcas/lib/hashing"
)

// CleanupResult reports what CleanupUnusedChunks removed.
type CleanupResult struct {
	Removed int
	Bytes   int64

	// Evicted lists the removed hashes, for withdrawing them from
	// discovery.
	Evicted []hashing.Hash
}

// CleanupUnusedChunks evicts every entry with no references whose
// last access is older than maxAge, removing its row and then its
// blob. Each candidate is re-checked under its hash lock, so a chunk
// re-referenced or touched while the sweep runs is kept. Entries with
// references are never evicted.
func (s *Store) CleanupUnusedChunks(ctx context.Context, maxAge time.Duration) (CleanupResult, error) {
	cutoff := s.clock.Now().Add(-maxAge).UnixNano()

	var candidates []hashing.Hash
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT hash FROM chunks WHERE ref_count = 0 AND last_accessed < ?",
			&sqlitex.ExecOptions{
				Args: []any{cutoff},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var hash hashing.Hash
					stmt.ColumnBytes(0, hash[:])
					candidates = append(candidates, hash)
					return nil
				},
			})
	})
	if err != nil {
		return CleanupResult{}, fmt.Errorf("listing eviction candidates: %w", err)
	}

	var result CleanupResult
	for _, hash := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		size, evicted, err := s.evict(ctx, hash, cutoff)
		if err != nil {
			return result, err
		}
		if evicted {
			result.Removed++
			result.Bytes += size
			result.Evicted = append(result.Evicted, hash)
		}
	}

	if result.Removed > 0 {
		s.logger.Info("evicted unused chunks", "count", result.Removed, "bytes", result.Bytes)
	}
	return result, nil
}

// evict removes one entry if it is still unreferenced and stale.
func (s *Store) evict(ctx context.Context, hash hashing.Hash, cutoff int64) (int64, bool, error) {
	unlock := s.locks.lock(hash)
	defer unlock()

	var entry Entry
	var evicted bool
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		var found bool
		var err error
		entry, found, err = lookupEntry(conn, hash)
		if err != nil {
			return err
		}
		if !found || entry.RefCount > 0 || entry.LastAccessed.UnixNano() >= cutoff {
			return nil
		}
		err = sqlitex.Execute(conn, "DELETE FROM chunks WHERE hash = ? AND ref_count = 0",
			&sqlitex.ExecOptions{Args: []any{hash[:]}})
		if err != nil {
			return err
		}
		evicted = conn.Changes() > 0
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("evicting chunk %s: %w", hash, err)
	}
	if !evicted {
		return 0, false, nil
	}

	if err := os.Remove(s.absolutePath(entry.Path)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("removing evicted chunk blob", "hash", hash.String(), "error", err)
	}
	return entry.Size, true, nil
}

// ReconcileResult reports what Reconcile repaired.
type ReconcileResult struct {
	// OrphanBlobs are blobs with no index row, removed.
	OrphanBlobs int

	// MissingBlobs are index rows whose blob was gone, dropped.
	MissingBlobs int

	// Dropped lists the hashes counted in MissingBlobs, for
	// withdrawing them from discovery.
	Dropped []hashing.Hash
}

// Reconcile restores the invariant that a blob exists exactly when its
// entry does. Blobs without a row (left by a crash between write and
// commit) are deleted; rows whose blob has disappeared are dropped and
// logged, since their data is lost.
func (s *Store) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult

	indexed := make(map[hashing.Hash]string)
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT hash, path FROM chunks", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var hash hashing.Hash
				stmt.ColumnBytes(0, hash[:])
				indexed[hash] = stmt.ColumnText(1)
				return nil
			},
		})
	})
	if err != nil {
		return result, fmt.Errorf("reconcile: reading index: %w", err)
	}

	blobRoot := filepath.Join(s.root, chunksDir)
	var orphans []hashing.Hash
	err = filepath.WalkDir(blobRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		hash, parseErr := hashing.ParseHash(entry.Name())
		if parseErr != nil || relativePath(hash) != blobRelative(blobRoot, path) {
			s.logger.Warn("removing stray file from chunk store", "path", path)
			return os.Remove(path)
		}
		if _, ok := indexed[hash]; !ok {
			orphans = append(orphans, hash)
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("reconcile: walking blobs: %w", err)
	}

	for _, hash := range orphans {
		removed, err := s.removeOrphan(ctx, hash)
		if err != nil {
			return result, err
		}
		if removed {
			result.OrphanBlobs++
		}
	}

	for hash, relative := range indexed {
		if _, err := os.Stat(s.absolutePath(relative)); !errors.Is(err, os.ErrNotExist) {
			continue
		}
		dropped, err := s.dropMissing(ctx, hash)
		if err != nil {
			return result, err
		}
		if dropped {
			result.MissingBlobs++
			result.Dropped = append(result.Dropped, hash)
		}
	}

	if result.OrphanBlobs > 0 || result.MissingBlobs > 0 {
		s.logger.Warn("chunk store reconciled",
			"orphan_blobs", result.OrphanBlobs,
			"missing_blobs", result.MissingBlobs,
		)
	}
	return result, nil
}

// blobRelative returns path relative to the store root so it can be
// compared with relativePath.
func blobRelative(blobRoot, path string) string {
	relative, err := filepath.Rel(blobRoot, path)
	if err != nil {
		return ""
	}
	return filepath.Join(chunksDir, relative)
}

// removeOrphan deletes hash's blob if it still has no row.
func (s *Store) removeOrphan(ctx context.Context, hash hashing.Hash) (bool, error) {
	unlock := s.locks.lock(hash)
	defer unlock()

	var found bool
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		var err error
		_, found, err = lookupEntry(conn, hash)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("reconcile: checking %s: %w", hash, err)
	}
	if found {
		return false, nil
	}
	if err := os.Remove(s.absolutePath(relativePath(hash))); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("reconcile: removing orphan %s: %w", hash, err)
	}
	return true, nil
}

// dropMissing deletes hash's row if its blob is still absent.
func (s *Store) dropMissing(ctx context.Context, hash hashing.Hash) (bool, error) {
	unlock := s.locks.lock(hash)
	defer unlock()

	if _, err := os.Stat(s.absolutePath(relativePath(hash))); !errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	var dropped bool
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, "DELETE FROM chunks WHERE hash = ?",
			&sqlitex.ExecOptions{Args: []any{hash[:]}})
		dropped = conn.Changes() > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("reconcile: dropping %s: %w", hash, err)
	}
	if dropped {
		s.logger.Warn("dropped index entry with missing blob", "hash", hash.String())
	}
	return dropped, nil
}

// Stats summarizes the store for observability.
type Stats struct {
	// UniqueChunks is the number of indexed chunks.
	UniqueChunks int64

	// PhysicalBytes is the total size of the stored blobs.
	PhysicalBytes int64

	// LogicalBytes is the size the referenced data would occupy
	// without deduplication: each chunk's size times its references.
	LogicalBytes int64

	// Unreferenced is the number of chunks awaiting eviction.
	Unreferenced int64

	// DedupRatio is LogicalBytes / PhysicalBytes, or 1 when the store
	// is empty.
	DedupRatio float64
}

// Stats reads aggregate counts from the index.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT COUNT(*),
			        COALESCE(SUM(size), 0),
			        COALESCE(SUM(size * ref_count), 0),
			        COALESCE(SUM(CASE WHEN ref_count = 0 THEN 1 ELSE 0 END), 0)
			 FROM chunks`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					stats.UniqueChunks = stmt.ColumnInt64(0)
					stats.PhysicalBytes = stmt.ColumnInt64(1)
					stats.LogicalBytes = stmt.ColumnInt64(2)
					stats.Unreferenced = stmt.ColumnInt64(3)
					return nil
				},
			})
	})
	if err != nil {
		return Stats{}, fmt.Errorf("reading store stats: %w", err)
	}
	stats.DedupRatio = 1
	if stats.PhysicalBytes > 0 {
		stats.DedupRatio = float64(stats.LogicalBytes) / float64(stats.PhysicalBytes)
	}
	return stats, nil
}
