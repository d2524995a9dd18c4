// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/swarmcas/lib/atomicfile"
	"github.com/bureau-foundation/swarmcas/lib/clock"
	"github.com/bureau-foundation/swarmcas/lib/hashing"
	"github.com/bureau-foundation/swarmcas/lib/sqlitepool"
)

const (
	chunksDir     = "chunks"
	tmpDir        = "tmp"
	indexFile     = "index.db"
	lockFile      = "LOCK"
	metaAlgorithm = "hash_algorithm"
)

var (
	// ErrNotFound is returned (wrapped) when a hash has no entry.
	ErrNotFound = errors.New("chunk not found")

	// ErrDigestSpace is returned by Open when the store was created
	// with a different hash algorithm.
	ErrDigestSpace = errors.New("store uses a different digest algorithm")

	// ErrLocked is returned by Open when another process holds the
	// store.
	ErrLocked = errors.New("chunk store is locked by another process")

	// ErrUnreferenced is returned by Release for an entry whose
	// reference count is already zero.
	ErrUnreferenced = errors.New("chunk has no references")
)

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	hash          BLOB PRIMARY KEY,
	size          INTEGER NOT NULL,
	path          TEXT NOT NULL,
	ref_count     INTEGER NOT NULL CHECK (ref_count >= 0),
	created_at    INTEGER NOT NULL,
	last_accessed INTEGER NOT NULL
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS chunks_evictable
	ON chunks (last_accessed) WHERE ref_count = 0;

CREATE TABLE IF NOT EXISTS xorb_members (
	chunk BLOB PRIMARY KEY,
	xorb  BLOB NOT NULL
) WITHOUT ROWID;
`

// Config holds the parameters for opening a store.
type Config struct {
	// Root is the store directory. Created if missing.
	Root string

	// Algorithm is the digest algorithm of every hash stored here.
	Algorithm hashing.Algorithm

	// Clock stamps created_at and last_accessed. Nil means
	// clock.Real().
	Clock clock.Clock

	// Logger receives operational messages. Nil discards.
	Logger *slog.Logger

	// PoolSize is the SQLite connection pool size. Zero picks the
	// pool default.
	PoolSize int
}

// Entry is the index record for one chunk.
type Entry struct {
	Hash         hashing.Hash
	Size         int64
	Path         string
	RefCount     int64
	CreatedAt    time.Time
	LastAccessed time.Time
}

// StoreResult reports the outcome of StoreChunk.
type StoreResult struct {
	// Path is the absolute blob path.
	Path string

	// Written is true when this call wrote the blob, false when the
	// chunk was already present.
	Written bool

	// RefCount is the reference count after this call.
	RefCount int64
}

// Store is a content-addressed chunk store. Safe for concurrent use.
type Store struct {
	root      string
	algorithm hashing.Algorithm
	pool      *sqlitepool.Pool
	clock     clock.Clock
	logger    *slog.Logger
	locks     *hashLocks
	lock      *os.File
}

// Open opens or creates the store at cfg.Root, takes its exclusive
// lock, and checks that the index was created with cfg.Algorithm.
// Leftover temp files from an earlier crash are removed.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("chunkstore: Root is required")
	}
	if _, err := hashing.New(cfg.Algorithm); err != nil {
		return nil, fmt.Errorf("chunkstore: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	storeClock := cfg.Clock
	if storeClock == nil {
		storeClock = clock.Real()
	}

	for _, dir := range []string{cfg.Root, filepath.Join(cfg.Root, chunksDir), filepath.Join(cfg.Root, tmpDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("chunkstore: creating %s: %w", dir, err)
		}
	}

	lock, err := lockRoot(filepath.Join(cfg.Root, lockFile))
	if err != nil {
		return nil, fmt.Errorf("chunkstore: %w", err)
	}

	if err := clearDir(filepath.Join(cfg.Root, tmpDir)); err != nil {
		unlockRoot(lock)
		return nil, fmt.Errorf("chunkstore: %w", err)
	}

	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:     filepath.Join(cfg.Root, indexFile),
		PoolSize: cfg.PoolSize,
		Schema:   schema,
		Logger:   logger,
	})
	if err != nil {
		unlockRoot(lock)
		return nil, fmt.Errorf("chunkstore: %w", err)
	}

	store := &Store{
		root:      cfg.Root,
		algorithm: cfg.Algorithm,
		pool:      pool,
		clock:     storeClock,
		logger:    logger,
		locks:     newHashLocks(),
		lock:      lock,
	}

	if err := store.pinAlgorithm(ctx); err != nil {
		pool.Close()
		unlockRoot(lock)
		return nil, fmt.Errorf("chunkstore: %w", err)
	}

	if cfg.Algorithm == hashing.SHA256 {
		logger.Warn("chunk store using SHA-256 digest space", "root", cfg.Root)
	}
	logger.Info("chunk store opened", "root", cfg.Root, "algorithm", cfg.Algorithm.String())
	return store, nil
}

// pinAlgorithm records the algorithm in a new index or checks it
// against an existing one.
func (s *Store) pinAlgorithm(ctx context.Context) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var recorded string
	found := false
	err = sqlitex.Execute(conn, "SELECT value FROM meta WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{metaAlgorithm},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			recorded = stmt.ColumnText(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("reading digest algorithm: %w", err)
	}
	if !found {
		return sqlitex.Execute(conn, "INSERT INTO meta (key, value) VALUES (?, ?)", &sqlitex.ExecOptions{
			Args: []any{metaAlgorithm, s.algorithm.String()},
		})
	}
	if recorded != s.algorithm.String() {
		return fmt.Errorf("%w: index was created with %s, opened with %s", ErrDigestSpace, recorded, s.algorithm)
	}
	return nil
}

// Close closes the index and releases the store lock.
func (s *Store) Close() error {
	poolErr := s.pool.Close()
	lockErr := unlockRoot(s.lock)
	return errors.Join(poolErr, lockErr)
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

// Algorithm returns the store's digest algorithm.
func (s *Store) Algorithm() hashing.Algorithm {
	return s.algorithm
}

// relativePath returns the blob path for hash relative to the root:
// chunks/ab/cd/<hex>.
func relativePath(hash hashing.Hash) string {
	hexHash := hash.String()
	return filepath.Join(chunksDir, hexHash[0:2], hexHash[2:4], hexHash)
}

func (s *Store) absolutePath(relative string) string {
	return filepath.Join(s.root, relative)
}

// StoreChunk records one reference to hash. If the chunk is already
// indexed nothing is written; the reference count is incremented and
// the access time refreshed. Otherwise data is persisted and a new
// entry is created with a reference count of one.
//
// The caller must have verified that data hashes to hash. A cancelled
// ctx is honored only before any change is made.
func (s *Store) StoreChunk(ctx context.Context, hash hashing.Hash, data []byte) (StoreResult, error) {
	if err := ctx.Err(); err != nil {
		return StoreResult{}, err
	}

	unlock := s.locks.lock(hash)
	defer unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return StoreResult{}, fmt.Errorf("storing chunk %s: %w", hash, err)
	}
	defer s.pool.Put(conn)

	if err := ctx.Err(); err != nil {
		return StoreResult{}, err
	}

	now := s.clock.Now().UnixNano()

	entry, found, err := lookupEntry(conn, hash)
	if err != nil {
		return StoreResult{}, fmt.Errorf("storing chunk %s: %w", hash, err)
	}
	if found {
		return s.addReference(conn, entry, data, now)
	}

	relative := relativePath(hash)
	if err := atomicfile.Write(filepath.Join(s.root, tmpDir), s.absolutePath(relative), data); err != nil {
		return StoreResult{}, fmt.Errorf("storing chunk %s: %w", hash, err)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO chunks (hash, size, path, ref_count, created_at, last_accessed)
		 VALUES (?, ?, ?, 1, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{hash[:], len(data), relative, now, now}})
	if err != nil {
		if removeErr := os.Remove(s.absolutePath(relative)); removeErr != nil {
			s.logger.Error("removing blob after failed index insert",
				"hash", hash.String(), "error", removeErr)
		}
		return StoreResult{}, fmt.Errorf("indexing chunk %s: %w", hash, err)
	}
	return StoreResult{Path: s.absolutePath(relative), Written: true, RefCount: 1}, nil
}

// addReference increments an existing entry. A blob that has gone
// missing from disk is rewritten from data first.
func (s *Store) addReference(conn *sqlite.Conn, entry Entry, data []byte, now int64) (StoreResult, error) {
	path := s.absolutePath(entry.Path)
	written := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("indexed chunk blob missing, rewriting", "hash", entry.Hash.String(), "path", path)
		if err := atomicfile.Write(filepath.Join(s.root, tmpDir), path, data); err != nil {
			return StoreResult{}, fmt.Errorf("restoring chunk %s: %w", entry.Hash, err)
		}
		written = true
	}

	err := sqlitex.Execute(conn,
		"UPDATE chunks SET ref_count = ref_count + 1, last_accessed = ? WHERE hash = ?",
		&sqlitex.ExecOptions{Args: []any{now, entry.Hash[:]}})
	if err != nil {
		return StoreResult{}, fmt.Errorf("incrementing chunk %s: %w", entry.Hash, err)
	}
	return StoreResult{Path: path, Written: written, RefCount: entry.RefCount + 1}, nil
}

// CheckChunkExists reports whether hash is indexed and, if so,
// refreshes its access time so it is not evicted while in use.
func (s *Store) CheckChunkExists(ctx context.Context, hash hashing.Hash) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("checking chunk %s: %w", hash, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "UPDATE chunks SET last_accessed = ? WHERE hash = ?",
		&sqlitex.ExecOptions{Args: []any{s.clock.Now().UnixNano(), hash[:]}})
	if err != nil {
		return false, fmt.Errorf("checking chunk %s: %w", hash, err)
	}
	return conn.Changes() > 0, nil
}

// GetChunkPath returns the absolute blob path for hash, or an error
// wrapping ErrNotFound.
func (s *Store) GetChunkPath(ctx context.Context, hash hashing.Hash) (string, error) {
	entry, err := s.Entry(ctx, hash)
	if err != nil {
		return "", err
	}
	return entry.Path, nil
}

// Entry returns the index record for hash with an absolute Path.
func (s *Store) Entry(ctx context.Context, hash hashing.Hash) (Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("looking up chunk %s: %w", hash, err)
	}
	defer s.pool.Put(conn)

	entry, found, err := lookupEntry(conn, hash)
	if err != nil {
		return Entry{}, fmt.Errorf("looking up chunk %s: %w", hash, err)
	}
	if !found {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	entry.Path = s.absolutePath(entry.Path)
	return entry, nil
}

// ReadChunk returns the chunk's bytes and refreshes its access time.
func (s *Store) ReadChunk(ctx context.Context, hash hashing.Hash) ([]byte, error) {
	found, err := s.CheckChunkExists(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	data, err := os.ReadFile(s.absolutePath(relativePath(hash)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s (blob evicted)", ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("reading chunk %s: %w", hash, err)
	}
	return data, nil
}

// Release drops one reference to hash and returns the remaining
// count. An entry whose count reaches zero stays on disk until
// CleanupUnusedChunks evicts it.
func (s *Store) Release(ctx context.Context, hash hashing.Hash) (int64, error) {
	unlock := s.locks.lock(hash)
	defer unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("releasing chunk %s: %w", hash, err)
	}
	defer s.pool.Put(conn)

	entry, found, err := lookupEntry(conn, hash)
	if err != nil {
		return 0, fmt.Errorf("releasing chunk %s: %w", hash, err)
	}
	if !found {
		return 0, fmt.Errorf("releasing chunk: %w: %s", ErrNotFound, hash)
	}
	if entry.RefCount == 0 {
		return 0, fmt.Errorf("releasing chunk %s: %w", hash, ErrUnreferenced)
	}

	err = sqlitex.Execute(conn, "UPDATE chunks SET ref_count = ref_count - 1 WHERE hash = ?",
		&sqlitex.ExecOptions{Args: []any{hash[:]}})
	if err != nil {
		return 0, fmt.Errorf("releasing chunk %s: %w", hash, err)
	}
	return entry.RefCount - 1, nil
}

// Hashes calls fn for every indexed hash. Iteration stops at the first
// error fn returns.
func (s *Store) Hashes(ctx context.Context, fn func(hashing.Hash) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("listing chunks: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "SELECT hash FROM chunks", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var hash hashing.Hash
			if stmt.ColumnLen(0) != hashing.Size {
				return fmt.Errorf("index row has %d-byte hash", stmt.ColumnLen(0))
			}
			stmt.ColumnBytes(0, hash[:])
			return fn(hash)
		},
	})
	if err != nil {
		return fmt.Errorf("listing chunks: %w", err)
	}
	return nil
}

// lookupEntry reads hash's row. Path is left relative to the root.
func lookupEntry(conn *sqlite.Conn, hash hashing.Hash) (Entry, bool, error) {
	var entry Entry
	found := false
	err := sqlitex.Execute(conn,
		"SELECT size, path, ref_count, created_at, last_accessed FROM chunks WHERE hash = ?",
		&sqlitex.ExecOptions{
			Args: []any{hash[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry = Entry{
					Hash:         hash,
					Size:         stmt.ColumnInt64(0),
					Path:         stmt.ColumnText(1),
					RefCount:     stmt.ColumnInt64(2),
					CreatedAt:    time.Unix(0, stmt.ColumnInt64(3)),
					LastAccessed: time.Unix(0, stmt.ColumnInt64(4)),
				}
				found = true
				return nil
			},
		})
	return entry, found, err
}

// clearDir removes everything inside dir.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("removing %s: %w", entry.Name(), err)
		}
	}
	return nil
}
