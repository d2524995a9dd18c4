// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunkstore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/swarmcas/lib/hashing"
)

// RecordXorb notes that the xorb named by xorbHash holds each of
// chunks. A chunk already attributed to a xorb keeps its first
// attribution. Attributions outlive eviction of the chunk's blob,
// since the xorb still carries the bytes.
func (s *Store) RecordXorb(ctx context.Context, xorbHash hashing.Hash, chunks []hashing.Hash) (err error) {
	if len(chunks) == 0 {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("recording xorb %s: %w", xorbHash, err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("recording xorb %s: %w", xorbHash, err)
	}
	defer endTransaction(&err)

	for _, chunk := range chunks {
		err = sqlitex.Execute(conn,
			"INSERT OR IGNORE INTO xorb_members (chunk, xorb) VALUES (?, ?)",
			&sqlitex.ExecOptions{Args: []any{chunk[:], xorbHash[:]}})
		if err != nil {
			return fmt.Errorf("recording xorb %s: %w", xorbHash, err)
		}
	}
	return nil
}

// XorbOf returns the xorb recorded as holding chunk. found is false
// when no local xorb carries it.
func (s *Store) XorbOf(ctx context.Context, chunk hashing.Hash) (xorbHash hashing.Hash, found bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return hashing.Hash{}, false, fmt.Errorf("looking up xorb of %s: %w", chunk, err)
	}
	defer s.pool.Put(conn)

	xorbHash, found, err = lookupXorb(conn, chunk)
	if err != nil {
		return hashing.Hash{}, false, fmt.Errorf("looking up xorb of %s: %w", chunk, err)
	}
	return xorbHash, found, nil
}

// XorbsCovering returns the distinct xorbs holding chunks, in the
// order each is first needed, and the chunks no recorded xorb holds.
func (s *Store) XorbsCovering(ctx context.Context, chunks []hashing.Hash) (xorbs, uncovered []hashing.Hash, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("listing xorbs: %w", err)
	}
	defer s.pool.Put(conn)

	seen := make(map[hashing.Hash]bool)
	for _, chunk := range chunks {
		xorbHash, found, err := lookupXorb(conn, chunk)
		if err != nil {
			return nil, nil, fmt.Errorf("listing xorbs: looking up %s: %w", chunk, err)
		}
		if !found {
			uncovered = append(uncovered, chunk)
			continue
		}
		if !seen[xorbHash] {
			seen[xorbHash] = true
			xorbs = append(xorbs, xorbHash)
		}
	}
	return xorbs, uncovered, nil
}

func lookupXorb(conn *sqlite.Conn, chunk hashing.Hash) (hashing.Hash, bool, error) {
	var xorbHash hashing.Hash
	found := false
	err := sqlitex.Execute(conn, "SELECT xorb FROM xorb_members WHERE chunk = ?", &sqlitex.ExecOptions{
		Args: []any{chunk[:]},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if stmt.ColumnLen(0) != hashing.Size {
				return fmt.Errorf("index row has %d-byte xorb hash", stmt.ColumnLen(0))
			}
			stmt.ColumnBytes(0, xorbHash[:])
			found = true
			return nil
		},
	})
	return xorbHash, found, err
}
