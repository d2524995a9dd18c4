// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens a pooled SQLite database with the pragmas
// the chunk store index needs.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool. Callers
// [Pool.Take] a connection, do their work, and [Pool.Put] it back, or
// use [Pool.With] which does both. Connections are not safe for
// concurrent use; each goroutine holds its own for the duration of its
// work.
//
// Every connection gets WAL journaling, a busy timeout and an
// in-memory temp store. Synchronous mode defaults to NORMAL: a commit
// survives a process crash but may be lost on power failure. The chunk
// store tolerates that because its blobs are fsynced before the index
// row commits, and reconciliation drops blobs that have no row.
//
// A schema passed in [Config.Schema] runs once, inside Open, so a
// broken schema fails Open instead of the first query.
package sqlitepool
