// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package chunkstore is the local deduplicating chunk store: the
// single owner of every chunk blob on this node.
//
// On-disk layout under the store root:
//
//	chunks/ab/cd/<hex hash>   one blob per unique chunk
//	tmp/                      in-flight writes, cleared on open
//	index.db                  SQLite index: hash, size, path,
//	                          ref_count, created_at, last_accessed,
//	                          plus the xorb each chunk was packed in
//	LOCK                      exclusive lock held while open
//
// Storing a chunk whose hash is already indexed writes nothing; it
// increments the entry's reference count and refreshes its access
// time. A new chunk's blob is written to tmp/, fsynced and renamed
// into place before its index row is committed, and the blob is
// removed again if the commit fails. A crash can therefore leave a
// blob without a row but never a row without a blob; [Store.Reconcile]
// removes such orphans.
//
// Concurrency is per hash. Store, release and eviction of one hash
// serialize on that hash's lock; operations on different hashes run
// in parallel, subject only to SQLite's single-writer commit.
// Existence checks and reads take no hash lock.
//
// Reference counts are driven by callers: StoreChunk increments and
// [Store.Release] decrements. [Store.CleanupUnusedChunks] evicts only
// entries with no references whose last access is older than the
// given age.
//
// The index records the digest algorithm the store was created with.
// Opening the store with a different algorithm fails with
// [ErrDigestSpace].
package chunkstore
