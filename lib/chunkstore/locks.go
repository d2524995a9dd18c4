// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunkstore

import (
	"sync"

	"github.com/bureau-foundation/swarmcas/lib/hashing"
)

// hashLocks hands out one mutex per hash in use. Entries exist only
// while some goroutine holds or waits for them.
type hashLocks struct {
	mu    sync.Mutex
	locks map[hashing.Hash]*hashLock
}

type hashLock struct {
	mu      sync.Mutex
	waiters int
}

func newHashLocks() *hashLocks {
	return &hashLocks{locks: make(map[hashing.Hash]*hashLock)}
}

// lock blocks until the caller holds hash's lock and returns the
// function that releases it.
func (l *hashLocks) lock(hash hashing.Hash) func() {
	l.mu.Lock()
	entry, ok := l.locks[hash]
	if !ok {
		entry = &hashLock{}
		l.locks[hash] = entry
	}
	entry.waiters++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.waiters--
		if entry.waiters == 0 {
			delete(l.locks, hash)
		}
		l.mu.Unlock()
	}
}

// size returns the number of hashes currently locked or awaited.
func (l *hashLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
