// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunkstore

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/swarmcas/lib/hashing"
	"github.com/bureau-foundation/swarmcas/lib/testutil"
)

func TestXorbMembership(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, "")

	var chunks []hashing.Hash
	for i := range 4 {
		hash, _ := store.put(t, testutil.Bytes(uint64(60+i), 300))
		chunks = append(chunks, hash)
	}
	first := store.hasher.HashChunk([]byte("first xorb"))
	second := store.hasher.HashChunk([]byte("second xorb"))

	if err := store.RecordXorb(ctx, first, chunks[:2]); err != nil {
		t.Fatal(err)
	}
	// chunks[1] keeps its first attribution.
	if err := store.RecordXorb(ctx, second, chunks[1:3]); err != nil {
		t.Fatal(err)
	}

	got, found, err := store.XorbOf(ctx, chunks[1])
	if err != nil || !found || got != first {
		t.Errorf("XorbOf(chunks[1]) = %s, %v, %v, want %s", got, found, err, first)
	}
	if _, found, err := store.XorbOf(ctx, chunks[3]); err != nil || found {
		t.Errorf("XorbOf(unpacked) found = %v, err = %v", found, err)
	}

	lookup := []hashing.Hash{chunks[2], chunks[0], chunks[3], chunks[1], chunks[2]}
	xorbs, uncovered, err := store.XorbsCovering(ctx, lookup)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(xorbs, []hashing.Hash{second, first}) {
		t.Errorf("XorbsCovering xorbs = %v, want [second first]", xorbs)
	}
	if !slices.Equal(uncovered, []hashing.Hash{chunks[3]}) {
		t.Errorf("XorbsCovering uncovered = %v, want [chunks[3]]", uncovered)
	}

	// Membership survives eviction of the blob.
	for _, hash := range chunks {
		if _, err := store.Release(ctx, hash); err != nil {
			t.Fatal(err)
		}
	}
	store.clock.Advance(48 * time.Hour)
	result, err := store.CleanupUnusedChunks(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if result.Removed != len(chunks) {
		t.Fatalf("evicted %d chunks, want %d", result.Removed, len(chunks))
	}
	if got, found, err := store.XorbOf(ctx, chunks[0]); err != nil || !found || got != first {
		t.Errorf("after eviction XorbOf(chunks[0]) = %s, %v, %v", got, found, err)
	}
}
