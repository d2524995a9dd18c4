// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/bureau-foundation/swarmcas/lib/hashing"
)

type failingLookup struct{}

func (failingLookup) Put(context.Context, hashing.Hash, Peer) error { return errors.New("dht down") }
func (failingLookup) Remove(context.Context, hashing.Hash, string) error {
	return errors.New("dht down")
}
func (failingLookup) Get(context.Context, hashing.Hash) ([]Peer, error) {
	return nil, errors.New("dht down")
}

func peerIDs(peers []Peer) []string {
	ids := make([]string, len(peers))
	for i, peer := range peers {
		ids[i] = peer.ID
	}
	return ids
}

func equalIDs(got []Peer, want ...string) bool {
	ids := peerIDs(got)
	if len(ids) != len(want) {
		return false
	}
	for i := range ids {
		if ids[i] != want[i] {
			return false
		}
	}
	return true
}

func TestCandidatesMergeSources(t *testing.T) {
	ctx := context.Background()
	self := Peer{ID: "self", Addr: "self:1"}
	lookup := NewMemoryLookup()
	tracker := NewMemoryTracker()
	discovery := NewDiscovery(DiscoveryConfig{Self: self, Lookup: lookup, Tracker: tracker})
	hash := testHash(10)

	lookup.Put(ctx, hash, Peer{ID: "a", Addr: "a:1"})
	lookup.Put(ctx, hash, self)
	tracker.Announce(ctx, hash.ShortID(), Peer{ID: "b", Addr: "b:1"})
	tracker.Announce(ctx, hash.ShortID(), Peer{ID: "a", Addr: "a:1"})
	discovery.Hint(Peer{ID: "c", Addr: "c:1"}, hash)
	discovery.Hint(self, hash)

	candidates, err := discovery.Candidates(ctx, hash)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if !equalIDs(candidates, "a", "b", "c") {
		t.Errorf("candidates = %v, want [a b c]", peerIDs(candidates))
	}

	discovery.Unhint("c", hash)
	candidates, _ = discovery.Candidates(ctx, hash)
	if !equalIDs(candidates, "a", "b") {
		t.Errorf("after Unhint candidates = %v, want [a b]", peerIDs(candidates))
	}
}

func TestAnnounceAndWithdraw(t *testing.T) {
	ctx := context.Background()
	lookup := NewMemoryLookup()
	tracker := NewMemoryTracker()
	holder := NewDiscovery(DiscoveryConfig{Self: Peer{ID: "holder", Addr: "h:1"}, Lookup: lookup, Tracker: tracker})
	seeker := NewDiscovery(DiscoveryConfig{Self: Peer{ID: "seeker"}, Lookup: lookup, Tracker: tracker})
	hash := testHash(11)

	if err := holder.Announce(ctx, hash); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	candidates, err := seeker.Candidates(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if !equalIDs(candidates, "holder") {
		t.Fatalf("candidates = %v, want [holder]", peerIDs(candidates))
	}
	if err := holder.Announce(ctx, hash); err != nil {
		t.Fatal(err)
	}
	if peers, _ := lookup.Get(ctx, hash); len(peers) != 1 {
		t.Errorf("repeated announce stored %d lookup entries, want 1", len(peers))
	}

	if err := holder.Withdraw(ctx, hash); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	candidates, _ = seeker.Candidates(ctx, hash)
	if len(candidates) != 0 {
		t.Errorf("after Withdraw candidates = %v, want none", peerIDs(candidates))
	}
}

func TestCandidatesSourceFailure(t *testing.T) {
	ctx := context.Background()
	hash := testHash(12)

	onlyFailing := NewDiscovery(DiscoveryConfig{Self: Peer{ID: "self"}, Lookup: failingLookup{}})
	if _, err := onlyFailing.Candidates(ctx, hash); err == nil {
		t.Error("Candidates with every source failing returned no error")
	}

	tracker := NewMemoryTracker()
	tracker.Announce(ctx, hash.ShortID(), Peer{ID: "t", Addr: "t:1"})
	partial := NewDiscovery(DiscoveryConfig{Self: Peer{ID: "self"}, Lookup: failingLookup{}, Tracker: tracker})
	candidates, err := partial.Candidates(ctx, hash)
	if err != nil {
		t.Fatalf("Candidates with one healthy source: %v", err)
	}
	if !equalIDs(candidates, "t") {
		t.Errorf("candidates = %v, want [t]", peerIDs(candidates))
	}

	if err := partial.Announce(ctx, hash); err == nil {
		t.Error("Announce hid the lookup failure")
	}
}

func TestCandidatesDemoteRuledOutPeers(t *testing.T) {
	ctx := context.Background()
	hash := testHashes(t, 20, 1)[0]
	availability := NewAvailability(0)
	lookup := NewMemoryLookup()
	discovery := NewDiscovery(DiscoveryConfig{Self: Peer{ID: "self"}, Lookup: lookup, Availability: availability})

	for _, id := range []string{"stale", "fresh", "unknown"} {
		lookup.Put(ctx, hash, Peer{ID: id, Addr: id + ":1"})
	}

	lacking := NewAvailability(0)
	lacking.Rebuild(testHashes(t, 21, 10))
	summary, _ := lacking.Summary(Peer{ID: "stale"})
	if _, err := availability.ApplySummary(summary); err != nil {
		t.Fatal(err)
	}
	having := NewAvailability(0)
	having.Rebuild([]hashing.Hash{hash})
	summary, _ = having.Summary(Peer{ID: "fresh"})
	if _, err := availability.ApplySummary(summary); err != nil {
		t.Fatal(err)
	}

	candidates, err := discovery.Candidates(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if !equalIDs(candidates, "fresh", "unknown", "stale") {
		t.Errorf("candidates = %v, want [fresh unknown stale]", peerIDs(candidates))
	}
}

func TestHintsAreBounded(t *testing.T) {
	ctx := context.Background()
	discovery := NewDiscovery(DiscoveryConfig{Self: Peer{ID: "self"}, MaxHints: 4})
	hashes := testHashes(t, 30, 6)
	origin := Peer{ID: "origin", Addr: "origin:1"}

	for _, hash := range hashes {
		discovery.Hint(origin, hash)
	}
	if got := discovery.hints.Len(); got != 4 {
		t.Fatalf("hinted chunks = %d, want 4", got)
	}
	for _, hash := range hashes[:2] {
		if len(discovery.hinted(hash)) != 0 {
			t.Errorf("oldest hint for %s kept past MaxHints", hash)
		}
	}
	candidates, err := discovery.Candidates(ctx, hashes[5])
	if err != nil {
		t.Fatal(err)
	}
	if !equalIDs(candidates, "origin") {
		t.Errorf("candidates for newest hint = %v, want [origin]", peerIDs(candidates))
	}

	crowded := hashes[5]
	for i := range 2 * maxHintsPerChunk {
		discovery.Hint(Peer{ID: fmt.Sprintf("peer-%02d", i), Addr: "peer:1"}, crowded)
	}
	if got := len(discovery.hinted(crowded)); got != maxHintsPerChunk {
		t.Errorf("peers hinted for one chunk = %d, want %d", got, maxHintsPerChunk)
	}
	discovery.Hint(origin, crowded)
	discovery.Unhint("origin", crowded)
	discovery.Hint(Peer{ID: "late", Addr: "late:1"}, crowded)
	if !slices.ContainsFunc(discovery.hinted(crowded), func(peer Peer) bool { return peer.ID == "late" }) {
		t.Error("unhint did not free room for another peer")
	}
}
