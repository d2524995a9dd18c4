// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/bureau-foundation/swarmcas/lib/hashing"
)

// Peer identifies a remote node. ID is stable across address changes;
// Addr is what the Transport dials.
type Peer struct {
	ID   string `cbor:"id"`
	Addr string `cbor:"addr"`
}

// Lookup is a distributed key/value lookup keyed by the full chunk
// hash, such as a DHT.
type Lookup interface {
	Put(ctx context.Context, key hashing.Hash, peer Peer) error
	Remove(ctx context.Context, key hashing.Hash, peerID string) error
	Get(ctx context.Context, key hashing.Hash) ([]Peer, error)
}

// Tracker is a swarm-style announce service keyed by the 20-byte
// short ID of a chunk hash.
type Tracker interface {
	Announce(ctx context.Context, id [hashing.ShortIDSize]byte, peer Peer) error
	Withdraw(ctx context.Context, id [hashing.ShortIDSize]byte, peerID string) error
	Peers(ctx context.Context, id [hashing.ShortIDSize]byte) ([]Peer, error)
}

// DefaultMaxHints bounds how many chunk hashes Discovery keeps gossip
// hints for.
const DefaultMaxHints = 1 << 16

// maxHintsPerChunk bounds the peers remembered for one hinted chunk.
// Further claims for a full chunk are ignored until one is unhinted.
const maxHintsPerChunk = 16

// DiscoveryConfig holds the parameters for NewDiscovery. Lookup and
// Tracker are each optional.
type DiscoveryConfig struct {
	Self         Peer
	Lookup       Lookup
	Tracker      Tracker
	Availability *Availability

	// MaxHints bounds the hinted chunk hashes. The least recently
	// hinted hash is dropped first. Zero selects DefaultMaxHints.
	MaxHints int

	Logger *slog.Logger
}

// Discovery answers "which peers may hold this chunk". Safe for
// concurrent use.
type Discovery struct {
	self         Peer
	lookup       Lookup
	tracker      Tracker
	availability *Availability
	logger       *slog.Logger

	// mu guards the holder maps stored in hints.
	mu    sync.RWMutex
	hints *lru.Cache // hashing.Hash -> map[string]Peer
}

// NewDiscovery returns a Discovery over the configured sources.
func NewDiscovery(cfg DiscoveryConfig) *Discovery {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxHints := cfg.MaxHints
	if maxHints <= 0 {
		maxHints = DefaultMaxHints
	}
	// lru.New fails only for a non-positive size.
	hints, _ := lru.New(maxHints)
	return &Discovery{
		self:         cfg.Self,
		lookup:       cfg.Lookup,
		tracker:      cfg.Tracker,
		availability: cfg.Availability,
		logger:       logger,
		hints:        hints,
	}
}

// Self returns this node's peer descriptor.
func (d *Discovery) Self() Peer {
	return d.self
}

// Announce publishes this node as a holder of hash to every
// configured source.
func (d *Discovery) Announce(ctx context.Context, hash hashing.Hash) error {
	var errs []error
	if d.lookup != nil {
		if err := d.lookup.Put(ctx, hash, d.self); err != nil {
			errs = append(errs, fmt.Errorf("lookup put: %w", err))
		}
	}
	if d.tracker != nil {
		if err := d.tracker.Announce(ctx, hash.ShortID(), d.self); err != nil {
			errs = append(errs, fmt.Errorf("tracker announce: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("announcing %s: %w", hash, err)
	}
	return nil
}

// Withdraw removes this node as a holder of hash.
func (d *Discovery) Withdraw(ctx context.Context, hash hashing.Hash) error {
	var errs []error
	if d.lookup != nil {
		if err := d.lookup.Remove(ctx, hash, d.self.ID); err != nil {
			errs = append(errs, fmt.Errorf("lookup remove: %w", err))
		}
	}
	if d.tracker != nil {
		if err := d.tracker.Withdraw(ctx, hash.ShortID(), d.self.ID); err != nil {
			errs = append(errs, fmt.Errorf("tracker withdraw: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("withdrawing %s: %w", hash, err)
	}
	return nil
}

// Hint records that peer claims to hold hash. Gossip deltas feed this.
// Hints are bounded by MaxHints chunks and maxHintsPerChunk peers per
// chunk.
func (d *Discovery) Hint(peer Peer, hash hashing.Hash) {
	if peer.ID == d.self.ID {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var holders map[string]Peer
	if value, ok := d.hints.Get(hash); ok {
		holders = value.(map[string]Peer)
	} else {
		holders = make(map[string]Peer)
		d.hints.Add(hash, holders)
	}
	if _, known := holders[peer.ID]; !known && len(holders) >= maxHintsPerChunk {
		return
	}
	holders[peer.ID] = peer
}

// Unhint forgets a hint recorded by Hint.
func (d *Discovery) Unhint(peerID string, hash hashing.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	value, ok := d.hints.Peek(hash)
	if !ok {
		return
	}
	holders := value.(map[string]Peer)
	delete(holders, peerID)
	if len(holders) == 0 {
		d.hints.Remove(hash)
	}
}

// hinted returns the peers hinted for hash, sorted by ID.
func (d *Discovery) hinted(hash hashing.Hash) []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	value, ok := d.hints.Peek(hash)
	if !ok {
		return nil
	}
	holders := value.(map[string]Peer)
	peers := make([]Peer, 0, len(holders))
	for _, peer := range holders {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// Candidates returns the peers that may hold hash, without duplicates
// and without this node. Peers whose availability filter rules the
// hash out are moved to the end rather than dropped, since filters can
// be stale. A failing source is logged and skipped; an error is
// returned only when every configured source failed.
func (d *Discovery) Candidates(ctx context.Context, hash hashing.Hash) ([]Peer, error) {
	seen := make(map[string]bool)
	var candidates []Peer
	add := func(peers []Peer) {
		for _, peer := range peers {
			if peer.ID == "" || peer.ID == d.self.ID || seen[peer.ID] {
				continue
			}
			seen[peer.ID] = true
			candidates = append(candidates, peer)
		}
	}

	var errs []error
	sources := 0
	if d.lookup != nil {
		sources++
		peers, err := d.lookup.Get(ctx, hash)
		if err != nil {
			d.logger.Warn("lookup query failed", "hash", hash.String(), "error", err)
			errs = append(errs, err)
		}
		add(peers)
	}
	if d.tracker != nil {
		sources++
		peers, err := d.tracker.Peers(ctx, hash.ShortID())
		if err != nil {
			d.logger.Warn("tracker query failed", "hash", hash.String(), "error", err)
			errs = append(errs, err)
		}
		add(peers)
	}

	add(d.hinted(hash))

	if sources > 0 && len(errs) == sources && len(candidates) == 0 {
		return nil, fmt.Errorf("discovering %s: %w", hash, errors.Join(errs...))
	}

	if d.availability != nil {
		ruledOut := make(map[string]bool, len(candidates))
		for _, peer := range candidates {
			ruledOut[peer.ID] = d.availability.RuledOut(peer.ID, hash)
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return !ruledOut[candidates[i].ID] && ruledOut[candidates[j].ID]
		})
	}
	return candidates, nil
}

// MemoryLookup is an in-process Lookup, for single-host swarms and
// tests.
type MemoryLookup struct {
	index *memoryIndex[hashing.Hash]
}

// NewMemoryLookup returns an empty MemoryLookup.
func NewMemoryLookup() *MemoryLookup {
	return &MemoryLookup{index: newMemoryIndex[hashing.Hash]()}
}

func (l *MemoryLookup) Put(_ context.Context, key hashing.Hash, peer Peer) error {
	l.index.put(key, peer)
	return nil
}

func (l *MemoryLookup) Remove(_ context.Context, key hashing.Hash, peerID string) error {
	l.index.remove(key, peerID)
	return nil
}

func (l *MemoryLookup) Get(_ context.Context, key hashing.Hash) ([]Peer, error) {
	return l.index.get(key), nil
}

// MemoryTracker is an in-process Tracker.
type MemoryTracker struct {
	index *memoryIndex[[hashing.ShortIDSize]byte]
}

// NewMemoryTracker returns an empty MemoryTracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{index: newMemoryIndex[[hashing.ShortIDSize]byte]()}
}

func (t *MemoryTracker) Announce(_ context.Context, id [hashing.ShortIDSize]byte, peer Peer) error {
	t.index.put(id, peer)
	return nil
}

func (t *MemoryTracker) Withdraw(_ context.Context, id [hashing.ShortIDSize]byte, peerID string) error {
	t.index.remove(id, peerID)
	return nil
}

func (t *MemoryTracker) Peers(_ context.Context, id [hashing.ShortIDSize]byte) ([]Peer, error) {
	return t.index.get(id), nil
}

// memoryIndex maps a key to the set of peers announced under it,
// returned in announce order.
type memoryIndex[K comparable] struct {
	mu      sync.Mutex
	entries map[K][]Peer
}

func newMemoryIndex[K comparable]() *memoryIndex[K] {
	return &memoryIndex[K]{entries: make(map[K][]Peer)}
}

func (m *memoryIndex[K]) put(key K, peer Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := m.entries[key]
	for i, existing := range peers {
		if existing.ID == peer.ID {
			peers[i] = peer
			return
		}
	}
	m.entries[key] = append(peers, peer)
}

func (m *memoryIndex[K]) remove(key K, peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := m.entries[key]
	for i, existing := range peers {
		if existing.ID == peerID {
			peers = append(peers[:i], peers[i+1:]...)
			break
		}
	}
	if len(peers) == 0 {
		delete(m.entries, key)
		return
	}
	m.entries[key] = peers
}

func (m *memoryIndex[K]) get(key K) []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Peer(nil), m.entries[key]...)
}
