// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/swarmcas/lib/clock"
	"github.com/bureau-foundation/swarmcas/lib/codec"
	"github.com/bureau-foundation/swarmcas/lib/hashing"
)

const (
	// DefaultMaxHops bounds how far a priority delta floods.
	DefaultMaxHops = 4

	// DefaultGossipInterval is the batch flush period.
	DefaultGossipInterval = 30 * time.Second

	// seenCapacity bounds the delta IDs remembered for flood
	// de-duplication.
	seenCapacity = 8192

	// maxDeltaHashes bounds one delta so its CBOR form fits a frame.
	maxDeltaHashes = 8192

	// gossipSendTimeout bounds delivery of one delta to one neighbor.
	gossipSendTimeout = 10 * time.Second
)

// Delta announces chunks a peer has gained or lost.
type Delta struct {
	ID       uuid.UUID      `cbor:"id"`
	Origin   Peer           `cbor:"origin"`
	Added    []hashing.Hash `cbor:"added,omitempty"`
	Dropped  []hashing.Hash `cbor:"dropped,omitempty"`
	Hops     uint8          `cbor:"hops"`
	Priority bool           `cbor:"priority,omitempty"`
}

// GossipConfig holds the parameters for NewGossip.
type GossipConfig struct {
	Self      Peer
	Transport Transport

	// Neighbors returns the peers deltas are sent to.
	Neighbors func() []Peer

	// Discovery receives hints from incoming deltas. Optional.
	Discovery *Discovery

	MaxHops  int
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Gossip propagates chunk availability deltas. Ordinary changes are
// batched and sent to neighbors on each flush; priority changes are
// flooded at once and forwarded by each receiver until MaxHops.
// Every delta carries a unique ID and is processed at most once per
// node. Safe for concurrent use.
type Gossip struct {
	self      Peer
	transport Transport
	neighbors func() []Peer
	discovery *Discovery
	maxHops   int
	interval  time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	mu        sync.Mutex
	added     map[hashing.Hash]struct{}
	dropped   map[hashing.Hash]struct{}
	seen      map[uuid.UUID]struct{}
	seenOrder []uuid.UUID
}

// NewGossip returns a Gossip with empty pending sets.
func NewGossip(cfg GossipConfig) *Gossip {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	gossipClock := cfg.Clock
	if gossipClock == nil {
		gossipClock = clock.Real()
	}
	maxHops := cfg.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultGossipInterval
	}
	neighbors := cfg.Neighbors
	if neighbors == nil {
		neighbors = func() []Peer { return nil }
	}
	return &Gossip{
		self:      cfg.Self,
		transport: cfg.Transport,
		neighbors: neighbors,
		discovery: cfg.Discovery,
		maxHops:   maxHops,
		interval:  interval,
		clock:     gossipClock,
		logger:    logger,
		added:     make(map[hashing.Hash]struct{}),
		dropped:   make(map[hashing.Hash]struct{}),
		seen:      make(map[uuid.UUID]struct{}),
	}
}

// NoteAdded queues hash for the next flush as newly available.
func (g *Gossip) NoteAdded(hash hashing.Hash) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.dropped, hash)
	g.added[hash] = struct{}{}
}

// NoteDropped queues hash for the next flush as no longer available.
func (g *Gossip) NoteDropped(hash hashing.Hash) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.added, hash)
	g.dropped[hash] = struct{}{}
}

// Pending returns the number of queued changes.
func (g *Gossip) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.added) + len(g.dropped)
}

// Flush sends queued changes to every neighbor as one or more deltas
// and clears the queue. Send failures are logged; a neighbor that
// misses a delta catches up from the next availability summary.
func (g *Gossip) Flush(ctx context.Context) error {
	g.mu.Lock()
	added := setToSlice(g.added)
	dropped := setToSlice(g.dropped)
	g.added = make(map[hashing.Hash]struct{})
	g.dropped = make(map[hashing.Hash]struct{})
	g.mu.Unlock()

	for len(added) > 0 || len(dropped) > 0 {
		delta := Delta{ID: uuid.New(), Origin: g.self}
		delta.Added, added = splitAt(added, maxDeltaHashes)
		delta.Dropped, dropped = splitAt(dropped, maxDeltaHashes-len(delta.Added))
		g.markSeen(delta.ID)
		if err := g.send(ctx, delta, ""); err != nil {
			return err
		}
	}
	return nil
}

// Flood sends priority deltas immediately, as many as the hashes
// need. Receivers forward them until they have travelled MaxHops.
// Flooded hashes leave the flush queue so a later Flush cannot
// contradict them.
func (g *Gossip) Flood(ctx context.Context, added, dropped []hashing.Hash) error {
	g.mu.Lock()
	for _, hash := range added {
		delete(g.added, hash)
		delete(g.dropped, hash)
	}
	for _, hash := range dropped {
		delete(g.added, hash)
		delete(g.dropped, hash)
	}
	g.mu.Unlock()

	for len(added) > 0 || len(dropped) > 0 {
		delta := Delta{ID: uuid.New(), Origin: g.self, Priority: true}
		delta.Added, added = splitAt(added, maxDeltaHashes)
		delta.Dropped, dropped = splitAt(dropped, maxDeltaHashes-len(delta.Added))
		g.markSeen(delta.ID)
		if err := g.send(ctx, delta, ""); err != nil {
			return err
		}
	}
	return nil
}

// Receive applies a delta from a neighbor. Duplicates and deltas past
// the hop limit are ignored. It reports whether the delta was new.
func (g *Gossip) Receive(ctx context.Context, from Peer, delta Delta) bool {
	if int(delta.Hops) >= g.maxHops {
		g.logger.Debug("dropping delta past hop limit", "id", delta.ID.String(), "hops", delta.Hops)
		return false
	}
	if !g.markSeen(delta.ID) {
		return false
	}

	if g.discovery != nil && delta.Origin.ID != g.self.ID {
		for _, hash := range delta.Added {
			g.discovery.Hint(delta.Origin, hash)
		}
		for _, hash := range delta.Dropped {
			g.discovery.Unhint(delta.Origin.ID, hash)
		}
	}

	if delta.Priority && int(delta.Hops)+1 < g.maxHops {
		forward := delta
		forward.Hops++
		if err := g.send(ctx, forward, from.ID); err != nil {
			g.logger.Warn("forwarding priority delta", "id", delta.ID.String(), "error", err)
		}
	}
	return true
}

// Run flushes on every interval until ctx is done.
func (g *Gossip) Run(ctx context.Context) {
	ticker := g.clock.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.Flush(ctx); err != nil {
				g.logger.Warn("gossip flush failed", "error", err)
			}
		}
	}
}

// markSeen records id and reports whether it was new. The oldest IDs
// are forgotten once seenCapacity is reached.
func (g *Gossip) markSeen(id uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[id]; ok {
		return false
	}
	if len(g.seenOrder) >= seenCapacity {
		delete(g.seen, g.seenOrder[0])
		g.seenOrder = g.seenOrder[1:]
	}
	g.seen[id] = struct{}{}
	g.seenOrder = append(g.seenOrder, id)
	return true
}

// send delivers delta to every neighbor except skipID, the origin and
// this node.
func (g *Gossip) send(ctx context.Context, delta Delta, skipID string) error {
	if g.transport == nil {
		return nil
	}
	payload, err := codec.Marshal(delta)
	if err != nil {
		return fmt.Errorf("encoding delta: %w", err)
	}
	request, err := Encode(Message{Type: TypeGossip, Data: payload})
	if err != nil {
		return err
	}
	for _, neighbor := range g.neighbors() {
		if neighbor.ID == skipID || neighbor.ID == g.self.ID || neighbor.ID == delta.Origin.ID {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, gossipSendTimeout)
		response, err := g.transport.RoundTrip(sendCtx, neighbor, request)
		cancel()
		if err != nil {
			g.logger.Warn("sending delta", "peer", neighbor.ID, "error", err)
			continue
		}
		if reply, err := Decode(response); err != nil || reply.Type != TypeAck {
			g.logger.Warn("unexpected reply to delta", "peer", neighbor.ID, "error", err)
		}
	}
	return nil
}

func setToSlice(set map[hashing.Hash]struct{}) []hashing.Hash {
	hashes := make([]hashing.Hash, 0, len(set))
	for hash := range set {
		hashes = append(hashes, hash)
	}
	return hashes
}

func splitAt(hashes []hashing.Hash, n int) ([]hashing.Hash, []hashing.Hash) {
	if n >= len(hashes) {
		return hashes, nil
	}
	return hashes[:n], hashes[n:]
}
