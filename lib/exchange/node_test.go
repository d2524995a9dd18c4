// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/bureau-foundation/swarmcas/lib/chunkstore"
	"github.com/bureau-foundation/swarmcas/lib/hashing"
)

// memoryStore is a map-backed ChunkReader and ChunkWriter.
type memoryStore struct {
	mu     sync.Mutex
	chunks map[hashing.Hash][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{chunks: make(map[hashing.Hash][]byte)}
}

func (s *memoryStore) ReadChunk(_ context.Context, hash hashing.Hash) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.chunks[hash]
	if !ok {
		return nil, fmt.Errorf("chunk %s: %w", hash, chunkstore.ErrNotFound)
	}
	return data, nil
}

func (s *memoryStore) StoreChunk(_ context.Context, hash hashing.Hash, data []byte) (chunkstore.StoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.chunks[hash]
	s.chunks[hash] = append([]byte(nil), data...)
	return chunkstore.StoreResult{Written: !exists, RefCount: 1}, nil
}

func (s *memoryStore) has(hash hashing.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chunks[hash]
	return ok
}

// testNode is one in-process peer wired to a shared LocalTransport and
// shared discovery backends.
type testNode struct {
	peer         Peer
	store        *memoryStore
	availability *Availability
	discovery    *Discovery
	gossip       *Gossip
	handler      *ChunkHandler
	neighbors    []Peer
}

type testSwarm struct {
	transport *LocalTransport
	lookup    *MemoryLookup
	tracker   *MemoryTracker
	hasher    *hashing.Hasher
	maxHops   int
}

func newTestSwarm(t *testing.T) *testSwarm {
	t.Helper()
	hasher, err := hashing.New(hashing.BLAKE3)
	if err != nil {
		t.Fatal(err)
	}
	return &testSwarm{
		transport: NewLocalTransport(),
		lookup:    NewMemoryLookup(),
		tracker:   NewMemoryTracker(),
		hasher:    hasher,
		maxHops:   DefaultMaxHops,
	}
}

func (s *testSwarm) node(t *testing.T, id string) *testNode {
	t.Helper()
	node := &testNode{
		peer:         Peer{ID: id, Addr: id + ".local"},
		store:        newMemoryStore(),
		availability: NewAvailability(0),
	}
	node.discovery = NewDiscovery(DiscoveryConfig{
		Self:         node.peer,
		Lookup:       s.lookup,
		Tracker:      s.tracker,
		Availability: node.availability,
	})
	node.gossip = NewGossip(GossipConfig{
		Self:      node.peer,
		Transport: s.transport,
		Neighbors: func() []Peer { return node.neighbors },
		Discovery: node.discovery,
		MaxHops:   s.maxHops,
	})
	handler, err := NewHandler(HandlerConfig{
		Self:         node.peer,
		Store:        node.store,
		Availability: node.availability,
		Gossip:       node.gossip,
	})
	if err != nil {
		t.Fatal(err)
	}
	node.handler = handler
	s.transport.Register(node.peer.Addr, handler)
	return node
}

// seed stores data on node and announces it, returning its hash.
func (s *testSwarm) seed(t *testing.T, node *testNode, data []byte) hashing.Hash {
	t.Helper()
	hash := s.hasher.HashChunk(data)
	if _, err := node.store.StoreChunk(context.Background(), hash, data); err != nil {
		t.Fatal(err)
	}
	if err := node.discovery.Announce(context.Background(), hash); err != nil {
		t.Fatal(err)
	}
	return hash
}

func link(a, b *testNode) {
	a.neighbors = append(a.neighbors, b.peer)
	b.neighbors = append(b.neighbors, a.peer)
}
