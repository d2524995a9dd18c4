// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/swarmcas/lib/chunkstore"
	"github.com/bureau-foundation/swarmcas/lib/clock"
	"github.com/bureau-foundation/swarmcas/lib/config"
	"github.com/bureau-foundation/swarmcas/lib/engine"
	"github.com/bureau-foundation/swarmcas/lib/exchange"
	"github.com/bureau-foundation/swarmcas/lib/hashing"
	"github.com/bureau-foundation/swarmcas/lib/shard"
	"github.com/bureau-foundation/swarmcas/lib/xorb"
)

// node is one running swarmcas peer: the chunk store, the engine on
// top of it and the exchange components that connect it to the swarm.
type node struct {
	config *config.Config
	self   exchange.Peer
	peers  []exchange.Peer
	clock  clock.Clock
	logger *slog.Logger

	store        *chunkstore.Store
	engine       *engine.Engine
	availability *exchange.Availability
	discovery    *exchange.Discovery
	gossip       *exchange.Gossip
	transport    exchange.Transport
	handler      *exchange.ChunkHandler

	// shardKey signs exported shards and verifies imported ones. Nil
	// when no secret is configured.
	shardKey []byte
}

// openNode opens the store under cfg.Store.Root and wires the engine
// and exchange components. self.Addr is what other peers dial. The
// caller must call close.
func openNode(ctx context.Context, cfg *config.Config, self exchange.Peer, clk clock.Clock, logger *slog.Logger) (_ *node, err error) {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	algorithm, err := hashing.ParseAlgorithm(cfg.Store.Hash)
	if err != nil {
		return nil, err
	}
	hasher, err := hashing.New(algorithm)
	if err != nil {
		return nil, err
	}
	codec, err := xorb.ParseCodec(cfg.Xorb.Compression)
	if err != nil {
		return nil, err
	}

	n := &node{
		config:    cfg,
		self:      self,
		clock:     clk,
		logger:    logger,
		transport: &exchange.TCPTransport{DialTimeout: cfg.Exchange.RequestTimeout.Std()},
	}
	for _, peer := range cfg.Exchange.Peers {
		n.peers = append(n.peers, exchange.Peer{ID: peer.ID, Addr: peer.Addr})
	}

	secret, err := cfg.ReadShardSecret()
	if err != nil {
		return nil, err
	}
	if secret != nil {
		n.shardKey, err = shard.DeriveKey(secret, cfg.Shard.SwarmID)
		if err != nil {
			return nil, err
		}
	}

	n.store, err = chunkstore.Open(ctx, chunkstore.Config{
		Root:      filepath.Join(cfg.Store.Root, "store"),
		Algorithm: algorithm,
		Clock:     clk,
		Logger:    logger,
		PoolSize:  cfg.Store.PoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("opening chunk store: %w", err)
	}
	defer func() {
		if err != nil {
			n.store.Close()
		}
	}()

	reconciled, err := n.store.Reconcile(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciling chunk store: %w", err)
	}
	if reconciled.OrphanBlobs > 0 || reconciled.MissingBlobs > 0 {
		logger.Warn("chunk store repaired",
			"orphan_blobs", reconciled.OrphanBlobs,
			"missing_blobs", reconciled.MissingBlobs,
		)
	}

	n.availability = exchange.NewAvailability(cfg.Gossip.BloomFalsePositiveRate)
	if err := n.rebuildAvailability(ctx); err != nil {
		return nil, err
	}

	n.discovery = exchange.NewDiscovery(exchange.DiscoveryConfig{
		Self:         self,
		Lookup:       &neighborLookup{peers: n.peers},
		Availability: n.availability,
		Logger:       logger,
	})
	n.gossip = exchange.NewGossip(exchange.GossipConfig{
		Self:      self,
		Transport: n.transport,
		Neighbors: func() []exchange.Peer { return n.peers },
		Discovery: n.discovery,
		MaxHops:   cfg.Gossip.MaxHops,
		Interval:  cfg.Gossip.Interval.Std(),
		Clock:     clk,
		Logger:    logger,
	})

	// Chunks whose blobs vanished while the node was down go out as
	// drops with the next flush.
	for _, hash := range reconciled.Dropped {
		n.gossip.NoteDropped(hash)
		if err := n.discovery.Withdraw(ctx, hash); err != nil {
			logger.Warn("withdrawing lost chunk", "hash", hash.String(), "error", err)
		}
	}

	fetcher, err := exchange.NewFetcher(exchange.FetcherConfig{
		Hasher:          hasher,
		Store:           n.store,
		Discovery:       n.discovery,
		Transport:       n.transport,
		RequestTimeout:  cfg.Exchange.RequestTimeout.Std(),
		MaxCandidates:   cfg.Exchange.MaxCandidates,
		DiscoveryRounds: cfg.Exchange.DiscoveryRounds,
		OnStored: func(hash hashing.Hash, result chunkstore.StoreResult) {
			if result.Written {
				n.availability.AddLocal(hash)
				n.gossip.NoteAdded(hash)
			}
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	n.engine, err = engine.New(engine.Config{
		Hasher:           hasher,
		Store:            n.store,
		Fetcher:          fetcher,
		Codec:            codec,
		Root:             cfg.Store.Root,
		FetchConcurrency: cfg.Exchange.FetchConcurrency,
		OnChunkAdded:     n.chunkAdded,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	n.handler, err = exchange.NewHandler(exchange.HandlerConfig{
		Self:         self,
		Store:        n.store,
		Availability: n.availability,
		Gossip:       n.gossip,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (n *node) close() error {
	return n.store.Close()
}

// chunkAdded publishes a chunk that just became locally available.
func (n *node) chunkAdded(hash hashing.Hash) {
	n.availability.AddLocal(hash)
	n.gossip.NoteAdded(hash)
	if err := n.discovery.Announce(context.Background(), hash); err != nil {
		n.logger.Warn("announcing chunk", "hash", hash.String(), "error", err)
	}
}

// rebuildAvailability resizes the local filter to the store contents.
func (n *node) rebuildAvailability(ctx context.Context) error {
	var hashes []hashing.Hash
	err := n.store.Hashes(ctx, func(hash hashing.Hash) error {
		hashes = append(hashes, hash)
		return nil
	})
	if err != nil {
		return fmt.Errorf("listing chunks for availability filter: %w", err)
	}
	n.availability.Rebuild(hashes)
	return nil
}

// serve answers exchange requests on listener and runs the periodic
// maintenance loops until ctx is cancelled.
func (n *node) serve(ctx context.Context, listener net.Listener) error {
	n.logger.Info("serving exchange protocol",
		"peer_id", n.self.ID,
		"listen", listener.Addr().String(),
		"advertise", n.self.Addr,
		"neighbors", len(n.peers),
	)
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return exchange.NewServer(n.handler, n.logger).Serve(ctx, listener)
	})
	group.Go(func() error {
		n.gossip.Run(ctx)
		return nil
	})
	group.Go(func() error {
		n.every(ctx, n.config.Store.CleanupInterval.Std(), n.cleanup)
		return nil
	})
	group.Go(func() error {
		n.every(ctx, n.config.Gossip.FilterInterval.Std(), n.refreshFilters)
		return nil
	})
	return group.Wait()
}

// every calls fn each interval until ctx is cancelled.
func (n *node) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := n.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// cleanup evicts stale unreferenced chunks and withdraws them from the
// swarm. Neighbors hear of the evictions at once through a priority
// delta rather than at the next gossip flush.
func (n *node) cleanup(ctx context.Context) {
	result, err := n.store.CleanupUnusedChunks(ctx, n.config.Store.MaxAge.Std())
	if err != nil {
		n.logger.Error("chunk cleanup failed", "error", err)
		return
	}
	if result.Removed == 0 {
		return
	}
	for _, hash := range result.Evicted {
		if err := n.discovery.Withdraw(ctx, hash); err != nil {
			n.logger.Warn("withdrawing chunk", "hash", hash.String(), "error", err)
		}
	}
	if err := n.gossip.Flood(ctx, nil, result.Evicted); err != nil {
		n.logger.Warn("flooding evicted chunks", "chunks", len(result.Evicted), "error", err)
	}
	if err := n.rebuildAvailability(ctx); err != nil {
		n.logger.Error("rebuilding availability filter", "error", err)
	}
	n.logger.Info("evicted unused chunks", "chunks", result.Removed, "bytes", result.Bytes)
}

// refreshFilters trades availability summaries with every neighbor,
// resizing the local filter first when it has outgrown its capacity.
func (n *node) refreshFilters(ctx context.Context) {
	if n.availability.NeedsRebuild() {
		if err := n.rebuildAvailability(ctx); err != nil {
			n.logger.Error("rebuilding availability filter", "error", err)
			return
		}
	}
	for _, peer := range n.peers {
		requestCtx, cancel := context.WithTimeout(ctx, n.config.Exchange.RequestTimeout.Std())
		err := exchange.ExchangeFilters(requestCtx, n.transport, n.availability, n.self, peer)
		cancel()
		if err != nil {
			n.logger.Warn("filter exchange failed", "peer", peer.ID, "error", err)
		}
	}
}

// neighborLookup treats every configured neighbor as a possible holder
// of every chunk. Availability filters then demote the neighbors that
// are known not to have it.
type neighborLookup struct {
	peers []exchange.Peer
}

var _ exchange.Lookup = (*neighborLookup)(nil)

func (l *neighborLookup) Put(context.Context, hashing.Hash, exchange.Peer) error { return nil }

func (l *neighborLookup) Remove(context.Context, hashing.Hash, string) error { return nil }

func (l *neighborLookup) Get(context.Context, hashing.Hash) ([]exchange.Peer, error) {
	return l.peers, nil
}
