// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bureau-foundation/swarmcas/lib/chunkstore"
	"github.com/bureau-foundation/swarmcas/lib/hashing"
)

// Fetcher defaults.
const (
	DefaultRequestTimeout  = 10 * time.Second
	DefaultMaxCandidates   = 8
	DefaultDiscoveryRounds = 2
)

// ErrChunkUnavailable means no reachable peer supplied a chunk that
// verified. Errors returned by fetches wrap it via [*UnavailableError].
var ErrChunkUnavailable = errors.New("chunk unavailable")

// UnavailableError lists every chunk hash a fetch could not obtain.
type UnavailableError struct {
	Hashes []hashing.Hash
}

func (e *UnavailableError) Error() string {
	switch len(e.Hashes) {
	case 0:
		return ErrChunkUnavailable.Error()
	case 1:
		return fmt.Sprintf("chunk %s unavailable", e.Hashes[0])
	}
	names := make([]string, 0, min(len(e.Hashes), 4))
	for _, hash := range e.Hashes[:cap(names)] {
		names = append(names, hash.String()[:16])
	}
	suffix := ""
	if len(e.Hashes) > len(names) {
		suffix = ", ..."
	}
	return fmt.Sprintf("%d chunks unavailable (%s%s)", len(e.Hashes), strings.Join(names, ", "), suffix)
}

func (e *UnavailableError) Unwrap() error { return ErrChunkUnavailable }

// ChunkWriter is the write side of the chunk store fetched chunks are
// committed to.
type ChunkWriter interface {
	StoreChunk(ctx context.Context, hash hashing.Hash, data []byte) (chunkstore.StoreResult, error)
}

// FetcherConfig holds the parameters for NewFetcher.
type FetcherConfig struct {
	Hasher    *hashing.Hasher
	Store     ChunkWriter
	Discovery *Discovery
	Transport Transport

	// RequestTimeout bounds each request to a single peer.
	RequestTimeout time.Duration

	// MaxCandidates bounds the peers tried for one chunk across all
	// discovery rounds.
	MaxCandidates int

	// DiscoveryRounds is how many times discovery is queried for
	// fresh candidates before giving up.
	DiscoveryRounds int

	// OnStored runs after a fetched chunk is committed locally, for
	// example to update availability filters and gossip. Optional.
	OnStored func(hash hashing.Hash, result chunkstore.StoreResult)

	Logger *slog.Logger
}

// Fetcher retrieves chunks from remote peers by hash. Safe for
// concurrent use; concurrent fetches of different chunks do not block
// each other.
type Fetcher struct {
	hasher          *hashing.Hasher
	store           ChunkWriter
	discovery       *Discovery
	transport       Transport
	requestTimeout  time.Duration
	maxCandidates   int
	discoveryRounds int
	onStored        func(hashing.Hash, chunkstore.StoreResult)
	logger          *slog.Logger
}

// NewFetcher validates cfg and returns a Fetcher.
func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	switch {
	case cfg.Hasher == nil:
		return nil, errors.New("fetcher requires a hasher")
	case cfg.Store == nil:
		return nil, errors.New("fetcher requires a chunk store")
	case cfg.Discovery == nil:
		return nil, errors.New("fetcher requires discovery")
	case cfg.Transport == nil:
		return nil, errors.New("fetcher requires a transport")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	fetcher := &Fetcher{
		hasher:          cfg.Hasher,
		store:           cfg.Store,
		discovery:       cfg.Discovery,
		transport:       cfg.Transport,
		requestTimeout:  cfg.RequestTimeout,
		maxCandidates:   cfg.MaxCandidates,
		discoveryRounds: cfg.DiscoveryRounds,
		onStored:        cfg.OnStored,
		logger:          logger,
	}
	if fetcher.requestTimeout <= 0 {
		fetcher.requestTimeout = DefaultRequestTimeout
	}
	if fetcher.maxCandidates <= 0 {
		fetcher.maxCandidates = DefaultMaxCandidates
	}
	if fetcher.discoveryRounds <= 0 {
		fetcher.discoveryRounds = DefaultDiscoveryRounds
	}
	return fetcher, nil
}

// Fetch obtains the chunk named by hash from a peer, verifies it,
// commits it to the local store and announces it. Each peer is tried
// at most once. A cancelled ctx returns ctx's error; exhausting every
// candidate returns an *UnavailableError.
func (f *Fetcher) Fetch(ctx context.Context, hash hashing.Hash) ([]byte, error) {
	tried := make(map[string]struct{})
	attempts := 0

	for round := 0; round < f.discoveryRounds && attempts < f.maxCandidates; round++ {
		candidates, err := f.discovery.Candidates(ctx, hash)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.logger.Warn("discovery failed", "hash", hash.String(), "round", round, "error", err)
			continue
		}

		fresh := false
		for _, peer := range candidates {
			if attempts >= f.maxCandidates {
				break
			}
			if _, seen := tried[peer.ID]; seen {
				continue
			}
			tried[peer.ID] = struct{}{}
			fresh = true
			attempts++

			data, err := f.request(ctx, peer, hash)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				f.logger.Debug("peer could not supply chunk", "hash", hash.String(), "peer", peer.ID, "error", err)
				continue
			}
			if err := f.commit(ctx, hash, data); err != nil {
				return nil, err
			}
			return data, nil
		}
		if !fresh {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, &UnavailableError{Hashes: []hashing.Hash{hash}}
}

// request asks one peer for hash under its own timeout and returns
// verified data.
func (f *Fetcher) request(ctx context.Context, peer Peer, hash hashing.Hash) ([]byte, error) {
	requestCtx, cancel := context.WithTimeout(ctx, f.requestTimeout)
	defer cancel()

	encoded, err := Encode(Request(hash))
	if err != nil {
		return nil, err
	}
	raw, err := f.transport.RoundTrip(requestCtx, peer, encoded)
	if err != nil {
		return nil, err
	}
	reply, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if reply.Hash != hash {
		return nil, fmt.Errorf("%s reply names chunk %s", reply.Type, reply.Hash)
	}

	switch reply.Type {
	case TypeResponse:
		if err := f.hasher.Verify(reply.Data, hash); err != nil {
			f.logger.Warn("peer sent corrupt chunk", "hash", hash.String(), "peer", peer.ID)
			return nil, err
		}
		return reply.Data, nil
	case TypeNotFound:
		return nil, errors.New("peer does not hold chunk")
	case TypeError:
		f.logger.Warn("peer reported chunk error",
			"hash", hash.String(),
			"peer", peer.ID,
			"code", reply.Code,
			"text", reply.Text,
		)
		return nil, fmt.Errorf("peer error %d: %s", reply.Code, reply.Text)
	default:
		return nil, fmt.Errorf("unexpected %s reply", reply.Type)
	}
}

// commit stores verified data and announces it. A failed announce is
// logged; the chunk is already safe locally.
func (f *Fetcher) commit(ctx context.Context, hash hashing.Hash, data []byte) error {
	result, err := f.store.StoreChunk(ctx, hash, data)
	if err != nil {
		return fmt.Errorf("storing fetched chunk %s: %w", hash, err)
	}
	if err := f.discovery.Announce(ctx, hash); err != nil {
		f.logger.Warn("announcing fetched chunk", "hash", hash.String(), "error", err)
	}
	if f.onStored != nil {
		f.onStored(hash, result)
	}
	return nil
}

// ExchangeFilters sends this node's availability summary to peer and
// records the summary it returns.
func ExchangeFilters(ctx context.Context, transport Transport, availability *Availability, self, peer Peer) error {
	summary, err := availability.Summary(self)
	if err != nil {
		return err
	}
	encoded, err := Encode(Message{Type: TypeFilter, Data: summary})
	if err != nil {
		return err
	}
	raw, err := transport.RoundTrip(ctx, peer, encoded)
	if err != nil {
		return err
	}
	reply, err := Decode(raw)
	if err != nil {
		return err
	}
	switch reply.Type {
	case TypeFilter:
		_, err := availability.ApplySummary(reply.Data)
		return err
	case TypeError:
		return fmt.Errorf("peer %s refused filter exchange: %s", peer.ID, reply.Text)
	default:
		return fmt.Errorf("unexpected %s reply to filter exchange", reply.Type)
	}
}
