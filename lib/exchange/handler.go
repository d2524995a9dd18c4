// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/swarmcas/lib/chunkstore"
	"github.com/bureau-foundation/swarmcas/lib/codec"
	"github.com/bureau-foundation/swarmcas/lib/hashing"
)

// Handler answers one decoded request with one reply.
type Handler interface {
	Handle(ctx context.Context, request Message) Message
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, request Message) Message

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, request Message) Message {
	return f(ctx, request)
}

// ChunkReader is the read side of the chunk store the handler serves
// from. A missing chunk is reported with [chunkstore.ErrNotFound].
type ChunkReader interface {
	ReadChunk(ctx context.Context, hash hashing.Hash) ([]byte, error)
}

// HandlerConfig holds the parameters for NewHandler.
type HandlerConfig struct {
	Self  Peer
	Store ChunkReader

	// Availability answers FILTER exchanges. Optional.
	Availability *Availability

	// Gossip receives GOSSIP deltas. Optional.
	Gossip *Gossip

	Logger *slog.Logger
}

// ChunkHandler serves the exchange protocol from a local chunk store.
type ChunkHandler struct {
	self         Peer
	store        ChunkReader
	availability *Availability
	gossip       *Gossip
	logger       *slog.Logger
}

var _ Handler = (*ChunkHandler)(nil)

// NewHandler returns a ChunkHandler. Store is required.
func NewHandler(cfg HandlerConfig) (*ChunkHandler, error) {
	if cfg.Store == nil {
		return nil, errors.New("exchange handler requires a chunk store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ChunkHandler{
		self:         cfg.Self,
		store:        cfg.Store,
		availability: cfg.Availability,
		gossip:       cfg.Gossip,
		logger:       logger,
	}, nil
}

// Handle dispatches on the request type. Replies are never nil; every
// failure becomes an ERROR message.
func (h *ChunkHandler) Handle(ctx context.Context, request Message) Message {
	switch request.Type {
	case TypeRequest:
		return h.handleRequest(ctx, request.Hash)
	case TypeFilter:
		return h.handleFilter(request)
	case TypeGossip:
		return h.handleGossip(ctx, request)
	default:
		return ErrorMessage(request.Hash, CodeUnsupported, fmt.Sprintf("unexpected %s request", request.Type))
	}
}

func (h *ChunkHandler) handleRequest(ctx context.Context, hash hashing.Hash) Message {
	data, err := h.store.ReadChunk(ctx, hash)
	if errors.Is(err, chunkstore.ErrNotFound) {
		return NotFound(hash)
	}
	if err != nil {
		h.logger.Warn("serving chunk", "hash", hash.String(), "error", err)
		return ErrorMessage(hash, CodeInternal, "reading chunk failed")
	}
	if len(data) > MaxPayloadSize {
		return ErrorMessage(hash, CodeInternal, "chunk exceeds frame size")
	}
	return Response(hash, data)
}

func (h *ChunkHandler) handleFilter(request Message) Message {
	if h.availability == nil {
		return ErrorMessage(request.Hash, CodeUnsupported, "availability filters not served")
	}
	peer, err := h.availability.ApplySummary(request.Data)
	if err != nil {
		return ErrorMessage(request.Hash, CodeMalformed, err.Error())
	}
	summary, err := h.availability.Summary(h.self)
	if err != nil {
		h.logger.Warn("building availability summary", "error", err)
		return ErrorMessage(request.Hash, CodeInternal, "building summary failed")
	}
	h.logger.Debug("exchanged availability filters", "peer", peer.ID)
	return Message{Type: TypeFilter, Data: summary}
}

func (h *ChunkHandler) handleGossip(ctx context.Context, request Message) Message {
	if h.gossip == nil {
		return ErrorMessage(request.Hash, CodeUnsupported, "gossip not served")
	}
	var delta Delta
	if err := codec.Unmarshal(request.Data, &delta); err != nil {
		return ErrorMessage(request.Hash, CodeMalformed, fmt.Sprintf("decoding delta: %v", err))
	}
	// The sender's identity is not carried on the wire; the seen set
	// stops a forwarded delta from bouncing back.
	h.gossip.Receive(ctx, Peer{}, delta)
	return Message{Type: TypeAck}
}
