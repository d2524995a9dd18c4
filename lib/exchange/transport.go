// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Transport carries one encoded request to a peer and returns the
// encoded reply. Implementations must honor ctx cancellation and
// deadlines, and must allow concurrent round trips to different peers.
type Transport interface {
	RoundTrip(ctx context.Context, peer Peer, request []byte) ([]byte, error)
}

// Compile-time interface checks.
var (
	_ Transport = (*TCPTransport)(nil)
	_ Transport = (*LocalTransport)(nil)
)

// TCPTransport opens a TCP connection per round trip to the peer's
// Addr and exchanges one frame in each direction.
type TCPTransport struct {
	// DialTimeout bounds connection setup. Zero means only the
	// context deadline applies.
	DialTimeout time.Duration
}

// RoundTrip dials peer.Addr, writes request as a frame and reads the
// reply frame. Cancelling ctx closes the connection.
func (t *TCPTransport) RoundTrip(ctx context.Context, peer Peer, request []byte) ([]byte, error) {
	if peer.Addr == "" {
		return nil, fmt.Errorf("peer %s has no address", peer.ID)
	}
	conn, err := (&net.Dialer{Timeout: t.DialTimeout}).DialContext(ctx, "tcp", peer.Addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", peer.Addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := WriteFrame(conn, request); err != nil {
		return nil, contextError(ctx, fmt.Errorf("writing to %s: %w", peer.Addr, err))
	}
	reply, err := ReadFrame(conn)
	if err != nil {
		return nil, contextError(ctx, fmt.Errorf("reading from %s: %w", peer.Addr, err))
	}
	return reply, nil
}

// contextError prefers the context's error when it caused err.
func contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return err
}

// LocalTransport dispatches round trips to in-process handlers keyed
// by peer address. Used to run several nodes inside one process.
type LocalTransport struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLocalTransport returns an empty LocalTransport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{handlers: make(map[string]Handler)}
}

// Register routes requests for addr to handler.
func (t *LocalTransport) Register(addr string, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[addr] = handler
}

// Unregister removes the handler for addr. Later requests fail as if
// the peer were unreachable.
func (t *LocalTransport) Unregister(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, addr)
}

// RoundTrip decodes request, runs the registered handler and encodes
// its reply, exercising the same codec as the TCP path.
func (t *LocalTransport) RoundTrip(ctx context.Context, peer Peer, request []byte) ([]byte, error) {
	t.mu.RLock()
	handler, ok := t.handlers[peer.Addr]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no peer listening at %q", peer.Addr)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply, err := serveOne(ctx, handler, request)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return reply, nil
}
