// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Server timeouts. A connection that sends nothing for idleTimeout is
// closed.
const (
	idleTimeout  = 2 * time.Minute
	writeTimeout = 30 * time.Second
)

// Server serves the exchange protocol on a listener. Each connection
// carries any number of request frames, each answered by one reply
// frame in order.
type Server struct {
	handler Handler
	logger  *slog.Logger

	activeConnections sync.WaitGroup
}

// NewServer returns a Server dispatching to handler.
func NewServer(handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{handler: handler, logger: logger}
}

// Serve accepts connections until ctx is cancelled, then closes the
// listener and waits for active connections to finish their current
// request.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("exchange server listening", "address", listener.Addr().String())

	var connections sync.Map
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		connections.Store(conn, struct{}{})
		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			defer connections.Delete(conn)
			s.handleConnection(ctx, conn)
		}()
	}

	// Idle connections block in ReadFrame; closing them ends the loop.
	connections.Range(func(key, _ any) bool {
		key.(net.Conn).SetReadDeadline(time.Now())
		return true
	})
	s.activeConnections.Wait()
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		// Shutdown cancels ctx before moving the deadline to now, so
		// checking after the reset cannot miss it.
		if ctx.Err() != nil {
			return
		}
		request, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				s.logger.Debug("reading request", "remote", remote, "error", err)
			}
			return
		}

		reply, err := serveOne(ctx, s.handler, request)
		if err != nil {
			s.logger.Warn("encoding reply", "remote", remote, "error", err)
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := WriteFrame(conn, reply); err != nil {
			s.logger.Debug("writing reply", "remote", remote, "error", err)
			return
		}
	}
}

// serveOne decodes request, dispatches it and encodes the reply. A
// request that does not decode gets an ERROR reply.
func serveOne(ctx context.Context, handler Handler, request []byte) ([]byte, error) {
	message, err := Decode(request)
	var reply Message
	if err != nil {
		reply = ErrorMessage(message.Hash, CodeMalformed, err.Error())
	} else {
		reply = handler.Handle(ctx, message)
	}
	encoded, err := Encode(reply)
	if err != nil {
		return nil, fmt.Errorf("encoding %s reply: %w", reply.Type, err)
	}
	return encoded, nil
}
