// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunker

import (
	"errors"
	"io"
)

// Chunk is one content-defined chunk read from a [Stream].
type Chunk struct {
	// Offset is the position of the chunk's first byte in the stream.
	Offset int64

	// Data is the chunk content. It aliases the stream's internal
	// buffer and is only valid until the next call to [Stream.Next].
	Data []byte
}

// Stream cuts content-defined chunks from an io.Reader. It produces
// exactly the boundaries [Boundaries] would produce for the whole
// stream held in memory, regardless of how the reader splits its
// output across Read calls.
type Stream struct {
	reader io.Reader
	buffer []byte

	// buffer[:filled] holds unconsumed input starting at stream
	// position offset. The first scanned bytes of it belong to the
	// chunk under construction and have been fed to state.
	filled  int
	scanned int
	state   uint64
	offset  int64

	// pending is the length of the chunk returned by the previous
	// Next call, discarded from the front of buffer on the next call.
	pending int
	err     error
}

// NewStream creates a streaming chunker reading from r.
func NewStream(r io.Reader) *Stream {
	return &Stream{
		reader: r,
		buffer: make([]byte, 2*MaxChunkSize),
	}
}

// Next returns the next chunk. It returns io.EOF after the final chunk
// has been returned. Any other read error is returned as-is and the
// stream must not be used afterward.
func (s *Stream) Next() (Chunk, error) {
	if s.pending > 0 {
		copy(s.buffer, s.buffer[s.pending:s.filled])
		s.filled -= s.pending
		s.offset += int64(s.pending)
		s.pending = 0
	}

	for {
		if s.scanned < s.filled {
			consumed, found := findBoundary(&s.state, s.scanned, s.buffer[s.scanned:s.filled])
			s.scanned += consumed
			if found {
				return s.emit(s.scanned), nil
			}
		}

		if s.err != nil {
			if !errors.Is(s.err, io.EOF) {
				return Chunk{}, s.err
			}
			if s.filled > 0 {
				s.state = 0
				return s.emit(s.filled), nil
			}
			return Chunk{}, io.EOF
		}

		// scanned == filled here, and a chunk never grows past
		// MaxChunkSize, so there is always room left in buffer.
		read, err := s.reader.Read(s.buffer[s.filled:])
		s.filled += read
		if err != nil {
			s.err = err
		}
	}
}

func (s *Stream) emit(length int) Chunk {
	chunk := Chunk{Offset: s.offset, Data: s.buffer[:length]}
	s.pending = length
	s.scanned = 0
	return chunk
}

// Offset returns the stream position of the next chunk.
func (s *Stream) Offset() int64 {
	return s.offset + int64(s.pending)
}
