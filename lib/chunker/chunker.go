// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunker

// Chunking parameters. These are protocol constants: changing any of
// them moves every chunk boundary and invalidates all existing chunk
// hashes, xorbs and shards.
const (
	// MinChunkSize is the smallest chunk the chunker cuts (except the
	// final chunk of a stream).
	MinChunkSize = 8 * 1024

	// TargetChunkSize is the expected chunk size for random input.
	// boundaryMask has 13 bits set, so past MinChunkSize a boundary
	// is found on average every 8 KiB.
	TargetChunkSize = 16 * 1024

	// MaxChunkSize forces a cut regardless of the hash state.
	MaxChunkSize = 128 * 1024

	// WindowSize is the number of trailing bytes the rolling hash
	// depends on. It equals the bit width of the hash state.
	WindowSize = 48
)

// windowMask truncates the gear state to WindowSize bits.
const windowMask uint64 = 1<<WindowSize - 1

// boundaryMask selects the hash bits that must all be zero for a
// content-defined cut. The 13 bits are spread over the low 31 bits of
// the state rather than packed together, which keeps the cut
// probability close to 1/8192 for low-entropy input.
//
// A run of one repeated byte drives the state to a fixed point. For
// zero bytes that fixed point is 0xffffa36a3f88, which has all mask
// bits clear, so long zero runs are cut every MinChunkSize bytes and
// deduplicate to a single chunk.
const boundaryMask uint64 = 0x54954075

// Boundary locates one chunk within the input.
type Boundary struct {
	Offset int64
	Length int
}

// End returns the exclusive end offset of the chunk.
func (b Boundary) End() int64 {
	return b.Offset + int64(b.Length)
}

// Boundaries chunks data and returns every boundary in order. An
// empty input yields no boundaries.
func Boundaries(data []byte) []Boundary {
	c := New(data)
	var boundaries []Boundary
	for {
		boundary, ok := c.Next()
		if !ok {
			return boundaries
		}
		boundaries = append(boundaries, boundary)
	}
}

// Split chunks data and returns the chunk contents as subslices of
// data. The slices alias the input.
func Split(data []byte) [][]byte {
	boundaries := Boundaries(data)
	chunks := make([][]byte, len(boundaries))
	for i, boundary := range boundaries {
		chunks[i] = data[boundary.Offset:boundary.End()]
	}
	return chunks
}

// Chunker iterates over the content-defined chunks of an in-memory
// buffer. The buffer is not copied and must not be modified while
// iterating.
type Chunker struct {
	data     []byte
	position int
}

// New creates a chunker over data.
func New(data []byte) *Chunker {
	return &Chunker{data: data}
}

// Next returns the next boundary. The second result is false once the
// input is exhausted.
func (c *Chunker) Next() (Boundary, bool) {
	if c.position >= len(c.data) {
		return Boundary{}, false
	}

	remaining := c.data[c.position:]
	var state uint64
	length, found := findBoundary(&state, 0, remaining)
	if !found {
		// Input ran out before a cut: the rest is the final chunk.
		length = len(remaining)
	}

	boundary := Boundary{Offset: int64(c.position), Length: length}
	c.position += length
	return boundary, true
}

// findBoundary advances the gear state over data, where chunkLength
// bytes of the current chunk have already been consumed. It returns
// the number of bytes of data consumed and whether a cut was found at
// that point. When no cut is found, all of data has been consumed and
// the state reflects it, so the caller can continue with more input.
func findBoundary(state *uint64, chunkLength int, data []byte) (int, bool) {
	hash := *state
	for i, b := range data {
		hash = ((hash << 1) + gearTable[b]) & windowMask
		chunkLength++
		if chunkLength < MinChunkSize {
			continue
		}
		if chunkLength >= MaxChunkSize || hash&boundaryMask == 0 {
			*state = 0
			return i + 1, true
		}
	}
	*state = hash
	return len(data), false
}
