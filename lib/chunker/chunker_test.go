// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunker

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"io"
	"testing"

	"github.com/bureau-foundation/swarmcas/lib/testutil"
)

func TestBoundariesEmptyInput(t *testing.T) {
	if boundaries := Boundaries(nil); len(boundaries) != 0 {
		t.Errorf("Boundaries(nil) = %v, want no chunks", boundaries)
	}
	if boundaries := Boundaries([]byte{}); len(boundaries) != 0 {
		t.Errorf("Boundaries(empty) = %v, want no chunks", boundaries)
	}
}

func TestBoundariesSmallInputIsOneChunk(t *testing.T) {
	data := testutil.Bytes(3, MinChunkSize-1)
	boundaries := Boundaries(data)
	if len(boundaries) != 1 {
		t.Fatalf("got %d chunks, want 1", len(boundaries))
	}
	if boundaries[0].Offset != 0 || boundaries[0].Length != len(data) {
		t.Errorf("boundary = %+v, want {0 %d}", boundaries[0], len(data))
	}
}

func TestBoundariesDeterministic(t *testing.T) {
	data := testutil.Bytes(42, 2*1024*1024)

	first := Boundaries(data)
	second := Boundaries(data)

	if len(first) != len(second) {
		t.Fatalf("chunk count changed between runs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("boundary %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestBoundariesCoverInputContiguously(t *testing.T) {
	data := testutil.Bytes(5, 1024*1024+333)

	var next int64
	for i, boundary := range Boundaries(data) {
		if boundary.Offset != next {
			t.Fatalf("boundary %d starts at %d, want %d", i, boundary.Offset, next)
		}
		next = boundary.End()
	}
	if next != int64(len(data)) {
		t.Errorf("chunks cover %d bytes, want %d", next, len(data))
	}
}

func TestBoundariesSizeInvariant(t *testing.T) {
	data := testutil.Bytes(1, 4*1024*1024)
	boundaries := Boundaries(data)

	if len(boundaries) < 2 {
		t.Fatalf("got %d chunks for 4 MiB of random data", len(boundaries))
	}

	var total int
	for i, boundary := range boundaries {
		total += boundary.Length
		if i == len(boundaries)-1 {
			if boundary.Length > MaxChunkSize {
				t.Errorf("final chunk is %d bytes, above MaxChunkSize", boundary.Length)
			}
			continue
		}
		if boundary.Length < MinChunkSize || boundary.Length > MaxChunkSize {
			t.Errorf("chunk %d is %d bytes, outside [%d, %d]",
				i, boundary.Length, MinChunkSize, MaxChunkSize)
		}
	}

	mean := total / len(boundaries)
	if mean < TargetChunkSize*3/4 || mean > TargetChunkSize*5/4 {
		t.Errorf("mean chunk size %d is not near target %d", mean, TargetChunkSize)
	}
}

func TestBoundariesForcedCutAtMax(t *testing.T) {
	// 0xff repeated drives the state to a fixed point that does not
	// satisfy the mask, so only the MaxChunkSize rule can cut.
	data := bytes.Repeat([]byte{0xff}, 3*MaxChunkSize+10)

	boundaries := Boundaries(data)
	for i, boundary := range boundaries[:len(boundaries)-1] {
		if boundary.Length != MaxChunkSize {
			t.Errorf("chunk %d is %d bytes, want forced cut at %d", i, boundary.Length, MaxChunkSize)
		}
	}
	if last := boundaries[len(boundaries)-1]; last.Length != 10 {
		t.Errorf("final chunk is %d bytes, want 10", last.Length)
	}
}

func TestBoundariesZeroBuffer(t *testing.T) {
	data := make([]byte, 100*1024)

	boundaries := Boundaries(data)
	if len(boundaries) < 2 {
		t.Fatalf("got %d chunks for 100 KiB of zeros, want several", len(boundaries))
	}
	for i, boundary := range boundaries[:len(boundaries)-1] {
		if boundary.Length < MinChunkSize || boundary.Length > MaxChunkSize {
			t.Errorf("chunk %d is %d bytes, outside [%d, %d]",
				i, boundary.Length, MinChunkSize, MaxChunkSize)
		}
	}

	again := Boundaries(data)
	if len(again) != len(boundaries) {
		t.Fatalf("re-chunking produced %d chunks, first pass %d", len(again), len(boundaries))
	}
	for i := range boundaries {
		if boundaries[i] != again[i] {
			t.Errorf("boundary %d differs on re-chunk: %+v vs %+v", i, boundaries[i], again[i])
		}
	}
}

func TestSharedRegionProducesSharedChunks(t *testing.T) {
	const kib = 1024
	shared := testutil.Bytes(103, 50*kib)
	fileA := testutil.Concat(testutil.Bytes(101, 20*kib), shared, testutil.Bytes(104, 10*kib))
	fileB := testutil.Concat(testutil.Bytes(102, 33*kib), shared, testutil.Bytes(105, 27*kib))

	digests := func(data []byte) map[[32]byte]int {
		result := make(map[[32]byte]int)
		for _, chunk := range Split(data) {
			result[sha256.Sum256(chunk)] = len(chunk)
		}
		return result
	}
	chunksA := digests(fileA)
	chunksB := digests(fileB)

	var common int
	for digest := range chunksA {
		if _, ok := chunksB[digest]; ok {
			common++
		}
	}
	if common == 0 {
		t.Fatal("files sharing a 50 KiB region have no chunk in common")
	}

	// Every common chunk must come from the shared region.
	for _, chunk := range Split(fileA) {
		if _, ok := chunksB[sha256.Sum256(chunk)]; ok && !bytes.Contains(shared, chunk) {
			t.Errorf("common chunk of %d bytes is not part of the shared region", len(chunk))
		}
	}
}

func TestBoundariesIndependentOfPrefix(t *testing.T) {
	// Once an embedded buffer and the standalone buffer agree on one
	// cut, every later cut agrees: boundaries are content-defined.
	data := testutil.Bytes(7, 1024*1024)
	const prefixLength = 5000
	embedded := testutil.Concat(testutil.Bytes(8, prefixLength), data)

	standaloneEnds := make(map[int64]bool)
	var standaloneOrder []int64
	for _, boundary := range Boundaries(data) {
		standaloneEnds[boundary.End()] = true
		standaloneOrder = append(standaloneOrder, boundary.End())
	}

	var embeddedOrder []int64
	synced := false
	for _, boundary := range Boundaries(embedded) {
		end := boundary.End() - prefixLength
		if end <= 0 {
			continue
		}
		if standaloneEnds[end] {
			synced = true
		}
		if synced {
			embeddedOrder = append(embeddedOrder, end)
		}
	}
	if !synced {
		t.Fatal("embedded buffer never shared a boundary with the standalone buffer")
	}

	start := len(standaloneOrder) - len(embeddedOrder)
	if start < 0 {
		t.Fatalf("embedded buffer has more boundaries after sync (%d) than standalone (%d)",
			len(embeddedOrder), len(standaloneOrder))
	}
	for i, end := range embeddedOrder {
		if standaloneOrder[start+i] != end {
			t.Fatalf("after sync, boundary %d ends at %d, standalone ends at %d",
				i, end, standaloneOrder[start+i])
		}
	}
}

// jaggedReader returns data in irregular read sizes to exercise state
// carried across buffer boundaries.
type jaggedReader struct {
	data  []byte
	sizes []int
	step  int
}

func (r *jaggedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	size := r.sizes[r.step%len(r.sizes)]
	r.step++
	if size > len(p) {
		size = len(p)
	}
	if size > len(r.data) {
		size = len(r.data)
	}
	n := copy(p, r.data[:size])
	r.data = r.data[n:]
	return n, nil
}

func TestStreamMatchesInMemory(t *testing.T) {
	data := testutil.Bytes(9, 3*1024*1024+17)
	expected := Boundaries(data)

	stream := NewStream(&jaggedReader{data: data, sizes: []int{1, 47, 48, 49, 4096, 7919, 65536, 300000}})

	var got []Boundary
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		boundary := Boundary{Offset: chunk.Offset, Length: len(chunk.Data)}
		if !bytes.Equal(chunk.Data, data[boundary.Offset:boundary.End()]) {
			t.Fatalf("chunk at %d has wrong content", chunk.Offset)
		}
		got = append(got, boundary)
	}

	if len(got) != len(expected) {
		t.Fatalf("stream produced %d chunks, in-memory %d", len(got), len(expected))
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("boundary %d: stream %+v, in-memory %+v", i, got[i], expected[i])
		}
	}
}

func TestStreamEmpty(t *testing.T) {
	stream := NewStream(bytes.NewReader(nil))
	if _, err := stream.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next on empty stream = %v, want io.EOF", err)
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestStreamPropagatesReadError(t *testing.T) {
	readErr := errors.New("disk on fire")
	stream := NewStream(failingReader{err: readErr})
	if _, err := stream.Next(); !errors.Is(err, readErr) {
		t.Errorf("Next = %v, want %v", err, readErr)
	}
}
