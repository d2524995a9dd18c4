// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import "encoding/binary"

// Filler is a xorshift64 generator for deterministic test content.
// The zero seed is replaced by 1 because xorshift has no zero state.
type Filler struct {
	state uint64
}

// NewFiller creates a generator seeded with seed.
func NewFiller(seed uint64) *Filler {
	if seed == 0 {
		seed = 1
	}
	return &Filler{state: seed}
}

// Uint64 returns the next value in the sequence.
func (f *Filler) Uint64() uint64 {
	x := f.state
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	f.state = x
	return x
}

// Fill writes pseudo-random bytes into p, eight bytes per generator
// step in little-endian order. A trailing partial step uses the low
// bytes of the value.
func (f *Filler) Fill(p []byte) {
	var word [8]byte
	for i := 0; i < len(p); i += 8 {
		binary.LittleEndian.PutUint64(word[:], f.Uint64())
		copy(p[i:], word[:])
	}
}

// Bytes returns n deterministic pseudo-random bytes for seed.
func Bytes(seed uint64, n int) []byte {
	data := make([]byte, n)
	NewFiller(seed).Fill(data)
	return data
}

// Concat joins byte slices into a new slice.
func Concat(parts ...[]byte) []byte {
	var total int
	for _, part := range parts {
		total += len(part)
	}
	result := make([]byte, 0, total)
	for _, part := range parts {
		result = append(result, part...)
	}
	return result
}
