// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package xorb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/bureau-foundation/swarmcas/lib/chunker"
	"github.com/bureau-foundation/swarmcas/lib/hashing"
	"github.com/bureau-foundation/swarmcas/lib/testutil"
)

func testHasher(t *testing.T) *hashing.Hasher {
	t.Helper()
	hasher, err := hashing.New(hashing.BLAKE3)
	if err != nil {
		t.Fatal(err)
	}
	return hasher
}

// buildXorb chunks a mix of compressible and random content and packs
// every chunk into one sealed xorb.
func buildXorb(t *testing.T, hasher *hashing.Hasher) *Xorb {
	t.Helper()
	content := testutil.Concat(
		testutil.Bytes(1, 60_000),
		bytes.Repeat([]byte("swarm dedup "), 8_000),
		testutil.Bytes(2, 40_000),
	)
	builder := NewBuilder()
	for _, chunk := range chunker.Split(content) {
		if err := builder.AddChunk(hasher.HashChunk(chunk), chunk); err != nil {
			t.Fatalf("AddChunk: %v", err)
		}
	}
	if builder.Size() != uint64(len(content)) {
		t.Fatalf("builder size = %d, want %d", builder.Size(), len(content))
	}
	return builder.Seal()
}

func TestRoundTrip(t *testing.T) {
	hasher := testHasher(t)
	original := buildXorb(t, hasher)

	for _, codec := range []Codec{CodecNone, CodecLZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			encoded, err := original.Serialize(codec)
			if err != nil {
				t.Fatalf("Serialize: %v", err)
			}
			decoded, err := Deserialize(encoded)
			if err != nil {
				t.Fatalf("Deserialize: %v", err)
			}
			if decoded.Len() != original.Len() {
				t.Fatalf("Len = %d, want %d", decoded.Len(), original.Len())
			}
			if decoded.TotalSize() != original.TotalSize() {
				t.Errorf("TotalSize = %d, want %d", decoded.TotalSize(), original.TotalSize())
			}
			want := original.Entries()
			for i, entry := range decoded.Entries() {
				if entry.Hash != want[i].Hash {
					t.Errorf("entry %d hash = %s, want %s", i, entry.Hash, want[i].Hash)
				}
				if !bytes.Equal(entry.Data, want[i].Data) {
					t.Errorf("entry %d data differs", i)
				}
			}
			if err := decoded.Verify(hasher); err != nil {
				t.Errorf("Verify: %v", err)
			}
			if decoded.Hash(hasher) != original.Hash(hasher) {
				t.Error("xorb hash changed across round trip")
			}
		})
	}
}

func TestLZ4ShrinksCompressibleContent(t *testing.T) {
	hasher := testHasher(t)
	x := buildXorb(t, hasher)

	raw, err := x.Serialize(CodecNone)
	if err != nil {
		t.Fatal(err)
	}
	compressed, err := x.Serialize(CodecLZ4)
	if err != nil {
		t.Fatal(err)
	}
	if len(compressed) >= len(raw) {
		t.Errorf("lz4 encoding is %d bytes, raw is %d; expected lz4 to be smaller", len(compressed), len(raw))
	}
	if compressed[5]&flagLZ4 == 0 {
		t.Error("compressed flag not set")
	}
	if raw[5] != 0 {
		t.Errorf("raw flags = %#x, want 0", raw[5])
	}
}

func TestLZ4IncompressibleStaysRaw(t *testing.T) {
	hasher := testHasher(t)
	data := testutil.Bytes(9, 20_000)
	builder := NewBuilder()
	if err := builder.AddChunk(hasher.HashChunk(data), data); err != nil {
		t.Fatal(err)
	}
	encoded, err := builder.Seal().Serialize(CodecLZ4)
	if err != nil {
		t.Fatal(err)
	}
	if encoded[5] != 0 {
		t.Errorf("flags = %#x, want 0 when no chunk shrinks", encoded[5])
	}
	if len(encoded) != HeaderSize+EntryHeaderSize+len(data) {
		t.Errorf("encoded length = %d, want %d", len(encoded), HeaderSize+EntryHeaderSize+len(data))
	}
	decoded, err := Deserialize(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := decoded.Chunk(hasher.HashChunk(data)); !bytes.Equal(got, data) {
		t.Error("raw chunk did not round-trip")
	}
}

func TestAddChunkCapacity(t *testing.T) {
	// The same 1 MiB buffer under 65 distinct hashes: 64 fit exactly
	// at the cap, the 65th must be refused.
	block := make([]byte, 1<<20)
	builder := NewBuilder()
	hashFor := func(i int) hashing.Hash {
		var hash hashing.Hash
		binary.LittleEndian.PutUint64(hash[:], uint64(i)+1)
		return hash
	}
	for i := range 64 {
		if err := builder.AddChunk(hashFor(i), block); err != nil {
			t.Fatalf("AddChunk %d: %v", i, err)
		}
	}
	if builder.Size() != MaxSize {
		t.Fatalf("size = %d, want %d", builder.Size(), MaxSize)
	}

	err := builder.AddChunk(hashFor(64), block)
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("65th AddChunk = %v, want ErrCapacity", err)
	}
	if builder.Len() != 64 || builder.Size() != MaxSize {
		t.Errorf("after refused add: Len=%d Size=%d, want 64 and %d", builder.Len(), builder.Size(), MaxSize)
	}

	sealed := builder.Seal()
	if sealed.Len() != 64 {
		t.Errorf("sealed Len = %d, want 64", sealed.Len())
	}
	if builder.Len() != 0 || builder.Size() != 0 {
		t.Error("Seal did not reset the builder")
	}
}

func TestAddChunkDuplicateHash(t *testing.T) {
	builder := NewBuilder()
	var hash hashing.Hash
	hash[0] = 1
	for range 3 {
		if err := builder.AddChunk(hash, []byte("abc")); err != nil {
			t.Fatal(err)
		}
	}
	if builder.Len() != 1 || builder.Size() != 3 {
		t.Errorf("Len=%d Size=%d, want 1 and 3", builder.Len(), builder.Size())
	}
}

func TestBuilderWithLimit(t *testing.T) {
	builder := NewBuilderWithLimit(10)
	var first, second hashing.Hash
	first[0], second[0] = 1, 2
	if err := builder.AddChunk(first, make([]byte, 6)); err != nil {
		t.Fatal(err)
	}
	if err := builder.AddChunk(second, make([]byte, 6)); !errors.Is(err, ErrCapacity) {
		t.Errorf("AddChunk over limit = %v, want ErrCapacity", err)
	}
}

func TestVerifyDetectsTamperedChunk(t *testing.T) {
	hasher := testHasher(t)
	data := testutil.Bytes(4, 1000)
	builder := NewBuilder()
	if err := builder.AddChunk(hasher.HashChunk(data), data); err != nil {
		t.Fatal(err)
	}
	encoded, err := builder.Seal().Serialize(CodecNone)
	if err != nil {
		t.Fatal(err)
	}
	encoded[len(encoded)-1] ^= 0xff

	decoded, err := Deserialize(encoded)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if err := decoded.Verify(hasher); !errors.Is(err, hashing.ErrHashMismatch) {
		t.Errorf("Verify = %v, want ErrHashMismatch", err)
	}
}

func TestDeserializeRejectsMalformed(t *testing.T) {
	hasher := testHasher(t)
	valid, err := buildXorb(t, hasher).Serialize(CodecLZ4)
	if err != nil {
		t.Fatal(err)
	}

	mutate := func(change func([]byte) []byte) []byte {
		return change(bytes.Clone(valid))
	}
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", valid[:HeaderSize-1]},
		{"bad magic", mutate(func(b []byte) []byte { b[0] = 'Y'; return b })},
		{"bad version", mutate(func(b []byte) []byte { b[4] = 2; return b })},
		{"unknown flag", mutate(func(b []byte) []byte { b[5] |= 0x80; return b })},
		{"reserved set", mutate(func(b []byte) []byte { b[6] = 1; return b })},
		{"count overrun", mutate(func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[16:20], 1<<30)
			return b
		})},
		{"total size too large", mutate(func(b []byte) []byte {
			binary.LittleEndian.PutUint64(b[8:16], MaxSize+1)
			return b
		})},
		{"total size mismatch", mutate(func(b []byte) []byte {
			binary.LittleEndian.PutUint64(b[8:16], binary.LittleEndian.Uint64(b[8:16])-1)
			return b
		})},
		{"stored size overrun", mutate(func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[HeaderSize+hashing.Size+4:], 1<<31)
			return b
		})},
		{"truncated body", valid[:len(valid)-1]},
		{"trailing bytes", append(bytes.Clone(valid), 0)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			x, err := Deserialize(test.data)
			if !errors.Is(err, ErrFormat) {
				t.Fatalf("Deserialize = %v, want ErrFormat", err)
			}
			if x != nil {
				t.Error("malformed payload returned a partial xorb")
			}
		})
	}
}

func TestEmptyXorbRoundTrip(t *testing.T) {
	encoded, err := NewBuilder().Seal().Serialize(CodecLZ4)
	if err != nil {
		t.Fatal(err)
	}
	if len(encoded) != HeaderSize {
		t.Fatalf("empty xorb is %d bytes, want %d", len(encoded), HeaderSize)
	}
	decoded, err := Deserialize(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Len() != 0 {
		t.Errorf("Len = %d, want 0", decoded.Len())
	}
}

func TestParseCodec(t *testing.T) {
	for name, want := range map[string]Codec{"": CodecLZ4, "lz4": CodecLZ4, "none": CodecNone} {
		got, err := ParseCodec(name)
		if err != nil || got != want {
			t.Errorf("ParseCodec(%q) = %s, %v; want %s", name, got, err, want)
		}
	}
	if _, err := ParseCodec("brotli"); err == nil {
		t.Error("ParseCodec(brotli) should fail")
	}
}
