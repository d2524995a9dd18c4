// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"io"
	"testing"

	"github.com/bureau-foundation/swarmcas/lib/hashing"
)

type sampleRecord struct {
	Path   string         `cbor:"path"`
	Root   hashing.Hash   `cbor:"root"`
	Chunks []hashing.Hash `cbor:"chunks"`
	Size   int64          `cbor:"size"`
	Tags   map[string]int `cbor:"tags,omitempty"`
}

func sample() sampleRecord {
	var root, first, second hashing.Hash
	root[0], first[0], second[0] = 1, 2, 3
	return sampleRecord{
		Path:   "album/track.flac",
		Root:   root,
		Chunks: []hashing.Hash{first, second},
		Size:   40_000,
		Tags:   map[string]int{"zeta": 1, "alpha": 2, "mid": 3},
	}
}

func TestRoundTrip(t *testing.T) {
	original := sample()
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded sampleRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Path != original.Path || decoded.Root != original.Root || decoded.Size != original.Size {
		t.Errorf("decoded = %+v, want %+v", decoded, original)
	}
	if len(decoded.Chunks) != 2 || decoded.Chunks[1] != original.Chunks[1] {
		t.Errorf("chunks = %v, want %v", decoded.Chunks, original.Chunks)
	}
	if decoded.Tags["alpha"] != 2 {
		t.Errorf("tags = %v", decoded.Tags)
	}
}

func TestDeterministic(t *testing.T) {
	first, err := Marshal(sample())
	if err != nil {
		t.Fatal(err)
	}
	for range 20 {
		again, err := Marshal(sample())
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("Marshal is not deterministic across map iteration orders")
		}
	}
}

func TestHashEncodesAsHexText(t *testing.T) {
	var hash hashing.Hash
	hash[31] = 0xab
	data, err := Marshal(hash)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte(hash.String())) {
		t.Errorf("encoded hash %x does not contain hex text %s", data, hash.String())
	}
}

func TestStream(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for i := range 3 {
		record := sample()
		record.Size = int64(i)
		if err := encoder.Encode(record); err != nil {
			t.Fatal(err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i := range 3 {
		var record sampleRecord
		if err := decoder.Decode(&record); err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		if record.Size != int64(i) {
			t.Errorf("record %d size = %d", i, record.Size)
		}
	}
	var extra sampleRecord
	if err := decoder.Decode(&extra); err != io.EOF {
		t.Errorf("Decode past end = %v, want io.EOF", err)
	}
}

func TestRejectsOversizedArray(t *testing.T) {
	// Array header claiming 2^21 elements: 0x9a followed by a 4-byte
	// big-endian length.
	data := []byte{0x9a, 0x00, 0x20, 0x00, 0x00}
	var decoded []int
	if err := Unmarshal(data, &decoded); err == nil {
		t.Error("Unmarshal accepted an array longer than MaxElements")
	}
}
