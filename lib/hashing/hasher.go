// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hashing

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/swarmcas/lib/chunker"
)

// ErrHashMismatch is returned (wrapped) by [Hasher.Verify] when data
// does not hash to the expected digest.
var ErrHashMismatch = errors.New("hash mismatch")

// Algorithm selects the digest backend.
type Algorithm uint8

const (
	// BLAKE3 is BLAKE3 with a 256-bit output. The default.
	BLAKE3 Algorithm = iota + 1

	// SHA256 is the fallback for deployments that must not depend on
	// BLAKE3.
	SHA256
)

// String returns the config name of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case BLAKE3:
		return "blake3"
	case SHA256:
		return "sha256"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// ParseAlgorithm parses a config name. The empty string selects BLAKE3.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "", "blake3":
		return BLAKE3, nil
	case "sha256":
		return SHA256, nil
	default:
		return 0, fmt.Errorf("unknown hash algorithm %q (want blake3 or sha256)", name)
	}
}

// Hasher computes digests with one fixed backend. It is safe for
// concurrent use; each call allocates its own hash state.
type Hasher struct {
	algorithm Algorithm
}

// New returns a Hasher bound to algorithm.
func New(algorithm Algorithm) (*Hasher, error) {
	switch algorithm {
	case BLAKE3, SHA256:
		return &Hasher{algorithm: algorithm}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %s", algorithm)
	}
}

// Algorithm returns the backend this Hasher is bound to.
func (h *Hasher) Algorithm() Algorithm {
	return h.algorithm
}

// HashChunk returns the unkeyed digest of data. Chunks carry no
// domain-separation key, so a stock BLAKE3 or SHA-256 tool computes
// the same value.
func (h *Hasher) HashChunk(data []byte) Hash {
	switch h.algorithm {
	case SHA256:
		return sha256.Sum256(data)
	default:
		return blake3.Sum256(data)
	}
}

// Verify recomputes the digest of data and returns an error wrapping
// ErrHashMismatch if it differs from expected.
func (h *Hasher) Verify(data []byte, expected Hash) error {
	actual := h.HashChunk(data)
	if actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, expected, actual)
	}
	return nil
}

// Matches reports whether data hashes to expected.
func (h *Hasher) Matches(data []byte, expected Hash) bool {
	return h.HashChunk(data) == expected
}

// newState returns a streaming hash state for the backend.
func (h *Hasher) newState() hash.Hash {
	switch h.algorithm {
	case SHA256:
		return sha256.New()
	default:
		return blake3.New()
	}
}

// HashReader computes the digest of everything read from r without
// buffering it. This is a flat digest, not a Merkle root; use
// [Hasher.HashFileIncremental] for the chunk-tree identity of a file.
func (h *Hasher) HashReader(r io.Reader) (Hash, int64, error) {
	state := h.newState()
	written, err := io.Copy(state, r)
	if err != nil {
		return Hash{}, written, fmt.Errorf("hashing stream: %w", err)
	}
	var digest Hash
	copy(digest[:], state.Sum(nil))
	return digest, written, nil
}

// FileDigest is the chunk-tree identity of a file.
type FileDigest struct {
	// Root is the Merkle root over ChunkHashes.
	Root Hash

	// ChunkHashes are the file's chunk digests in order.
	ChunkHashes []Hash

	// Size is the file length in bytes.
	Size int64
}

// HashStream chunks r with the content-defined chunker, hashing each
// chunk as it is cut, and returns the Merkle root. Memory use is
// bounded by the chunker's buffer, not the stream length.
func (h *Hasher) HashStream(r io.Reader) (*FileDigest, error) {
	stream := chunker.NewStream(r)
	digest := &FileDigest{}
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chunking stream at offset %d: %w", stream.Offset(), err)
		}
		digest.ChunkHashes = append(digest.ChunkHashes, h.HashChunk(chunk.Data))
		digest.Size += int64(len(chunk.Data))
	}
	digest.Root = h.BuildMerkleTreeFromHashes(digest.ChunkHashes)
	return digest, nil
}

// HashFileIncremental computes the chunk-tree identity of the file at
// path without loading it into memory.
func (h *Hasher) HashFileIncremental(path string) (*FileDigest, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	digest, err := h.HashStream(file)
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", path, err)
	}
	return digest, nil
}
