// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hashing

// BuildMerkleTree hashes each chunk and returns the Merkle root over
// the resulting leaves. An empty chunk list has the zero Hash as its
// root.
func (h *Hasher) BuildMerkleTree(chunks [][]byte) Hash {
	leaves := make([]Hash, len(chunks))
	for i, chunk := range chunks {
		leaves[i] = h.HashChunk(chunk)
	}
	return h.BuildMerkleTreeFromHashes(leaves)
}

// BuildMerkleTreeFromHashes returns the Merkle root over already
// computed leaf digests. A single leaf is its own root. At each level
// with an odd number of nodes the last node is paired with itself.
// The caller's slice is not modified.
func (h *Hasher) BuildMerkleTreeFromHashes(leaves []Hash) Hash {
	switch len(leaves) {
	case 0:
		return Hash{}
	case 1:
		return leaves[0]
	}

	level := make([]Hash, len(leaves))
	copy(level, leaves)

	var combined [2 * Size]byte
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := level[:len(level)/2]
		for i := 0; i < len(level); i += 2 {
			copy(combined[:Size], level[i][:])
			copy(combined[Size:], level[i+1][:])
			next[i/2] = h.HashChunk(combined[:])
		}
		level = next
	}
	return level[0]
}

// MerkleProof is the sibling path from one leaf to the root.
type MerkleProof struct {
	// Index is the leaf position the proof was built for.
	Index int

	// Siblings lists the sibling digest at each level, leaf level
	// first.
	Siblings []Hash
}

// BuildMerkleProof returns the sibling path for leaves[index]. A peer
// holding only the root can check a single chunk with
// [Hasher.VerifyMerkleProof] without fetching the rest of the file.
func (h *Hasher) BuildMerkleProof(leaves []Hash, index int) (MerkleProof, bool) {
	if index < 0 || index >= len(leaves) {
		return MerkleProof{}, false
	}
	proof := MerkleProof{Index: index}

	level := make([]Hash, len(leaves))
	copy(level, leaves)
	position := index

	var combined [2 * Size]byte
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		proof.Siblings = append(proof.Siblings, level[position^1])

		next := make([]Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			copy(combined[:Size], level[i][:])
			copy(combined[Size:], level[i+1][:])
			next[i/2] = h.HashChunk(combined[:])
		}
		level = next
		position /= 2
	}
	return proof, true
}

// VerifyMerkleProof reports whether leaf sits at proof.Index under
// root.
func (h *Hasher) VerifyMerkleProof(root, leaf Hash, proof MerkleProof) bool {
	current := leaf
	position := proof.Index

	var combined [2 * Size]byte
	for _, sibling := range proof.Siblings {
		if position%2 == 0 {
			copy(combined[:Size], current[:])
			copy(combined[Size:], sibling[:])
		} else {
			copy(combined[:Size], sibling[:])
			copy(combined[Size:], current[:])
		}
		current = h.HashChunk(combined[:])
		position /= 2
	}
	return current == root
}
