// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hashing computes chunk digests, Merkle roots and file
// digests for the content-addressed store.
//
// Every digest is 32 bytes. Two backends exist: BLAKE3-256 (the
// default) and SHA-256. A [Hasher] is bound to one backend when it is
// constructed and every digest it produces comes from that backend.
// The choice belongs to a deployment, not to a call: a chunk store
// records the algorithm it was created with and refuses to open under
// a different one, because mixing algorithms in one digest space
// breaks both deduplication and verification.
//
// Merkle trees are binary. Leaves are chunk digests; an internal node
// is the digest of its two children concatenated. A level with an odd
// number of nodes duplicates its last node before pairing. The root of
// a file's chunk sequence identifies the file.
package hashing
