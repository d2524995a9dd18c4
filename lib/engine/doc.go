// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine ties chunking, hashing, the chunk store, xorb
// bundles, shards and the exchange fetcher into the operations a
// torrent session calls.
//
// [Engine.Ingest] chunks a file, stores each chunk once, packs chunks
// no local xorb holds into new xorbs and records the file as a CBOR
// [FileRecord]. The chunk store remembers which xorb each chunk was
// packed in, so a record names every xorb its chunks live in, not only
// the xorbs its own ingest sealed. [Engine.ReadFile] reassembles a file, fetching
// missing chunks from peers concurrently. Shards carry file records
// between peers so a peer can plan retrieval before it holds any
// chunk; xorbs carry the chunks themselves.
//
// # References
//
// A file record is either claimed or not. A claimed record holds one
// chunk store reference per chunk occurrence, taken by Ingest or by
// the first successful ReadFile. Records imported from a shard start
// unclaimed. Chunks that arrive without an owner (a bare fetch or an
// imported xorb) are stored with no references and become evictable
// once they age out. Forget releases a claimed record's references.
//
// On disk, under the engine root:
//
//	files/ab/cd/<hash>.cbor   file records
//	xorbs/ab/cd/<hash>.xorb   serialized xorbs
//	tmp/                      staging for atomic writes
package engine
