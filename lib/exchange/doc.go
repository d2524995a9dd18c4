// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package exchange implements the chunk exchange protocol: fetching a
// chunk from remote peers by hash alone, and discovering which peers
// hold it.
//
// # Wire format
//
// Every message starts with a one-byte type and the 32-byte chunk
// hash it concerns. All integers are big-endian.
//
//	REQUEST    [1][hash]
//	RESPONSE   [2][hash][length u32][data]
//	NOT_FOUND  [3][hash]
//	ERROR      [4][hash][code u32][UTF-8 message to end of message]
//	FILTER     [5][zero hash][length u32][CBOR availability summary]
//	GOSSIP     [6][zero hash][length u32][CBOR delta]
//	ACK        [7][zero hash]
//
// On a stream, each message travels in a frame: a 4-byte big-endian
// length followed by that many bytes, at most [MaxFrameSize].
//
// # Fetching
//
// [Fetcher.Fetch] asks [Discovery] for candidate peers, requests the
// chunk from each in turn with a per-request timeout, and re-queries
// discovery for further rounds when every candidate fails. NOT_FOUND,
// ERROR, timeouts and data that does not hash to the requested value
// all mean "try the next peer". Data is never handed to the chunk
// store before it verifies. When candidates run out the caller gets
// an [*UnavailableError] naming the chunk.
//
// # Discovery
//
// Discovery merges three sources: a distributed [Lookup] keyed by the
// full hash, a swarm [Tracker] keyed by the hash's 20-byte short ID,
// and hints learned from gossip, kept for at most MaxHints chunks
// with least recently hinted dropped first. Peers whose bloom filter
// ([Availability]) rules the chunk out are tried last. [Gossip]
// batches "chunk added/dropped" deltas to neighbors on a timer and
// floods priority deltas immediately, up to a hop limit.
//
// # Testing
//
// Race runs of this package must turn off checkptr, which aborts on
// the pointer arithmetic in bbloom's filter serialization:
//
//	go test -race -gcflags=all=-d=checkptr=0 ./lib/exchange/
package exchange
