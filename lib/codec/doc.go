// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the one place CBOR is configured. Engine file
// records on disk and the discovery payloads carried by the exchange
// protocol (bloom filter summaries, gossip deltas) are encoded here.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 section 4.2), so
// the same value always produces the same bytes. Types implementing
// encoding.TextMarshaler, such as hashing.Hash, travel as text
// strings. Decoding bounds array and map sizes because some payloads
// arrive from untrusted peers.
package codec
