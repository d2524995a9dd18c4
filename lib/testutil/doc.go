// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for swarmcas packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the
// select-with-timeout pattern so tests that wait on goroutines fail
// with a message instead of hanging.
//
// [Bytes] and [Filler] produce deterministic pseudo-random content
// from a seed (xorshift64). Chunk-boundary tests depend on exact
// content, so they must not use crypto/rand.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no swarmcas-internal dependencies.
package testutil
