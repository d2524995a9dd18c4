// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build and format version information for
// swarmcas binaries.
//
// # Build information
//
// Four package-level variables are injected at build time via
// -ldflags -X:
//
//	go build -ldflags "-X github.com/bureau-foundation/swarmcas/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// They default to "unknown" / "0.1.0-dev" in development builds and
// test runs. [Info] formats them for --version; [Full] adds the Go
// version, platform and [Formats].
//
// # Formats
//
// [SupportedFormats] reports the xorb, shard and file record format
// versions this binary understands. Two nodes can only trade data when
// [Formats.Compatible] holds.
package version
