// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"

	"github.com/bureau-foundation/swarmcas/lib/engine"
	"github.com/bureau-foundation/swarmcas/lib/shard"
	"github.com/bureau-foundation/swarmcas/lib/xorb"
)

// Set via -ldflags at build time.
var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty is "true" when the tree had uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the semantic version, set manually for releases.
	Version = "0.1.0-dev"
)

// Formats lists the on-disk and on-wire format versions this binary
// reads and writes. Nodes that disagree on any of them cannot share
// xorbs, shards or file records.
type Formats struct {
	Xorb       int
	Shard      int
	FileRecord int
}

// SupportedFormats returns the formats compiled into this binary.
func SupportedFormats() Formats {
	return Formats{
		Xorb:       xorb.Version,
		Shard:      shard.Version,
		FileRecord: engine.FileRecordVersion,
	}
}

// Compatible reports whether a peer advertising other can exchange
// xorbs, shards and records with this binary.
func (f Formats) Compatible(other Formats) bool {
	return f == other
}

// String renders the formats as "xorb=1 shard=1 record=1".
func (f Formats) String() string {
	return fmt.Sprintf("xorb=%d shard=%d record=%d", f.Xorb, f.Shard, f.FileRecord)
}

// Info returns a formatted version string suitable for --version output.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full returns Info plus the Go toolchain, platform and format
// versions.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s\n  Formats: %s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH, SupportedFormats())
}

// Short returns just the version number.
func Short() string {
	return Version
}

// Commit returns the git commit SHA.
func Commit() string {
	return GitCommit
}
