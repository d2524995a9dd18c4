// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	savedCommit, savedDirty, savedTime, savedVersion := GitCommit, GitDirty, BuildTime, Version
	t.Cleanup(func() {
		GitCommit, GitDirty, BuildTime, Version = savedCommit, savedDirty, savedTime, savedVersion
	})

	GitCommit, GitDirty, BuildTime, Version = "abc1234", "false", "2026-10-01T00:00:00Z", "1.2.3"
	if got, want := Info(), "1.2.3 (abc1234, 2026-10-01T00:00:00Z)"; got != want {
		t.Errorf("Info() = %q, want %q", got, want)
	}

	GitDirty = "true"
	if got := Info(); !strings.Contains(got, "abc1234-dirty") {
		t.Errorf("Info() = %q, want dirty marker", got)
	}
	if Short() != "1.2.3" || Commit() != "abc1234" {
		t.Errorf("Short() = %q, Commit() = %q", Short(), Commit())
	}
}

func TestFull(t *testing.T) {
	full := Full()
	for _, want := range []string{Info(), "Go: ", "Platform: ", "Formats: xorb=1 shard=1 record=1"} {
		if !strings.Contains(full, want) {
			t.Errorf("Full() = %q, missing %q", full, want)
		}
	}
}

func TestFormatsCompatible(t *testing.T) {
	local := SupportedFormats()
	if !local.Compatible(SupportedFormats()) {
		t.Error("a binary must be compatible with itself")
	}
	newer := local
	newer.Shard++
	if local.Compatible(newer) {
		t.Errorf("%s reported compatible with %s", local, newer)
	}
}
