// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for swarmcas nodes.
//
// Configuration is loaded from a single file specified by either the
// SWARMCAS_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// search.
//
// Files are YAML. Files ending in .json or .jsonc are also accepted;
// comments and trailing commas are stripped before parsing.
//
// After loading, ${HOME}, ${SWARMCAS_ROOT} and ${VAR:-default}
// patterns are expanded in path and address fields. No other
// environment variables override config values.
//
// The production environment is stricter: shards must be signed, so
// shard.secret_file is required.
package config
