// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shard

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of derived HMAC keys.
const KeySize = 32

// hkdfInfoShardHMAC is the HKDF info prefix for shard footer keys.
// Changing it invalidates every signed shard.
var hkdfInfoShardHMAC = []byte("swarmcas.shard.hmac.v1")

// DeriveKey derives the HMAC key for shards exchanged within one swarm
// from a master secret. Peers sharing the secret and the swarm ID
// derive the same key; different swarms get unrelated keys.
func DeriveKey(secret []byte, swarmID string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("deriving shard key: empty secret")
	}
	info := make([]byte, 0, len(hkdfInfoShardHMAC)+len(swarmID))
	info = append(info, hkdfInfoShardHMAC...)
	info = append(info, swarmID...)

	reader := hkdf.New(sha256.New, secret, nil, info)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation: %w", err)
	}
	return key, nil
}
