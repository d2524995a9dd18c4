// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hashing

import (
	"encoding/hex"
	"fmt"
)

// Size is the byte length of every digest.
const Size = 32

// ShortIDSize is the length of the legacy swarm identifier derived
// from a digest.
const ShortIDSize = 20

// Hash is a 32-byte content digest.
type Hash [Size]byte

// String returns the lowercase hex form of the hash. This is the
// canonical format in logs, file names and config.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ShortID returns the first 20 bytes of the hash. Swarm-style
// announce mechanisms that only carry 20-byte identifiers use this
// form.
func (h Hash) ShortID() [ShortIDSize]byte {
	var id [ShortIDSize]byte
	copy(id[:], h[:ShortIDSize])
	return id
}

// MarshalText implements encoding.TextMarshaler so hashes serialize as
// hex strings in CBOR and YAML.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses a 64-character hex string into a Hash.
func ParseHash(hexString string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return hash, fmt.Errorf("parsing hash: %w", err)
	}
	if len(decoded) != Size {
		return hash, fmt.Errorf("hash is %d bytes, want %d", len(decoded), Size)
	}
	copy(hash[:], decoded)
	return hash, nil
}
