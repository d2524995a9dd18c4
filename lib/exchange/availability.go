// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/AndreasBriese/bbloom"

	"github.com/bureau-foundation/swarmcas/lib/codec"
	"github.com/bureau-foundation/swarmcas/lib/hashing"
)

const (
	// DefaultFalsePositiveRate is the target false positive rate of
	// the local filter.
	DefaultFalsePositiveRate = 0.01

	// minFilterCapacity keeps tiny stores from producing degenerate
	// filters.
	minFilterCapacity = 1024

	// maxFilterBits caps the local filter at 512 KiB of bitset so a
	// serialized summary fits in one frame.
	maxFilterBits = 1 << 22

	// maxFilterLocations bounds the hash locations a remote filter may
	// declare.
	maxFilterLocations = 32
)

// FilterSummary is the FILTER payload: a peer's bloom filter over the
// chunk hashes it holds.
type FilterSummary struct {
	Peer   Peer   `cbor:"peer"`
	Filter []byte `cbor:"filter"`
}

// Availability keeps a bloom filter of this node's chunk hashes and
// the most recent filter received from each remote peer. Safe for
// concurrent use.
type Availability struct {
	falsePositiveRate float64

	mu       sync.RWMutex
	local    *bbloom.Bloom
	capacity int
	count    int
	remote   map[string]*bbloom.Bloom
}

// NewAvailability returns an empty Availability. A rate outside (0, 1)
// selects DefaultFalsePositiveRate.
func NewAvailability(falsePositiveRate float64) *Availability {
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = DefaultFalsePositiveRate
	}
	a := &Availability{
		falsePositiveRate: falsePositiveRate,
		remote:            make(map[string]*bbloom.Bloom),
	}
	a.local, a.capacity = newFilter(minFilterCapacity, falsePositiveRate)
	return a
}

// newFilter sizes a filter for capacity entries, clamped to
// maxFilterBits.
func newFilter(capacity int, falsePositiveRate float64) (*bbloom.Bloom, int) {
	capacity = max(capacity, minFilterCapacity)
	bits := -float64(capacity) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)
	var filter bbloom.Bloom
	if bits > maxFilterBits {
		locations := math.Ceil(-math.Log2(falsePositiveRate))
		filter = bbloom.New(float64(maxFilterBits), locations)
	} else {
		filter = bbloom.New(float64(capacity), falsePositiveRate)
	}
	return &filter, capacity
}

// Rebuild replaces the local filter with one over hashes, sized for
// twice their number so later additions keep the target rate.
func (a *Availability) Rebuild(hashes []hashing.Hash) {
	filter, capacity := newFilter(2*len(hashes), a.falsePositiveRate)
	for _, hash := range hashes {
		filter.Add(hash[:])
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.local = filter
	a.capacity = capacity
	a.count = len(hashes)
}

// AddLocal adds hash to the local filter. Filters cannot delete, so a
// dropped chunk stays "maybe present" until the next Rebuild.
func (a *Availability) AddLocal(hash hashing.Hash) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.local.Add(hash[:])
	a.count++
}

// NeedsRebuild reports whether more hashes have been added than the
// filter was sized for.
func (a *Availability) NeedsRebuild() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count > a.capacity
}

// MayHaveLocal reports whether the local filter admits hash.
func (a *Availability) MayHaveLocal(hash hashing.Hash) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.local.Has(hash[:])
}

// Summary returns this node's FILTER payload. bbloom serializes the
// filter with unsafe pointer arithmetic that the race detector's
// checkptr instrumentation rejects; see the package documentation for
// the race test invocation.
func (a *Availability) Summary(self Peer) ([]byte, error) {
	a.mu.RLock()
	filter := a.local.JSONMarshal()
	a.mu.RUnlock()
	payload, err := codec.Marshal(FilterSummary{Peer: self, Filter: filter})
	if err != nil {
		return nil, fmt.Errorf("encoding availability summary: %w", err)
	}
	return payload, nil
}

// ApplySummary decodes a FILTER payload and records it as the sender's
// current filter. It returns the sender.
func (a *Availability) ApplySummary(payload []byte) (Peer, error) {
	var summary FilterSummary
	if err := codec.Unmarshal(payload, &summary); err != nil {
		return Peer{}, fmt.Errorf("%w: availability summary: %v", ErrMalformed, err)
	}
	if summary.Peer.ID == "" {
		return Peer{}, fmt.Errorf("%w: availability summary without peer ID", ErrMalformed)
	}
	if err := validateFilter(summary.Filter); err != nil {
		return Peer{}, err
	}
	filter := bbloom.JSONUnmarshal(summary.Filter)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.remote[summary.Peer.ID] = &filter
	return summary.Peer, nil
}

// RuledOut reports whether peerID's filter proves it lacks hash. With
// no filter on record nothing is ruled out.
func (a *Availability) RuledOut(peerID string, hash hashing.Hash) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	filter, ok := a.remote[peerID]
	if !ok {
		return false
	}
	return !filter.Has(hash[:])
}

// ForgetPeer drops peerID's filter.
func (a *Availability) ForgetPeer(peerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.remote, peerID)
}

// validateFilter checks a serialized filter's shape before it reaches
// bbloom, which trusts its input.
func validateFilter(data []byte) error {
	var shape struct {
		FilterSet []byte
		SetLocs   uint64
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return fmt.Errorf("%w: bloom filter: %v", ErrMalformed, err)
	}
	if len(shape.FilterSet) < 8 || len(shape.FilterSet) > maxFilterBits/8 {
		return fmt.Errorf("%w: bloom filter bitset of %d bytes", ErrMalformed, len(shape.FilterSet))
	}
	if shape.SetLocs < 1 || shape.SetLocs > maxFilterLocations {
		return fmt.Errorf("%w: bloom filter with %d hash locations", ErrMalformed, shape.SetLocs)
	}
	return nil
}
