// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the injectable time source used by the chunk store
// (entry timestamps and eviction ages), the exchange fetcher (request
// deadlines) and gossip (flush ticks).
//
// Production code takes [Real]. Tests take [Fake], whose time moves
// only when [FakeClock.Advance] is called, so eviction and flush
// behavior can be checked without sleeping.
package clock
