// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks client/upstream connection pairs for the event loop.
//
// # Pairs
//
// Every accepted client gets exactly one upstream connection. The pair is
// stored in an arena keyed by a PairID that is assigned at creation and never
// reused; descriptors are only a secondary index into it:
//
//	pairs: PairID -> *Pair{Client, Upstream, Endpoint, State}
//	byFd:  fd     -> (PairID, side)
//
// Lookups therefore work the same from either end, and teardown is symmetric:
// Delete on the client fd and Delete on the upstream fd both close both
// connections and emit one Remove event to the policy.
//
// # Lifecycle events
//
// Add emits policy.Add once the pair is recorded; Delete and Remove emit
// policy.Remove. Close releases all connections at shutdown without emitting
// events.
//
// # Watch set
//
// WatchSet flattens every registered connection into poll slots. Each slot
// carries its PairID so a descriptor recycled mid-iteration is never
// mistaken for the pair it used to belong to.
//
// The registry is not safe for concurrent use.
package registry
