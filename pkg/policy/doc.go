// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package policy implements the load-balancing policies that pick an upstream
// endpoint for every new client connection.
//
// # Overview
//
// A Policy answers one question, Select, and observes connection lifecycle
// events through Update:
//
//	ep := p.Select()                                   // on accept
//	p.Update(policy.Event{Action: policy.Add, ...})    // pair registered
//	p.Update(policy.Event{Action: policy.Remove, ...}) // pair torn down
//
// Events are emitted by the connection registry only; the event loop never
// touches policy accounting directly.
//
// # Variants
//
//   - Fixed: always the first configured endpoint.
//   - RoundRobin: configuration order, cyclically.
//   - LeastConnections: fewest open pairs; ties go to the earlier endpoint.
//   - LeastResponseTime: lowest mean pair lifetime; ties go to the earlier
//     endpoint. The mean is maintained incrementally, so memory stays bounded
//     by the number of endpoints and open pairs.
//
// # Factory
//
// New builds a variant from a Kind, which is parsed once from configuration:
//
//	kind, err := policy.ParseKind("least_connections")
//	p, err := policy.New(kind, endpoints)
//
// # Concurrency
//
// Policies are not safe for concurrent use. The proxy drives them from its
// single event-loop goroutine.
package policy
