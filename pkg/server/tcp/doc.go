// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the single-threaded load-balancing event loop of
// lbproxy.
//
// # Overview
//
// One goroutine owns the listening socket, every client and upstream socket,
// the connection registry and the balancing policy. It multiplexes them with
// poll(2) and relays bytes verbatim between each client and the upstream the
// policy chose for it.
//
// # Architecture
//
//	┌─────────┐         ┌──────────────────┐         ┌──────────┐
//	│ Client  │ ←─TCP─→ │    Event loop    │ ←─TCP─→ │ Upstream │
//	└─────────┘         │  poll + relay    │         └──────────┘
//	                    └──────────────────┘
//	                      ↓       ↓       ↓
//	                 ┌────────┐┌────────┐┌─────────┐
//	                 │ Policy ││Registry││ Handler │
//	                 └────────┘└────────┘└─────────┘
//
// # Iteration
//
// Each pass of the loop:
//
//  1. Builds the poll set: the listener plus registry.WatchSet().
//  2. Polls with Config.PollTimeout. EINTR counts as an empty poll.
//  3. Checks the context; a cancelled context starts shutdown.
//  4. Tears down pairs whose upstream connect exceeded Config.ConnectTimeout.
//  5. Accepts one client if the listener is ready: AuthConnect, Select,
//     non-blocking dial, registry.Add.
//  6. Completes pending connects whose upstream became writable.
//  7. Relays one read per ready socket to its peer.
//
// # Teardown
//
// A zero-length read on either socket closes the whole pair. Read, write and
// connect errors do the same, but only for the affected pair; the loop keeps
// serving everyone else. Every teardown reports its reason to
// handler.OnDisconnect and to the metrics.
//
// # Writes
//
// Relayed bytes are not buffered. When a peer's send buffer is full the loop
// waits on that one socket for up to Config.WriteTimeout, then gives up on the
// pair.
//
// # Shutdown
//
// After cancellation the listener is closed and every registered socket is
// released without draining. Listen then returns nil.
//
// # Example
//
//	p, _ := policy.New(policy.KindRoundRobin, endpoints)
//	d, _ := sock.NewDialer(endpoints)
//	srv := tcp.New(tcp.Config{Address: ":8080"}, p, registry.New(p, tcp.DialFunc(d)), nil)
//	if err := srv.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
