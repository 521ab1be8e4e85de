// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the hook interface that links the event loop to
// application logic.
//
// # Overview
//
// The proxy relays bytes without looking at them, so the only points where an
// application can take part are the connection lifecycle events:
//
//	accept → AuthConnect → select endpoint → connect → OnConnect
//	                                                     ↓
//	                        teardown (closed, read_error, ...) → OnDisconnect
//
// # Handler Methods
//
//   - AuthConnect: admission control. An error rejects the client before an
//     upstream is chosen, so rejected clients never count against a policy.
//   - OnConnect: the upstream connection is ready and relaying starts.
//   - OnDisconnect: both sockets are closed; Context.Reason says why.
//
// # Context
//
// The Context struct carries session metadata across all handler calls:
//   - SessionID: unique identifier for this connection
//   - PairID: registry handle, set once the pair exists
//   - RemoteAddr: client's network address
//   - Endpoint: selected upstream
//   - Reason: teardown reason, set for OnDisconnect
//   - ConnectedAt: accept time
//
// # Implementation
//
// Hooks run on the single event loop goroutine, so an implementation that
// blocks stalls every connection. The NoopHandler provides a pass-through
// implementation for testing or when no admission control is needed.
//
// # Example
//
//	type AllowList struct {
//		allowed map[string]bool
//	}
//
//	func (h *AllowList) AuthConnect(ctx context.Context, hctx *handler.Context) error {
//		host, _, _ := net.SplitHostPort(hctx.RemoteAddr)
//		if !h.allowed[host] {
//			return errors.New("client not allowed")
//		}
//		return nil
//	}
package handler
