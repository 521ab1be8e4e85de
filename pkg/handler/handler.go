// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"time"
)

// Teardown reasons reported in Context.Reason.
const (
	ReasonClosed         = "closed"
	ReasonReadError      = "read_error"
	ReasonWriteError     = "write_error"
	ReasonConnectFailed  = "connect_failed"
	ReasonConnectTimeout = "connect_timeout"
)

// Context carries the metadata of one proxied client connection. The same
// value is passed to every hook of a session.
type Context struct {
	// SessionID is a unique identifier for this connection, used to
	// correlate log lines.
	SessionID string

	// PairID is the registry handle of the client/upstream pair. It is
	// zero in AuthConnect, before the pair exists.
	PairID uint64

	// RemoteAddr is the client's network address.
	RemoteAddr string

	// Endpoint is the upstream chosen by the policy. Empty in AuthConnect.
	Endpoint string

	// Reason is set before OnDisconnect to one of the Reason constants.
	Reason string

	// ConnectedAt is when the client was accepted.
	ConnectedAt time.Time
}

// Handler defines admission and notification callbacks for the connection
// lifecycle. All methods run on the event loop goroutine and must not block.
//
// AuthConnect is called right after accept, before an endpoint is selected.
// Returning an error rejects the client: its socket is closed and no upstream
// connection is made.
//
// OnConnect and OnDisconnect are notifications. Their errors are logged and
// never affect the connection.
type Handler interface {
	// AuthConnect authorizes a newly accepted client.
	AuthConnect(ctx context.Context, hctx *Context) error

	// OnConnect is called once the upstream connect has completed.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnDisconnect is called after the pair has been torn down, with
	// hctx.Reason set.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that allows all operations.
// Useful for testing or when no admission control is needed.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
