// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for lbproxy.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the connection is not part of any registered pair.
	ErrNotFound = errors.New("connection not registered")

	// ErrNoEndpoints indicates an empty upstream endpoint list.
	ErrNoEndpoints = errors.New("no upstream endpoints configured")

	// ErrDuplicateEndpoint indicates the same endpoint was configured twice.
	ErrDuplicateEndpoint = errors.New("duplicate upstream endpoint")

	// ErrInvalidEndpoint indicates a malformed host:port endpoint.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrUnknownPolicy indicates a policy name or kind outside the supported set.
	ErrUnknownPolicy = errors.New("unknown balancing policy")

	// ErrConnectTimeout indicates an upstream connect did not complete in time.
	ErrConnectTimeout = errors.New("upstream connect timeout")

	// ErrWriteTimeout indicates a peer did not accept relayed bytes in time.
	ErrWriteTimeout = errors.New("write timeout")

	// ErrRateLimited indicates a client was rejected by an accept limiter.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// ProxyError wraps an error with the pair it happened on.
type ProxyError struct {
	Op         string // Operation that failed (accept, connect, read, write, close)
	Endpoint   string // Upstream endpoint, if already selected
	PairID     uint64 // Pair handle, zero before registration
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.PairID != 0 {
		return fmt.Sprintf("%s [pair %d] %s -> %s: %v", e.Op, e.PairID, e.RemoteAddr, e.Endpoint, e.Err)
	}
	if e.Endpoint != "" {
		return fmt.Sprintf("%s %s -> %s: %v", e.Op, e.RemoteAddr, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError. It returns nil for a nil err.
func New(op, endpoint string, pairID uint64, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:         op,
		Endpoint:   endpoint,
		PairID:     pairID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}
