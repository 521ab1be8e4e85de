// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/lbproxy"
	lberrors "github.com/absmach/lbproxy/pkg/errors"
	"github.com/absmach/lbproxy/pkg/handler"
	"github.com/absmach/lbproxy/pkg/ratelimit"
)

var _ handler.Handler = (*RateLimitedHandler)(nil)

// RateLimitedHandler wraps a handler with accept rate limiting.
type RateLimitedHandler struct {
	handler   handler.Handler
	global    *ratelimit.TokenBucket
	perClient *ratelimit.Limiter
	logger    *slog.Logger
}

// NewRateLimitedHandler wraps h with the limiters enabled in cfg. A limiter
// whose rate is zero is left out.
func NewRateLimitedHandler(h handler.Handler, cfg lbproxy.Config, logger *slog.Logger, opts ...ratelimit.Option) *RateLimitedHandler {
	rh := &RateLimitedHandler{handler: h, logger: logger}
	if cfg.AcceptRate > 0 {
		rh.global = ratelimit.NewTokenBucket(cfg.AcceptRate, cfg.AcceptBurst, opts...)
	}
	if cfg.ClientRate > 0 {
		rh.perClient = ratelimit.NewLimiter(cfg.ClientRate, cfg.ClientBurst, ratelimit.DefaultMaxClients, opts...)
	}
	return rh
}

// AuthConnect implements handler.Handler with rate limiting.
func (h *RateLimitedHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	// Check global rate limit
	if h.global != nil && !h.global.Allow() {
		h.logger.Warn("global accept rate exceeded",
			slog.String("remote", hctx.RemoteAddr))
		return fmt.Errorf("%w: global", lberrors.ErrRateLimited)
	}

	// Check per-client rate limit, keyed by client IP
	if h.perClient != nil {
		clientID := hctx.RemoteAddr
		if host, _, err := net.SplitHostPort(hctx.RemoteAddr); err == nil {
			clientID = host
		}
		if !h.perClient.Allow(clientID) {
			h.logger.Warn("per-client accept rate exceeded",
				slog.String("client", clientID))
			return fmt.Errorf("%w: client %s", lberrors.ErrRateLimited, clientID)
		}
	}

	return h.handler.AuthConnect(ctx, hctx)
}

// OnConnect implements handler.Handler.
func (h *RateLimitedHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnConnect(ctx, hctx)
}

// OnDisconnect implements handler.Handler.
func (h *RateLimitedHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnDisconnect(ctx, hctx)
}

// evictIdleClients drops per-client buckets that have been idle for a full
// interval, until ctx is done.
func evictIdleClients(ctx context.Context, h *RateLimitedHandler, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := h.perClient.Evict(interval); n > 0 {
				h.logger.Debug("evicted idle rate limit buckets", slog.Int("count", n))
			}
		}
	}
}
