// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/lbproxy"
	lberrors "github.com/absmach/lbproxy/pkg/errors"
	"github.com/absmach/lbproxy/pkg/handler"
	"github.com/absmach/lbproxy/pkg/ratelimit"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRateLimitedHandlerDisabled(t *testing.T) {
	h := NewRateLimitedHandler(&handler.NoopHandler{}, lbproxy.Config{}, discardLogger())
	assert.Nil(t, h.global)
	assert.Nil(t, h.perClient)

	hctx := &handler.Context{RemoteAddr: "127.0.0.1:4000"}
	for i := 0; i < 100; i++ {
		assert.NoError(t, h.AuthConnect(context.Background(), hctx))
	}
}

func TestRateLimitedHandlerGlobal(t *testing.T) {
	clk := clock.NewMock()
	cfg := lbproxy.Config{AcceptRate: 1, AcceptBurst: 2}
	h := NewRateLimitedHandler(&handler.NoopHandler{}, cfg, discardLogger(), ratelimit.WithClock(clk))

	ctx := context.Background()
	assert.NoError(t, h.AuthConnect(ctx, &handler.Context{RemoteAddr: "10.0.0.1:1"}))
	assert.NoError(t, h.AuthConnect(ctx, &handler.Context{RemoteAddr: "10.0.0.2:1"}))
	assert.ErrorIs(t, h.AuthConnect(ctx, &handler.Context{RemoteAddr: "10.0.0.3:1"}), lberrors.ErrRateLimited)

	clk.Add(time.Second)
	assert.NoError(t, h.AuthConnect(ctx, &handler.Context{RemoteAddr: "10.0.0.3:1"}))
}

func TestRateLimitedHandlerPerClient(t *testing.T) {
	clk := clock.NewMock()
	cfg := lbproxy.Config{ClientRate: 1, ClientBurst: 1}
	h := NewRateLimitedHandler(&handler.NoopHandler{}, cfg, discardLogger(), ratelimit.WithClock(clk))

	ctx := context.Background()
	assert.NoError(t, h.AuthConnect(ctx, &handler.Context{RemoteAddr: "10.0.0.1:1000"}))
	err := h.AuthConnect(ctx, &handler.Context{RemoteAddr: "10.0.0.1:1001"})
	assert.ErrorIs(t, err, lberrors.ErrRateLimited, "same IP, different port")
	assert.NoError(t, h.AuthConnect(ctx, &handler.Context{RemoteAddr: "10.0.0.2:1000"}))
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := setupLogger(tt.level, "text")
			assert.True(t, logger.Enabled(context.Background(), tt.want))
			assert.False(t, logger.Enabled(context.Background(), tt.want-1))
		})
	}
}
