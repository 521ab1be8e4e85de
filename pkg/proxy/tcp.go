// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/absmach/lbproxy/pkg/handler"
	"github.com/absmach/lbproxy/pkg/health"
	"github.com/absmach/lbproxy/pkg/metrics"
	"github.com/absmach/lbproxy/pkg/policy"
	"github.com/absmach/lbproxy/pkg/registry"
	"github.com/absmach/lbproxy/pkg/server/tcp"
	"github.com/absmach/lbproxy/pkg/sock"
)

// Health check names registered by HealthChecks.
const (
	CheckEventLoop     = "event_loop"
	CheckPollFreshness = "poll_freshness"
)

var (
	errNotRunning = errors.New("event loop is not running")
	errStalled    = errors.New("event loop has not polled recently")
)

// TCPConfig holds configuration for the TCP load balancer.
type TCPConfig struct {
	Host           string
	Port           string
	Targets        []policy.Endpoint
	Policy         policy.Kind
	PollTimeout    time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	BufferSize     int
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// TCPProxy coordinates the policy, the connection registry and the event
// loop server.
type TCPProxy struct {
	server      *tcp.Server
	policy      policy.Policy
	pollTimeout time.Duration
}

// NewTCP creates a new TCP load balancer. Target names are resolved here,
// once, so the event loop never blocks on DNS.
func NewTCP(cfg TCPConfig, h handler.Handler) (*TCPProxy, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = time.Second
	}

	p, err := policy.New(cfg.Policy, cfg.Targets, policy.WithLogger(cfg.Logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s policy: %w", cfg.Policy, err)
	}

	dialer, err := sock.NewDialer(cfg.Targets)
	if err != nil {
		return nil, err
	}

	serverCfg := tcp.Config{
		Address:        net.JoinHostPort(cfg.Host, cfg.Port),
		PollTimeout:    cfg.PollTimeout,
		BufferSize:     cfg.BufferSize,
		ConnectTimeout: cfg.ConnectTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Logger:         cfg.Logger,
		Metrics:        cfg.Metrics,
	}

	reg := registry.New(p, tcp.DialFunc(dialer))
	server := tcp.New(serverCfg, p, reg, h)

	return &TCPProxy{
		server:      server,
		policy:      p,
		pollTimeout: cfg.PollTimeout,
	}, nil
}

// Listen starts the load balancer and blocks until context is cancelled.
func (p *TCPProxy) Listen(ctx context.Context) error {
	return p.server.Listen(ctx)
}

// Ready is closed once the listener is bound.
func (p *TCPProxy) Ready() <-chan struct{} {
	return p.server.Ready()
}

// Addr returns the bound address once Ready is closed.
func (p *TCPProxy) Addr() netip.AddrPort {
	return p.server.Addr()
}

// ActivePairs returns the number of proxied connections.
func (p *TCPProxy) ActivePairs() int {
	return p.server.ActivePairs()
}

// HealthChecks registers the event loop checks on c. The loop is considered
// stalled when it has not returned from poll for three poll timeouts.
func (p *TCPProxy) HealthChecks(c *health.Checker) {
	c.Register(CheckEventLoop, func(context.Context) error {
		if !p.server.Running() {
			return errNotRunning
		}
		return nil
	})
	c.Register(CheckPollFreshness, func(context.Context) error {
		last := p.server.LastIteration()
		if last.IsZero() {
			return errNotRunning
		}
		if age := time.Since(last); age > 3*p.pollTimeout {
			return fmt.Errorf("%w: last poll %s ago", errStalled, age.Round(time.Millisecond))
		}
		return nil
	})
}
