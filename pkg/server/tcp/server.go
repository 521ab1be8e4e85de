// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	lberrors "github.com/absmach/lbproxy/pkg/errors"
	"github.com/absmach/lbproxy/pkg/handler"
	"github.com/absmach/lbproxy/pkg/metrics"
	"github.com/absmach/lbproxy/pkg/policy"
	"github.com/absmach/lbproxy/pkg/registry"
	"github.com/absmach/lbproxy/pkg/sock"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Rejection reasons for clients closed before a pair exists.
const (
	rejectAuth        = "auth"
	rejectRateLimited = "rate_limited"
	rejectDialFailed  = "dial_failed"
	rejectAcceptError = "accept_error"
)

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// PollTimeout bounds each wait for readiness, and so how quickly a
	// cancelled context is noticed.
	PollTimeout time.Duration

	// BufferSize is the maximum number of bytes relayed per read.
	BufferSize int

	// ConnectTimeout is how long an upstream connect may stay in progress.
	ConnectTimeout time.Duration

	// WriteTimeout is how long a relay write may wait for a full send buffer.
	WriteTimeout time.Duration

	// Backlog is the listen queue length.
	Backlog int

	// Logger for server events
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Server is a single-threaded load-balancing TCP relay. One goroutine owns
// the listener, the registry and the policy and multiplexes them with poll.
type Server struct {
	config   Config
	policy   policy.Policy
	registry *registry.Registry
	handler  handler.Handler

	sessions map[registry.PairID]*handler.Context
	buf      []byte

	ready    chan struct{}
	addr     netip.AddrPort
	running  atomic.Bool
	lastIter atomic.Int64
	active   atomic.Int64
}

// New creates a new TCP server. The registry must report lifecycle events to
// the same policy that is passed in.
func New(cfg Config, p policy.Policy, r *registry.Registry, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = unix.SOMAXCONN
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	return &Server{
		config:   cfg,
		policy:   p,
		registry: r,
		handler:  h,
		sessions: make(map[registry.PairID]*handler.Context),
		buf:      make([]byte, cfg.BufferSize),
		ready:    make(chan struct{}),
	}
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address. It is valid once Ready is closed.
func (s *Server) Addr() netip.AddrPort {
	return s.addr
}

// Running reports whether the event loop is active.
func (s *Server) Running() bool {
	return s.running.Load()
}

// LastIteration returns when poll last returned.
func (s *Server) LastIteration() time.Time {
	ns := s.lastIter.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// ActivePairs returns the number of registered pairs.
func (s *Server) ActivePairs() int {
	return int(s.active.Load())
}

// Listen binds the listener and runs the event loop until ctx is cancelled.
// It returns nil after a cancellation and an error if the listener cannot be
// set up or polling fails. Individual connection failures never end the loop.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := sock.Listen(s.config.Address, s.config.Backlog)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	addr, err := ln.Addr()
	if err != nil {
		ln.Close()
		return fmt.Errorf("failed to read listener address: %w", err)
	}
	s.addr = addr

	s.config.Logger.Info("TCP load balancer started", slog.String("address", addr.String()))
	s.running.Store(true)
	close(s.ready)
	defer s.shutdown(ln)

	for {
		watches := s.registry.WatchSet()
		fds := pollSet(ln.Fd(), watches)

		n, err := sock.Poll(fds, s.config.PollTimeout)
		if err != nil {
			return fmt.Errorf("event loop on %s: %w", addr, err)
		}
		s.lastIter.Store(time.Now().UnixNano())
		s.config.Metrics.Iteration(len(fds))

		if ctx.Err() != nil {
			s.config.Logger.Info("shutdown signal received, closing listener")
			return nil
		}

		s.expireConnects(ctx)
		if n == 0 {
			continue
		}

		if rev := fds[0].Revents; rev != 0 {
			if rev&(sock.PollErr|sock.PollNval) != 0 {
				return lberrors.New("listen", "", 0, addr.String(), fmt.Errorf("listener poll error (revents %#x)", rev))
			}
			if rev&sock.PollIn != 0 {
				s.accept(ctx, ln)
			}
		}

		for i, w := range watches {
			if rev := fds[i+1].Revents; rev != 0 {
				s.dispatch(ctx, w, rev)
			}
		}
	}
}

// pollSet places the listener in slot 0 followed by the registry's slots.
func pollSet(listener int, watches []registry.Watch) []unix.PollFd {
	fds := make([]unix.PollFd, 0, len(watches)+1)
	fds = append(fds, unix.PollFd{Fd: int32(listener), Events: sock.PollIn})
	for _, w := range watches {
		fds = append(fds, unix.PollFd{Fd: int32(w.Fd), Events: w.Events})
	}
	return fds
}

func (s *Server) accept(ctx context.Context, ln *sock.Listener) {
	client, err := ln.Accept()
	if errors.Is(err, sock.ErrWouldBlock) {
		return
	}
	if err != nil {
		s.config.Logger.Warn("failed to accept connection", slog.String("error", err.Error()))
		s.config.Metrics.Reject(rejectAcceptError)
		return
	}

	hctx := &handler.Context{
		SessionID:   uuid.New().String(),
		RemoteAddr:  client.RemoteAddr().String(),
		ConnectedAt: time.Now(),
	}

	if err := s.handler.AuthConnect(ctx, hctx); err != nil {
		reason := rejectAuth
		if errors.Is(err, lberrors.ErrRateLimited) {
			reason = rejectRateLimited
		}
		s.config.Logger.Debug("connection rejected",
			slog.String("session", hctx.SessionID),
			slog.String("client", hctx.RemoteAddr),
			slog.String("error", err.Error()))
		s.config.Metrics.Reject(reason)
		client.Close()
		return
	}

	ep := s.policy.Select()
	s.config.Metrics.Selected(ep.String())

	p, err := s.registry.Add(client, ep)
	if err != nil {
		s.config.Logger.Warn("failed to connect upstream",
			slog.String("session", hctx.SessionID),
			slog.String("client", hctx.RemoteAddr),
			slog.String("error", err.Error()))
		s.config.Metrics.DialFailed(ep.String())
		s.config.Metrics.Reject(rejectDialFailed)
		client.Close()
		return
	}

	hctx.PairID = uint64(p.ID)
	hctx.Endpoint = ep.String()
	s.sessions[p.ID] = hctx
	s.active.Add(1)
	s.config.Metrics.PairOpened(hctx.Endpoint)

	s.config.Logger.Debug("connection accepted",
		slog.String("session", hctx.SessionID),
		slog.Uint64("pair", hctx.PairID),
		slog.String("client", hctx.RemoteAddr),
		slog.String("backend", hctx.Endpoint),
		slog.String("state", p.State.String()))

	if p.State == registry.Established {
		s.connected(ctx, hctx)
	}
}

// dispatch handles the readiness of one watched descriptor. Slots whose
// descriptor no longer belongs to the pair they were built for are skipped.
func (s *Server) dispatch(ctx context.Context, w registry.Watch, rev int16) {
	p, side, ok := s.registry.Lookup(w.Fd)
	if !ok || p.ID != w.Pair {
		s.config.Logger.Debug("skipping stale poll slot",
			slog.Int("fd", w.Fd),
			slog.Uint64("pair", uint64(w.Pair)))
		return
	}

	if p.State == registry.Connecting {
		if side == registry.UpstreamSide {
			s.finishConnect(ctx, p, rev)
			return
		}
		if rev&(sock.PollHup|sock.PollErr|sock.PollNval) != 0 {
			s.teardown(ctx, p.ID, handler.ReasonClosed, nil)
		}
		return
	}

	if rev&sock.PollNval != 0 {
		s.teardown(ctx, p.ID, handler.ReasonReadError, unix.EBADF)
		return
	}
	s.relay(ctx, p, side)
}

func (s *Server) finishConnect(ctx context.Context, p *registry.Pair, rev int16) {
	err := sock.ConnectError(p.Upstream.Fd())
	if err == nil && rev&sock.PollOut == 0 {
		err = fmt.Errorf("connect failed (revents %#x)", rev)
	}
	if err != nil {
		s.teardown(ctx, p.ID, handler.ReasonConnectFailed, err)
		return
	}

	if err := s.registry.Established(p.ID); err != nil {
		s.config.Logger.Debug("pair vanished before connect completed", slog.String("error", err.Error()))
		return
	}
	if hctx, ok := s.sessions[p.ID]; ok {
		s.connected(ctx, hctx)
	}
}

func (s *Server) connected(ctx context.Context, hctx *handler.Context) {
	s.config.Logger.Debug("connection established",
		slog.String("session", hctx.SessionID),
		slog.String("client", hctx.RemoteAddr),
		slog.String("backend", hctx.Endpoint))

	s.config.Metrics.Connected(hctx.Endpoint)
	if err := s.handler.OnConnect(ctx, hctx); err != nil {
		s.config.Logger.Error("connect handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}
}

// relay forwards one read from the ready side of p to its peer.
func (s *Server) relay(ctx context.Context, p *registry.Pair, side registry.Side) {
	src, dst := p.Conn(side), p.Peer(side)

	n, err := src.Read(s.buf)
	switch {
	case errors.Is(err, sock.ErrWouldBlock):
		return
	case err != nil:
		s.teardown(ctx, p.ID, handler.ReasonReadError, err)
		return
	case n == 0:
		s.teardown(ctx, p.ID, handler.ReasonClosed, nil)
		return
	}

	if err := sock.WriteAll(dst, s.buf[:n], s.config.WriteTimeout); err != nil {
		s.teardown(ctx, p.ID, handler.ReasonWriteError, err)
		return
	}

	dir := metrics.DirectionUpstream
	if side == registry.UpstreamSide {
		dir = metrics.DirectionDownstream
	}
	s.config.Metrics.Relayed(p.Endpoint.String(), dir, n)
}

func (s *Server) expireConnects(ctx context.Context) {
	for _, id := range s.registry.Stale(s.config.ConnectTimeout) {
		s.teardown(ctx, id, handler.ReasonConnectTimeout, lberrors.ErrConnectTimeout)
	}
}

// teardown removes the pair, closing both ends, and notifies the handler.
// ActivePairs drops only once OnDisconnect has returned.
func (s *Server) teardown(ctx context.Context, id registry.PairID, reason string, cause error) {
	p, err := s.registry.Remove(id)
	if errors.Is(err, lberrors.ErrNotFound) {
		s.config.Logger.Debug("pair already torn down", slog.Uint64("pair", uint64(id)))
		return
	}

	hctx, ok := s.sessions[id]
	if !ok {
		hctx = &handler.Context{PairID: uint64(id), Endpoint: p.Endpoint.String(), ConnectedAt: p.Created}
	}
	delete(s.sessions, id)
	hctx.Reason = reason
	s.config.Metrics.PairClosed(hctx.Endpoint, reason, time.Since(hctx.ConnectedAt))

	if err != nil {
		s.config.Logger.Warn("error closing pair",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}

	attrs := []any{
		slog.String("session", hctx.SessionID),
		slog.Uint64("pair", hctx.PairID),
		slog.String("client", hctx.RemoteAddr),
		slog.String("backend", hctx.Endpoint),
		slog.String("reason", reason),
	}
	if cause != nil {
		perr := lberrors.New(reason, hctx.Endpoint, hctx.PairID, hctx.RemoteAddr, cause)
		s.config.Logger.Warn("connection closed", append(attrs, slog.String("error", perr.Error()))...)
	} else {
		s.config.Logger.Debug("connection closed", attrs...)
	}

	if err := s.handler.OnDisconnect(ctx, hctx); err != nil {
		s.config.Logger.Error("disconnect handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}
	s.active.Add(-1)
}

// shutdown closes the listener and releases every pair without draining.
func (s *Server) shutdown(ln *sock.Listener) {
	s.running.Store(false)

	if err := ln.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}

	released := s.registry.Len()
	if err := s.registry.Close(); err != nil {
		s.config.Logger.Warn("error releasing connections", slog.String("error", err.Error()))
	}
	s.sessions = make(map[registry.PairID]*handler.Context)
	s.active.Store(0)

	s.config.Logger.Info("TCP load balancer stopped", slog.Int("released", released))
}
