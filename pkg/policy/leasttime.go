// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

type pendingKey struct {
	endpoint int
	conn     uint64
}

// LeastResponseTime routes to the endpoint whose completed pairs have the
// lowest mean lifetime, measured from Add to Remove.
//
// The mean covers every completed pair but is folded in incrementally, so
// only a counter and the current mean are kept per endpoint.
type LeastResponseTime struct {
	endpoints endpointSet
	means     []float64 // nanoseconds
	samples   []uint64
	pending   map[pendingKey]time.Time
	clock     clock.Clock
	logger    *slog.Logger
}

var _ Policy = (*LeastResponseTime)(nil)

// NewLeastResponseTime creates a least-response-time policy with every mean
// at zero. Until endpoints have completed pairs, ties favor the endpoints
// configured first.
func NewLeastResponseTime(endpoints []Endpoint, opts ...Option) (*LeastResponseTime, error) {
	set, err := newEndpointSet(endpoints)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &LeastResponseTime{
		endpoints: set,
		means:     make([]float64, set.len()),
		samples:   make([]uint64, set.len()),
		pending:   make(map[pendingKey]time.Time),
		clock:     o.clock,
		logger:    o.logger,
	}, nil
}

func (l *LeastResponseTime) Select() Endpoint {
	i := argmin(l.means)
	ep := l.endpoints.list[i]
	l.logger.Debug("selected endpoint",
		slog.String("endpoint", ep.String()),
		slog.Duration("mean_response_time", time.Duration(l.means[i])))
	return ep
}

// Update records the start time on Add. On Remove it folds the elapsed time
// into the endpoint's mean; a Remove with no matching Add is ignored.
func (l *LeastResponseTime) Update(ev Event) {
	i, ok := l.endpoints.indexOf(ev.Endpoint)
	if !ok {
		return
	}
	key := pendingKey{endpoint: i, conn: ev.Conn}

	switch ev.Action {
	case Add:
		l.pending[key] = l.clock.Now()
	case Remove:
		start, ok := l.pending[key]
		if !ok {
			return
		}
		delete(l.pending, key)

		elapsed := float64(l.clock.Since(start))
		l.samples[i]++
		l.means[i] += (elapsed - l.means[i]) / float64(l.samples[i])
	}
}

// Mean returns the current mean response time for ep.
func (l *LeastResponseTime) Mean(ep Endpoint) time.Duration {
	i, ok := l.endpoints.indexOf(ep)
	if !ok {
		return 0
	}
	return time.Duration(l.means[i])
}

// Pending returns the number of pairs awaiting their Remove event.
func (l *LeastResponseTime) Pending() int {
	return len(l.pending)
}
