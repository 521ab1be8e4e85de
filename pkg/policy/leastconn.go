// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"log/slog"
)

// LeastConnections routes to the endpoint with the fewest open pairs.
type LeastConnections struct {
	endpoints endpointSet
	counts    []int
	logger    *slog.Logger
}

var _ Policy = (*LeastConnections)(nil)

// NewLeastConnections creates a least-connections policy with all counters
// at zero.
func NewLeastConnections(endpoints []Endpoint, opts ...Option) (*LeastConnections, error) {
	set, err := newEndpointSet(endpoints)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &LeastConnections{
		endpoints: set,
		counts:    make([]int, set.len()),
		logger:    o.logger,
	}, nil
}

// Select returns the endpoint with the lowest counter. Ties go to the
// endpoint configured first.
func (l *LeastConnections) Select() Endpoint {
	return l.endpoints.list[argmin(l.counts)]
}

// Update increments on Add and decrements on Remove. There is no floor: a
// Remove that arrives without its Add drives the counter negative.
func (l *LeastConnections) Update(ev Event) {
	i, ok := l.endpoints.indexOf(ev.Endpoint)
	if !ok {
		return
	}
	switch ev.Action {
	case Add:
		l.counts[i]++
	case Remove:
		l.counts[i]--
	}

	if l.logger.Enabled(context.Background(), slog.LevelDebug) {
		attrs := make([]any, 0, len(l.counts))
		for j, ep := range l.endpoints.list {
			attrs = append(attrs, slog.Int(ep.String(), l.counts[j]))
		}
		l.logger.Debug("open connections", slog.Group("counts", attrs...))
	}
}

// Count returns the open-connection counter for ep.
func (l *LeastConnections) Count(ep Endpoint) int {
	i, ok := l.endpoints.indexOf(ep)
	if !ok {
		return 0
	}
	return l.counts[i]
}
