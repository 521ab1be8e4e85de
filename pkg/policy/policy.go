// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"cmp"
	"fmt"
	"log/slog"
	"strings"

	lberrors "github.com/absmach/lbproxy/pkg/errors"
	"github.com/benbjohnson/clock"
)

// Action is the kind of lifecycle event delivered to a policy.
type Action int

const (
	// Add is emitted when a pair is registered.
	Add Action = iota

	// Remove is emitted when a pair is torn down.
	Remove
)

// String returns a string representation of the action.
func (a Action) String() string {
	switch a {
	case Add:
		return "ADD"
	case Remove:
		return "REMOVE"
	default:
		return "unknown"
	}
}

// Event is a connection lifecycle event. Conn is the pair handle assigned by
// the registry and is stable for the pair's lifetime.
type Event struct {
	Action   Action
	Endpoint Endpoint
	Conn     uint64
}

// Policy selects upstream endpoints and keeps whatever accounting it needs
// to do so.
type Policy interface {
	// Select returns the endpoint for the next client connection.
	// It always returns one of the configured endpoints.
	Select() Endpoint

	// Update applies a lifecycle event. Events for endpoints outside the
	// configured list are ignored.
	Update(ev Event)
}

// Kind enumerates the available policies.
type Kind int

const (
	KindFixed Kind = iota
	KindRoundRobin
	KindLeastConnections
	KindLeastResponseTime
)

var kindNames = map[Kind]string{
	KindFixed:             "fixed",
	KindRoundRobin:        "round_robin",
	KindLeastConnections:  "least_connections",
	KindLeastResponseTime: "least_response_time",
}

var kindAliases = map[string]Kind{
	"fixed":               KindFixed,
	"n2one":               KindFixed,
	"round_robin":         KindRoundRobin,
	"rr":                  KindRoundRobin,
	"least_connections":   KindLeastConnections,
	"lc":                  KindLeastConnections,
	"least_response_time": KindLeastResponseTime,
	"lrt":                 KindLeastResponseTime,
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// ParseKind parses a policy name. Names are case-insensitive and accept
// both the long form and the short alias (rr, lc, lrt, n2one).
func ParseKind(s string) (Kind, error) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", lberrors.ErrUnknownPolicy, s)
	}
	return k, nil
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("%w: %d", lberrors.ErrUnknownPolicy, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

type options struct {
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a policy built by New.
type Option func(*options)

// WithClock sets the time source used by time-based policies.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets the logger used for accounting debug output.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock:  clock.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New builds the policy of the given kind over the ordered endpoint list.
func New(kind Kind, endpoints []Endpoint, opts ...Option) (Policy, error) {
	switch kind {
	case KindFixed:
		return NewFixed(endpoints)
	case KindRoundRobin:
		return NewRoundRobin(endpoints)
	case KindLeastConnections:
		return NewLeastConnections(endpoints, opts...)
	case KindLeastResponseTime:
		return NewLeastResponseTime(endpoints, opts...)
	default:
		return nil, fmt.Errorf("%w: %s", lberrors.ErrUnknownPolicy, kind)
	}
}

// argmin returns the index of the first minimum.
func argmin[T cmp.Ordered](vals []T) int {
	best := 0
	for i := 1; i < len(vals); i++ {
		if vals[i] < vals[best] {
			best = i
		}
	}
	return best
}
