// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"errors"
	"fmt"
	"time"

	lberrors "github.com/absmach/lbproxy/pkg/errors"
	"github.com/absmach/lbproxy/pkg/policy"
	"github.com/benbjohnson/clock"
)

// Poll interest bits, numerically identical to POLLIN/POLLOUT on Linux and
// the BSDs.
const (
	EventRead  int16 = 0x1
	EventWrite int16 = 0x4
)

// Conn is one end of a pair. Read returns (0, nil) on orderly shutdown by
// the remote side.
type Conn interface {
	Fd() int
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
}

// DialFunc starts a connection to ep. established reports whether the
// connect already completed; otherwise completion is signalled by the
// socket becoming writable.
type DialFunc func(ep policy.Endpoint) (conn Conn, established bool, err error)

// PairID is the stable handle of a pair. IDs start at 1 and are never reused.
type PairID uint64

// State is the pair's connect state.
type State int

const (
	Connecting State = iota
	Established
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Established:
		return "established"
	default:
		return "unknown"
	}
}

// Side tells which end of a pair a descriptor belongs to.
type Side int

const (
	ClientSide Side = iota
	UpstreamSide
)

func (s Side) String() string {
	if s == ClientSide {
		return "client"
	}
	return "upstream"
}

// Pair binds a client connection to the upstream connection opened for it.
type Pair struct {
	ID       PairID
	Client   Conn
	Upstream Conn
	Endpoint policy.Endpoint
	State    State
	Created  time.Time
}

// Conn returns the pair's connection on the given side.
func (p *Pair) Conn(side Side) Conn {
	if side == ClientSide {
		return p.Client
	}
	return p.Upstream
}

// Peer returns the connection opposite to side.
func (p *Pair) Peer(side Side) Conn {
	if side == ClientSide {
		return p.Upstream
	}
	return p.Client
}

// Watch is one poll slot. Pair lets the caller detect that a descriptor was
// recycled for a different pair between building the poll set and
// dispatching its result.
type Watch struct {
	Fd     int
	Events int16
	Pair   PairID
}

type ref struct {
	id   PairID
	side Side
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used to stamp pair creation.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// Registry owns the bijection between client and upstream connections.
type Registry struct {
	policy policy.Policy
	dial   DialFunc
	clock  clock.Clock
	pairs  map[PairID]*Pair
	byFd   map[int]ref
	order  []PairID
	last   PairID
}

// New creates an empty registry that reports lifecycle events to p and
// opens upstream connections with dial.
func New(p policy.Policy, dial DialFunc, opts ...Option) *Registry {
	r := &Registry{
		policy: p,
		dial:   dial,
		clock:  clock.New(),
		pairs:  make(map[PairID]*Pair),
		byFd:   make(map[int]ref),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add opens an upstream connection to ep, registers the pair and emits Add.
// On error nothing is registered and the caller keeps ownership of client.
func (r *Registry) Add(client Conn, ep policy.Endpoint) (*Pair, error) {
	if _, ok := r.byFd[client.Fd()]; ok {
		return nil, fmt.Errorf("client fd %d already registered", client.Fd())
	}

	upstream, established, err := r.dial(ep)
	if err != nil {
		return nil, lberrors.New("connect", ep.String(), 0, "", err)
	}

	r.last++
	p := &Pair{
		ID:       r.last,
		Client:   client,
		Upstream: upstream,
		Endpoint: ep,
		State:    Connecting,
		Created:  r.clock.Now(),
	}
	if established {
		p.State = Established
	}

	r.pairs[p.ID] = p
	r.byFd[client.Fd()] = ref{id: p.ID, side: ClientSide}
	r.byFd[upstream.Fd()] = ref{id: p.ID, side: UpstreamSide}
	r.order = append(r.order, p.ID)

	r.policy.Update(policy.Event{Action: policy.Add, Endpoint: ep, Conn: uint64(p.ID)})
	return p, nil
}

// Delete tears down the pair that fd belongs to, from either end. Both
// connections are closed and a single Remove is emitted. It returns
// ErrNotFound if fd is not registered.
func (r *Registry) Delete(fd int) (*Pair, error) {
	entry, ok := r.byFd[fd]
	if !ok {
		return nil, fmt.Errorf("fd %d: %w", fd, lberrors.ErrNotFound)
	}
	return r.Remove(entry.id)
}

// Remove tears down the pair with the given ID. The pair is unregistered
// even when closing its connections fails; close errors are joined.
func (r *Registry) Remove(id PairID) (*Pair, error) {
	p, ok := r.pairs[id]
	if !ok {
		return nil, fmt.Errorf("pair %d: %w", id, lberrors.ErrNotFound)
	}

	r.unregister(p)
	r.policy.Update(policy.Event{Action: policy.Remove, Endpoint: p.Endpoint, Conn: uint64(p.ID)})

	return p, errors.Join(p.Client.Close(), p.Upstream.Close())
}

// Established marks a connecting pair as ready to relay.
func (r *Registry) Established(id PairID) error {
	p, ok := r.pairs[id]
	if !ok {
		return fmt.Errorf("pair %d: %w", id, lberrors.ErrNotFound)
	}
	p.State = Established
	return nil
}

// Lookup returns the pair fd belongs to and which side it is.
func (r *Registry) Lookup(fd int) (*Pair, Side, bool) {
	entry, ok := r.byFd[fd]
	if !ok {
		return nil, 0, false
	}
	return r.pairs[entry.id], entry.side, true
}

// PeerOf returns the connection paired with fd, looked up from either side.
func (r *Registry) PeerOf(fd int) (Conn, bool) {
	p, side, ok := r.Lookup(fd)
	if !ok {
		return nil, false
	}
	return p.Peer(side), true
}

// Stale returns the pairs still connecting after timeout.
func (r *Registry) Stale(timeout time.Duration) []PairID {
	var stale []PairID
	now := r.clock.Now()
	for _, id := range r.order {
		p := r.pairs[id]
		if p.State == Connecting && now.Sub(p.Created) >= timeout {
			stale = append(stale, id)
		}
	}
	return stale
}

// WatchSet returns one poll slot per registered connection, in pair creation
// order. Established pairs are watched for reading on both ends. A connecting
// pair is watched for writability on the upstream end; its client is kept in
// the set with no interest so hang-ups are still reported.
func (r *Registry) WatchSet() []Watch {
	ws := make([]Watch, 0, 2*len(r.order))
	for _, id := range r.order {
		p := r.pairs[id]
		switch p.State {
		case Established:
			ws = append(ws,
				Watch{Fd: p.Client.Fd(), Events: EventRead, Pair: id},
				Watch{Fd: p.Upstream.Fd(), Events: EventRead, Pair: id})
		default:
			ws = append(ws,
				Watch{Fd: p.Client.Fd(), Events: 0, Pair: id},
				Watch{Fd: p.Upstream.Fd(), Events: EventWrite, Pair: id})
		}
	}
	return ws
}

// Len returns the number of registered pairs.
func (r *Registry) Len() int {
	return len(r.pairs)
}

// Close closes every registered connection without emitting Remove events
// and empties the registry.
func (r *Registry) Close() error {
	var errs []error
	for _, id := range r.order {
		p := r.pairs[id]
		errs = append(errs, p.Client.Close(), p.Upstream.Close())
	}
	r.pairs = make(map[PairID]*Pair)
	r.byFd = make(map[int]ref)
	r.order = nil
	return errors.Join(errs...)
}

func (r *Registry) unregister(p *Pair) {
	delete(r.pairs, p.ID)
	delete(r.byFd, p.Client.Fd())
	delete(r.byFd, p.Upstream.Fd())
	for i, id := range r.order {
		if id == p.ID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
