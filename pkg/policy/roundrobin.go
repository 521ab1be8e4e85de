// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package policy

// RoundRobin cycles through the endpoints in configuration order.
type RoundRobin struct {
	endpoints endpointSet
	next      int
}

var _ Policy = (*RoundRobin)(nil)

// NewRoundRobin creates a round-robin policy. The first Select returns
// endpoints[0].
func NewRoundRobin(endpoints []Endpoint) (*RoundRobin, error) {
	set, err := newEndpointSet(endpoints)
	if err != nil {
		return nil, err
	}
	return &RoundRobin{endpoints: set, next: -1}, nil
}

func (r *RoundRobin) Select() Endpoint {
	r.next = (r.next + 1) % r.endpoints.len()
	return r.endpoints.list[r.next]
}

// Update is a no-op: round-robin keeps no per-endpoint accounting.
func (r *RoundRobin) Update(Event) {}
