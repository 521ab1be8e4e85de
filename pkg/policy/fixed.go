// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package policy

// Fixed always routes to the first configured endpoint.
type Fixed struct {
	target Endpoint
}

var _ Policy = (*Fixed)(nil)

// NewFixed creates a policy that pins every connection to endpoints[0].
func NewFixed(endpoints []Endpoint) (*Fixed, error) {
	set, err := newEndpointSet(endpoints)
	if err != nil {
		return nil, err
	}
	return &Fixed{target: set.list[0]}, nil
}

func (f *Fixed) Select() Endpoint {
	return f.target
}

func (f *Fixed) Update(Event) {}
