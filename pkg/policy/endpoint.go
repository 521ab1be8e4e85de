// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"net"
	"strconv"

	lberrors "github.com/absmach/lbproxy/pkg/errors"
)

// Endpoint identifies one upstream server.
type Endpoint struct {
	Host string
	Port uint16
}

// ParseEndpoint parses a host:port pair.
func ParseEndpoint(s string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w %q: %v", lberrors.ErrInvalidEndpoint, s, err)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w %q: missing host", lberrors.ErrInvalidEndpoint, s)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return Endpoint{}, fmt.Errorf("%w %q: bad port", lberrors.ErrInvalidEndpoint, s)
	}
	return Endpoint{Host: host, Port: uint16(p)}, nil
}

// ParseEndpoints parses an ordered list of host:port pairs.
func ParseEndpoints(addrs []string) ([]Endpoint, error) {
	eps := make([]Endpoint, 0, len(addrs))
	for _, a := range addrs {
		ep, err := ParseEndpoint(a)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// MarshalText implements encoding.TextMarshaler.
func (e Endpoint) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Endpoint) UnmarshalText(text []byte) error {
	ep, err := ParseEndpoint(string(text))
	if err != nil {
		return err
	}
	*e = ep
	return nil
}

// endpointSet is the fixed, ordered endpoint list plus a reverse index.
type endpointSet struct {
	list  []Endpoint
	index map[Endpoint]int
}

func newEndpointSet(eps []Endpoint) (endpointSet, error) {
	if len(eps) == 0 {
		return endpointSet{}, lberrors.ErrNoEndpoints
	}
	s := endpointSet{
		list:  make([]Endpoint, len(eps)),
		index: make(map[Endpoint]int, len(eps)),
	}
	for i, ep := range eps {
		if _, ok := s.index[ep]; ok {
			return endpointSet{}, fmt.Errorf("%w: %s", lberrors.ErrDuplicateEndpoint, ep)
		}
		s.list[i] = ep
		s.index[ep] = i
	}
	return s, nil
}

func (s endpointSet) indexOf(ep Endpoint) (int, bool) {
	i, ok := s.index[ep]
	return i, ok
}

func (s endpointSet) len() int {
	return len(s.list)
}
