// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package sock

import (
	"errors"
	"fmt"
	"net"

	lberrors "github.com/absmach/lbproxy/pkg/errors"
	"github.com/absmach/lbproxy/pkg/policy"
	"golang.org/x/sys/unix"
)

// Dialer opens non-blocking connections to a fixed set of endpoints.
// Endpoint names are resolved once, when the dialer is created.
type Dialer struct {
	addrs map[policy.Endpoint]*net.TCPAddr
}

// NewDialer resolves every endpoint.
func NewDialer(endpoints []policy.Endpoint) (*Dialer, error) {
	d := &Dialer{addrs: make(map[policy.Endpoint]*net.TCPAddr, len(endpoints))}
	for _, ep := range endpoints {
		addr, err := net.ResolveTCPAddr("tcp", ep.String())
		if err != nil {
			return nil, fmt.Errorf("failed to resolve endpoint %s: %w", ep, err)
		}
		d.addrs[ep] = addr
	}
	return d, nil
}

// Dial starts a connection to ep with TCP_NODELAY set. established is true
// when the connect completed immediately; otherwise the socket becomes
// writable once the attempt finishes and ConnectError reports the outcome.
func (d *Dialer) Dial(ep policy.Endpoint) (*Socket, bool, error) {
	addr, ok := d.addrs[ep]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s is not configured", lberrors.ErrInvalidEndpoint, ep)
	}
	family, sa, err := sockaddr(addr)
	if err != nil {
		return nil, false, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(fd)
		return nil, false, fmt.Errorf("failed to set TCP_NODELAY: %w", err)
	}

	s := &Socket{fd: fd, peer: addrPort(sa)}
	for {
		err = unix.Connect(fd, sa)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	switch {
	case err == nil:
		return s, true, nil
	case errors.Is(err, unix.EINPROGRESS):
		return s, false, nil
	default:
		unix.Close(fd)
		return nil, false, fmt.Errorf("connect %s: %w", ep, err)
	}
}
