// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package sock

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// DefaultBacklog is the listen queue length used when none is given.
const DefaultBacklog = 128

// Listener is a non-blocking listening socket.
type Listener struct {
	fd int
}

// Listen binds a listening socket to address with SO_REUSEADDR set.
func Listen(address string, backlog int) (*Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", address, err)
	}
	family, sa, err := sockaddr(addr)
	if err != nil {
		return nil, err
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind %s: %w", address, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	return &Listener{fd: fd}, nil
}

// Fd returns the listening descriptor.
func (l *Listener) Fd() int {
	return l.fd
}

// Addr returns the bound local address. It reports the kernel-assigned port
// when listening on port 0.
func (l *Listener) Addr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getsockname: %w", err)
	}
	return addrPort(sa), nil
}

// Accept takes one pending connection off the queue. It returns
// ErrWouldBlock when the queue is empty.
func (l *Listener) Accept() (*Socket, error) {
	for {
		fd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			return &Socket{fd: fd, peer: addrPort(sa)}, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil, ErrWouldBlock
		default:
			return nil, fmt.Errorf("accept: %w", err)
		}
	}
}

// Close closes the listening socket.
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}
