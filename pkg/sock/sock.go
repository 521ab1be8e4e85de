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

// ErrWouldBlock is returned when a non-blocking call has nothing to do yet.
var ErrWouldBlock = errors.New("operation would block")

// Socket is a connected non-blocking TCP socket.
type Socket struct {
	fd   int
	peer netip.AddrPort
}

// Fd returns the underlying descriptor.
func (s *Socket) Fd() int {
	return s.fd
}

// RemoteAddr returns the address of the remote end.
func (s *Socket) RemoteAddr() netip.AddrPort {
	return s.peer
}

// Read reads into b. It returns (0, nil) once the peer has shut down its
// side and ErrWouldBlock if no data is pending.
func (s *Socket) Read(b []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, b)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		default:
			return 0, fmt.Errorf("read fd %d: %w", s.fd, err)
		}
	}
}

// Write writes as much of b as the send buffer accepts. A short count is
// returned together with ErrWouldBlock when the buffer is full.
func (s *Socket) Write(b []byte) (int, error) {
	for {
		n, err := unix.Write(s.fd, b)
		if n < 0 {
			n = 0
		}
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return n, ErrWouldBlock
		default:
			return n, fmt.Errorf("write fd %d: %w", s.fd, err)
		}
	}
}

// Close closes the descriptor.
func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

// ConnectError reports the outcome of a non-blocking connect on fd once it
// has become writable.
func ConnectError(fd int) error {
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// sockaddr converts a resolved TCP address into the family and sockaddr
// expected by socket(2) and bind(2)/connect(2). A nil IP binds to 0.0.0.0.
func sockaddr(addr *net.TCPAddr) (int, unix.Sockaddr, error) {
	if addr.IP == nil || addr.IP.To4() != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if addr.IP != nil {
			copy(sa.Addr[:], addr.IP.To4())
		}
		return unix.AF_INET, sa, nil
	}
	if ip := addr.IP.To16(); ip != nil {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip)
		if addr.Zone != "" {
			if iface, err := net.InterfaceByName(addr.Zone); err == nil {
				sa.ZoneId = uint32(iface.Index)
			}
		}
		return unix.AF_INET6, sa, nil
	}
	return 0, nil, fmt.Errorf("unsupported address %s: %w", addr, unix.EAFNOSUPPORT)
}

func addrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
