// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package sock

import (
	"errors"
	"fmt"
	"io"
	"time"

	lberrors "github.com/absmach/lbproxy/pkg/errors"
	"golang.org/x/sys/unix"
)

// Poll event bits.
const (
	PollIn   = unix.POLLIN
	PollOut  = unix.POLLOUT
	PollErr  = unix.POLLERR
	PollHup  = unix.POLLHUP
	PollNval = unix.POLLNVAL
)

// Poll waits up to timeout for readiness on fds. A negative timeout blocks
// indefinitely. An interrupted wait returns (0, nil).
func Poll(fds []unix.PollFd, timeout time.Duration) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	n, err := unix.Poll(fds, ms)
	if errors.Is(err, unix.EINTR) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("poll: %w", err)
	}
	return n, nil
}

// FdWriter is a writer bound to a descriptor.
type FdWriter interface {
	io.Writer
	Fd() int
}

// WriteAll writes all of b to w. When the send buffer is full it waits for
// writability, giving up with ErrWriteTimeout once timeout has elapsed
// without the whole buffer being written.
func WriteAll(w FdWriter, b []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for len(b) > 0 {
		n, err := w.Write(b)
		b = b[n:]
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrWouldBlock) {
			return err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return lberrors.ErrWriteTimeout
		}
		fds := []unix.PollFd{{Fd: int32(w.Fd()), Events: PollOut}}
		if _, err := Poll(fds, remaining); err != nil {
			return err
		}
		if fds[0].Revents&(PollErr|PollNval) != 0 {
			return fmt.Errorf("write fd %d: %w", w.Fd(), unix.EPIPE)
		}
	}
	return nil
}
