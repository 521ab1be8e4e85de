// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sock wraps the raw non-blocking socket calls used by the event
// loop: listening, accepting, non-blocking connects and readiness polling.
//
// Every descriptor created here is non-blocking and close-on-exec. Calls that
// cannot make progress return ErrWouldBlock instead of parking the caller, so
// the single loop that owns all descriptors never stalls on one of them.
package sock
