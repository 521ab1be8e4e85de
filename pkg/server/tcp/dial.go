// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package tcp

import (
	"github.com/absmach/lbproxy/pkg/policy"
	"github.com/absmach/lbproxy/pkg/registry"
	"github.com/absmach/lbproxy/pkg/sock"
)

// DialFunc adapts d for use by a registry.
func DialFunc(d *sock.Dialer) registry.DialFunc {
	return func(ep policy.Endpoint) (registry.Conn, bool, error) {
		s, established, err := d.Dial(ep)
		if err != nil {
			return nil, false, err
		}
		return s, established, nil
	}
}
