// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package lbproxy holds the load balancer configuration shared by the
// command and embedding applications.
package lbproxy
