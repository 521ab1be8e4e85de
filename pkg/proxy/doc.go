// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy provides the high-level coordinator that wires together the
// balancing policy, the connection registry, the event loop and a handler.
//
// # Overview
//
// TCPProxy is a convenience wrapper over the core components:
//  1. Policy (pkg/policy): picks an upstream for each new client
//  2. Registry (pkg/registry): owns client/upstream pairs
//  3. Server (pkg/server/tcp): the poll-driven event loop
//  4. Handler (pkg/handler): application hooks
//
// # Architecture
//
//	Application
//	     ↓
//	┌─────────────┐
//	│  TCPProxy   │  (Coordinator)
//	└─────────────┘
//	     ↓
//	┌─────────────┐     ┌──────────┐
//	│   Server    │ ──→ │ Registry │ ──→ Policy
//	└─────────────┘     └──────────┘
//	     ↓
//	┌─────────────┐
//	│   Handler   │  (Hooks)
//	└─────────────┘
//
// # Usage Pattern
//
//	targets, _ := policy.ParseEndpoints([]string{"10.0.0.1:80", "10.0.0.2:80"})
//
//	lb, err := proxy.NewTCP(proxy.TCPConfig{
//		Host:    "0.0.0.0",
//		Port:    "8080",
//		Targets: targets,
//		Policy:  policy.KindLeastConnections,
//	}, &handler.NoopHandler{})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if err := lb.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// # Health
//
// HealthChecks registers two checks on a health.Checker: event_loop fails
// when the loop is not running and poll_freshness fails when poll has not
// returned for three poll timeouts.
package proxy
