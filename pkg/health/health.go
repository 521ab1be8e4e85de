// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// DefaultCacheTTL is how long a check result is reused.
const DefaultCacheTTL = time.Second

// Check represents the last result of a single health check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name string
	fn   CheckFunc
}

// Checker runs registered checks in registration order.
type Checker struct {
	mu     sync.Mutex
	clock  clock.Clock
	checks []namedCheck
	cache  map[string]*Check
	ttl    time.Duration
}

// NewChecker creates a new health checker. A zero cacheTTL uses
// DefaultCacheTTL; a nil clk uses the wall clock.
func NewChecker(cacheTTL time.Duration, clk clock.Clock) *Checker {
	if cacheTTL == 0 {
		cacheTTL = DefaultCacheTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Checker{
		clock: clk,
		cache: make(map[string]*Check),
		ttl:   cacheTTL,
	}
}

// Register adds a health check. Registering an existing name replaces it.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.cache, name)
	for i := range c.checks {
		if c.checks[i].name == name {
			c.checks[i].fn = check
			return
		}
	}
	c.checks = append(c.checks, namedCheck{name: name, fn: check})
}

// Health runs every check, reusing results younger than the cache TTL. The
// overall status is unhealthy if any check fails.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	checks := make([]Check, 0, len(c.checks))
	overallStatus := StatusHealthy

	for _, nc := range c.checks {
		check, ok := c.cache[nc.name]
		if !ok || c.clock.Since(check.LastChecked) >= c.ttl {
			check = c.run(ctx, nc)
			c.cache[nc.name] = check
		}
		if check.Status != StatusHealthy {
			overallStatus = StatusUnhealthy
		}
		checks = append(checks, *check)
	}

	return overallStatus, checks
}

func (c *Checker) run(ctx context.Context, nc namedCheck) *Check {
	start := c.clock.Now()
	err := nc.fn(ctx)

	check := &Check{
		Name:        nc.name,
		Status:      StatusHealthy,
		LastChecked: c.clock.Now(),
		Duration:    c.clock.Since(start),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// HTTPHandler returns an HTTP handler reporting every check.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)
		writeJSON(w, status, map[string]interface{}{
			"status": status,
			"checks": checks,
		})
	}
}

// ReadinessHandler returns a readiness probe handler.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, _ := c.Health(ctx)
		ready := "ready"
		if status != StatusHealthy {
			ready = "not ready"
		}
		writeJSON(w, status, map[string]string{"status": ready})
	}
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, StatusHealthy, map[string]string{"status": "alive"})
	}
}

func writeJSON(w http.ResponseWriter, status Status, body any) {
	w.Header().Set("Content-Type", "application/json")
	if status == StatusHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}
