// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"testing"
	"time"

	lberrors "github.com/absmach/lbproxy/pkg/errors"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	epA = Endpoint{Host: "localhost", Port: 9001}
	epB = Endpoint{Host: "localhost", Port: 9002}
	epC = Endpoint{Host: "localhost", Port: 9003}
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    Endpoint
		wantErr bool
	}{
		{in: "localhost:9001", want: epA},
		{in: "10.0.0.1:80", want: Endpoint{Host: "10.0.0.1", Port: 80}},
		{in: "[::1]:443", want: Endpoint{Host: "::1", Port: 443}},
		{in: "localhost", wantErr: true},
		{in: ":80", wantErr: true},
		{in: "host:0", wantErr: true},
		{in: "host:70000", wantErr: true},
		{in: "host:http", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEndpoint(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, lberrors.ErrInvalidEndpoint)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEndpointString(t *testing.T) {
	assert.Equal(t, "localhost:9001", epA.String())
	assert.Equal(t, "[::1]:443", Endpoint{Host: "::1", Port: 443}.String())

	var ep Endpoint
	require.NoError(t, ep.UnmarshalText([]byte("example.com:25")))
	assert.Equal(t, Endpoint{Host: "example.com", Port: 25}, ep)
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"fixed", KindFixed},
		{"N2One", KindFixed},
		{"round_robin", KindRoundRobin},
		{"RR", KindRoundRobin},
		{"least_connections", KindLeastConnections},
		{"lc", KindLeastConnections},
		{" least_response_time ", KindLeastResponseTime},
		{"lrt", KindLeastResponseTime},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseKind("random")
	assert.ErrorIs(t, err, lberrors.ErrUnknownPolicy)

	var k Kind
	require.NoError(t, k.UnmarshalText([]byte("lc")))
	assert.Equal(t, KindLeastConnections, k)
	text, err := k.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "least_connections", string(text))
}

func TestNew(t *testing.T) {
	eps := []Endpoint{epA, epB}

	tests := []struct {
		kind Kind
		want Policy
	}{
		{KindFixed, &Fixed{}},
		{KindRoundRobin, &RoundRobin{}},
		{KindLeastConnections, &LeastConnections{}},
		{KindLeastResponseTime, &LeastResponseTime{}},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			p, err := New(tt.kind, eps)
			require.NoError(t, err)
			assert.IsType(t, tt.want, p)
		})
	}

	_, err := New(Kind(42), eps)
	assert.ErrorIs(t, err, lberrors.ErrUnknownPolicy)

	_, err = New(KindRoundRobin, nil)
	assert.ErrorIs(t, err, lberrors.ErrNoEndpoints)

	_, err = New(KindLeastConnections, []Endpoint{epA, epB, epA})
	assert.ErrorIs(t, err, lberrors.ErrDuplicateEndpoint)
}

func TestFixed(t *testing.T) {
	p, err := NewFixed([]Endpoint{epA, epB, epC})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		p.Update(Event{Action: Add, Endpoint: epA, Conn: uint64(i)})
		assert.Equal(t, epA, p.Select())
	}
}

func TestRoundRobin(t *testing.T) {
	p, err := NewRoundRobin([]Endpoint{epA, epB, epC})
	require.NoError(t, err)

	want := []Endpoint{epA, epB, epC}
	for i := 0; i < 10; i++ {
		assert.Equal(t, want[i%3], p.Select(), "call %d", i)
	}
}

func TestRoundRobinIgnoresEvents(t *testing.T) {
	p, err := NewRoundRobin([]Endpoint{epA, epB})
	require.NoError(t, err)

	assert.Equal(t, epA, p.Select())
	p.Update(Event{Action: Add, Endpoint: epB, Conn: 1})
	p.Update(Event{Action: Remove, Endpoint: epB, Conn: 1})
	assert.Equal(t, epB, p.Select())
	assert.Equal(t, epA, p.Select())
}

func TestLeastConnections(t *testing.T) {
	p, err := NewLeastConnections([]Endpoint{epA, epB})
	require.NoError(t, err)

	assert.Equal(t, epA, p.Select(), "all zero: first endpoint wins")

	p.Update(Event{Action: Add, Endpoint: epA, Conn: 1})
	p.Update(Event{Action: Add, Endpoint: epA, Conn: 2})
	p.Update(Event{Action: Add, Endpoint: epB, Conn: 3})
	assert.Equal(t, 2, p.Count(epA))
	assert.Equal(t, 1, p.Count(epB))
	assert.Equal(t, epB, p.Select())

	p.Update(Event{Action: Remove, Endpoint: epA, Conn: 1})
	assert.Equal(t, 1, p.Count(epA))
	assert.Equal(t, epA, p.Select(), "tie goes to configuration order")
}

func TestLeastConnectionsNoFloor(t *testing.T) {
	p, err := NewLeastConnections([]Endpoint{epA, epB})
	require.NoError(t, err)

	p.Update(Event{Action: Remove, Endpoint: epB, Conn: 9})
	assert.Equal(t, -1, p.Count(epB))
	assert.Equal(t, epB, p.Select())
}

func TestLeastConnectionsUnknownEndpoint(t *testing.T) {
	p, err := NewLeastConnections([]Endpoint{epA, epB})
	require.NoError(t, err)

	p.Update(Event{Action: Add, Endpoint: epC, Conn: 1})
	assert.Equal(t, 0, p.Count(epC))
	assert.Equal(t, 0, p.Count(epA))
	assert.Equal(t, 0, p.Count(epB))
}

func TestLeastResponseTime(t *testing.T) {
	clk := clock.NewMock()
	p, err := NewLeastResponseTime([]Endpoint{epA, epB}, WithClock(clk))
	require.NoError(t, err)

	assert.Equal(t, epA, p.Select(), "unseeded means favor the first endpoint")

	p.Update(Event{Action: Add, Endpoint: epA, Conn: 1})
	clk.Add(10 * time.Millisecond)
	p.Update(Event{Action: Remove, Endpoint: epA, Conn: 1})

	p.Update(Event{Action: Add, Endpoint: epB, Conn: 2})
	clk.Add(5 * time.Millisecond)
	p.Update(Event{Action: Remove, Endpoint: epB, Conn: 2})

	assert.Equal(t, 10*time.Millisecond, p.Mean(epA))
	assert.Equal(t, 5*time.Millisecond, p.Mean(epB))
	assert.Equal(t, epB, p.Select())

	p.Update(Event{Action: Add, Endpoint: epA, Conn: 3})
	clk.Add(30 * time.Millisecond)
	p.Update(Event{Action: Remove, Endpoint: epA, Conn: 3})

	assert.Equal(t, 20*time.Millisecond, p.Mean(epA), "mean over both completed pairs")
	assert.Equal(t, epB, p.Select())
	assert.Equal(t, 0, p.Pending())
}

func TestLeastResponseTimeOverlappingPairs(t *testing.T) {
	clk := clock.NewMock()
	p, err := NewLeastResponseTime([]Endpoint{epA, epB}, WithClock(clk))
	require.NoError(t, err)

	p.Update(Event{Action: Add, Endpoint: epA, Conn: 1})
	clk.Add(4 * time.Millisecond)
	p.Update(Event{Action: Add, Endpoint: epA, Conn: 2})
	assert.Equal(t, 2, p.Pending())

	clk.Add(4 * time.Millisecond)
	p.Update(Event{Action: Remove, Endpoint: epA, Conn: 2})
	p.Update(Event{Action: Remove, Endpoint: epA, Conn: 1})

	// (4ms + 8ms) / 2
	assert.Equal(t, 6*time.Millisecond, p.Mean(epA))
	assert.Equal(t, 0, p.Pending())
}

func TestLeastResponseTimeUnmatchedRemove(t *testing.T) {
	clk := clock.NewMock()
	p, err := NewLeastResponseTime([]Endpoint{epA, epB}, WithClock(clk))
	require.NoError(t, err)

	p.Update(Event{Action: Remove, Endpoint: epA, Conn: 77})
	assert.Equal(t, time.Duration(0), p.Mean(epA))
	assert.Equal(t, epA, p.Select())
}
