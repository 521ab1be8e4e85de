// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"errors"
	"testing"
	"time"

	lberrors "github.com/absmach/lbproxy/pkg/errors"
	"github.com/absmach/lbproxy/pkg/policy"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	epA = policy.Endpoint{Host: "127.0.0.1", Port: 9001}
	epB = policy.Endpoint{Host: "127.0.0.1", Port: 9002}
)

type mockConn struct {
	fd       int
	closed   int
	closeErr error
}

func (c *mockConn) Fd() int { return c.fd }
func (c *mockConn) Read([]byte) (int, error) { return 0, nil }
func (c *mockConn) Write(b []byte) (int, error) { return len(b), nil }
func (c *mockConn) Close() error {
	c.closed++
	return c.closeErr
}

type recordingPolicy struct {
	events []policy.Event
}

func (p *recordingPolicy) Select() policy.Endpoint { return epA }
func (p *recordingPolicy) Update(ev policy.Event)  { p.events = append(p.events, ev) }

type mockDialer struct {
	nextFd      int
	established bool
	err         error
	dialed      []policy.Endpoint
	conns       []*mockConn
}

func (d *mockDialer) dial(ep policy.Endpoint) (Conn, bool, error) {
	d.dialed = append(d.dialed, ep)
	if d.err != nil {
		return nil, false, d.err
	}
	d.nextFd++
	c := &mockConn{fd: d.nextFd}
	d.conns = append(d.conns, c)
	return c, d.established, nil
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *recordingPolicy, *mockDialer) {
	t.Helper()
	p := &recordingPolicy{}
	d := &mockDialer{nextFd: 100, established: true}
	return New(p, d.dial, opts...), p, d
}

func TestAddRegistersPair(t *testing.T) {
	r, p, d := newTestRegistry(t)
	client := &mockConn{fd: 5}

	pair, err := r.Add(client, epA)
	require.NoError(t, err)

	assert.Equal(t, PairID(1), pair.ID)
	assert.Equal(t, Established, pair.State)
	assert.Same(t, client, pair.Client)
	assert.Equal(t, 101, pair.Upstream.Fd())
	assert.Equal(t, []policy.Endpoint{epA}, d.dialed)
	assert.Equal(t, 1, r.Len())

	require.Len(t, p.events, 1)
	assert.Equal(t, policy.Event{Action: policy.Add, Endpoint: epA, Conn: 1}, p.events[0])
}

func TestAddDialFailure(t *testing.T) {
	r, p, d := newTestRegistry(t)
	d.err = errors.New("connection refused")
	client := &mockConn{fd: 5}

	_, err := r.Add(client, epB)
	require.Error(t, err)

	var pe *lberrors.ProxyError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "connect", pe.Op)
	assert.Equal(t, epB.String(), pe.Endpoint)

	assert.Equal(t, 0, r.Len())
	assert.Empty(t, p.events)
	assert.Empty(t, r.WatchSet())
	assert.Equal(t, 0, client.closed, "caller keeps ownership of the client")
}

func TestAddDuplicateClient(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	client := &mockConn{fd: 5}

	_, err := r.Add(client, epA)
	require.NoError(t, err)
	_, err = r.Add(client, epB)
	require.Error(t, err)
	assert.Equal(t, 1, r.Len())
}

func TestPeerOfIsSymmetric(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	clients := []*mockConn{{fd: 5}, {fd: 6}, {fd: 7}}
	for i, c := range clients {
		ep := epA
		if i%2 == 1 {
			ep = epB
		}
		_, err := r.Add(c, ep)
		require.NoError(t, err)
	}

	for _, c := range clients {
		upstream, ok := r.PeerOf(c.Fd())
		require.True(t, ok)

		back, ok := r.PeerOf(upstream.Fd())
		require.True(t, ok)
		assert.Same(t, c, back)
	}

	_, ok := r.PeerOf(42)
	assert.False(t, ok)
}

func TestDeleteFromEitherSide(t *testing.T) {
	tests := []struct {
		name string
		side Side
	}{
		{name: "client side", side: ClientSide},
		{name: "upstream side", side: UpstreamSide},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, p, _ := newTestRegistry(t)
			client := &mockConn{fd: 5}
			pair, err := r.Add(client, epB)
			require.NoError(t, err)
			upstream := pair.Upstream.(*mockConn)

			removed, err := r.Delete(pair.Conn(tt.side).Fd())
			require.NoError(t, err)
			assert.Equal(t, pair.ID, removed.ID)

			assert.Equal(t, 1, client.closed)
			assert.Equal(t, 1, upstream.closed)
			assert.Equal(t, 0, r.Len())

			_, ok := r.PeerOf(client.fd)
			assert.False(t, ok)
			_, ok = r.PeerOf(upstream.fd)
			assert.False(t, ok)

			require.Len(t, p.events, 2)
			assert.Equal(t, policy.Event{Action: policy.Remove, Endpoint: epB, Conn: uint64(pair.ID)}, p.events[1])
		})
	}
}

func TestDeleteUnknown(t *testing.T) {
	r, p, _ := newTestRegistry(t)

	_, err := r.Delete(99)
	assert.ErrorIs(t, err, lberrors.ErrNotFound)

	_, err = r.Remove(PairID(3))
	assert.ErrorIs(t, err, lberrors.ErrNotFound)

	assert.Empty(t, p.events)
}

func TestDeleteTwice(t *testing.T) {
	r, p, _ := newTestRegistry(t)
	client := &mockConn{fd: 5}
	pair, err := r.Add(client, epA)
	require.NoError(t, err)

	_, err = r.Delete(client.fd)
	require.NoError(t, err)
	_, err = r.Delete(pair.Upstream.Fd())
	assert.ErrorIs(t, err, lberrors.ErrNotFound)

	assert.Len(t, p.events, 2, "exactly one Add and one Remove")
	assert.Equal(t, 1, client.closed)
}

func TestRemoveJoinsCloseErrors(t *testing.T) {
	r, p, _ := newTestRegistry(t)
	closeErr := errors.New("bad file descriptor")
	client := &mockConn{fd: 5, closeErr: closeErr}
	pair, err := r.Add(client, epA)
	require.NoError(t, err)

	_, err = r.Remove(pair.ID)
	assert.ErrorIs(t, err, closeErr)
	assert.Equal(t, 0, r.Len(), "pair is unregistered despite close error")
	assert.Len(t, p.events, 2)
}

func TestWatchSet(t *testing.T) {
	r, _, d := newTestRegistry(t)

	c1 := &mockConn{fd: 5}
	p1, err := r.Add(c1, epA)
	require.NoError(t, err)

	d.established = false
	c2 := &mockConn{fd: 6}
	p2, err := r.Add(c2, epB)
	require.NoError(t, err)
	assert.Equal(t, Connecting, p2.State)

	assert.Equal(t, []Watch{
		{Fd: 5, Events: EventRead, Pair: p1.ID},
		{Fd: p1.Upstream.Fd(), Events: EventRead, Pair: p1.ID},
		{Fd: 6, Events: 0, Pair: p2.ID},
		{Fd: p2.Upstream.Fd(), Events: EventWrite, Pair: p2.ID},
	}, r.WatchSet())

	require.NoError(t, r.Established(p2.ID))
	ws := r.WatchSet()
	require.Len(t, ws, 4)
	assert.Equal(t, EventRead, ws[2].Events)
	assert.Equal(t, EventRead, ws[3].Events)

	_, err = r.Delete(c1.fd)
	require.NoError(t, err)
	for _, w := range r.WatchSet() {
		assert.NotEqual(t, c1.fd, w.Fd)
		assert.NotEqual(t, p1.Upstream.Fd(), w.Fd)
	}
	assert.Len(t, r.WatchSet(), 2)
}

func TestPairIDsAreNotReused(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	c := &mockConn{fd: 5}
	first, err := r.Add(c, epA)
	require.NoError(t, err)
	_, err = r.Delete(c.fd)
	require.NoError(t, err)

	// Same client descriptor number, as after the kernel recycles it.
	second, err := r.Add(&mockConn{fd: 5}, epA)
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)

	pair, side, ok := r.Lookup(5)
	require.True(t, ok)
	assert.Equal(t, second.ID, pair.ID)
	assert.Equal(t, ClientSide, side)
}

func TestBijectionUnderChurn(t *testing.T) {
	r, p, _ := newTestRegistry(t)

	var live []*mockConn
	fd := 10
	for round := 0; round < 20; round++ {
		c := &mockConn{fd: fd}
		fd++
		_, err := r.Add(c, epA)
		require.NoError(t, err)
		live = append(live, c)

		if round%3 == 2 {
			victim := live[0]
			live = live[1:]
			// Alternate which end triggers the teardown.
			target := victim.fd
			if round%2 == 0 {
				peer, ok := r.PeerOf(victim.fd)
				require.True(t, ok)
				target = peer.Fd()
			}
			_, err := r.Delete(target)
			require.NoError(t, err)
		}

		assert.Equal(t, len(live), r.Len())
		assert.Len(t, r.WatchSet(), 2*len(live))
		seen := map[int]bool{}
		for _, w := range r.WatchSet() {
			assert.False(t, seen[w.Fd], "fd %d watched twice", w.Fd)
			seen[w.Fd] = true
		}
		for _, c := range live {
			up, ok := r.PeerOf(c.fd)
			require.True(t, ok)
			back, ok := r.PeerOf(up.Fd())
			require.True(t, ok)
			assert.Same(t, c, back)
		}
	}

	adds, removes := 0, 0
	for _, ev := range p.events {
		if ev.Action == policy.Add {
			adds++
		} else {
			removes++
		}
	}
	assert.Equal(t, 20, adds)
	assert.Equal(t, 20-len(live), removes)
}

func TestStale(t *testing.T) {
	clk := clock.NewMock()
	r, _, d := newTestRegistry(t, WithClock(clk))
	d.established = false

	p1, err := r.Add(&mockConn{fd: 5}, epA)
	require.NoError(t, err)
	clk.Add(3 * time.Second)
	p2, err := r.Add(&mockConn{fd: 6}, epB)
	require.NoError(t, err)

	assert.Empty(t, r.Stale(5*time.Second))

	clk.Add(2 * time.Second)
	assert.Equal(t, []PairID{p1.ID}, r.Stale(5*time.Second))

	require.NoError(t, r.Established(p2.ID))
	clk.Add(10 * time.Second)
	assert.Equal(t, []PairID{p1.ID}, r.Stale(5*time.Second), "established pairs never go stale")
}

func TestClose(t *testing.T) {
	r, p, _ := newTestRegistry(t)
	c1, c2 := &mockConn{fd: 5}, &mockConn{fd: 6}
	_, err := r.Add(c1, epA)
	require.NoError(t, err)
	_, err = r.Add(c2, epB)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.Equal(t, 1, c1.closed)
	assert.Equal(t, 1, c2.closed)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.WatchSet())
	assert.Len(t, p.events, 2, "close emits no Remove events")
}

func TestWithRealPolicy(t *testing.T) {
	lc, err := policy.NewLeastConnections([]policy.Endpoint{epA, epB})
	require.NoError(t, err)
	d := &mockDialer{nextFd: 100, established: true}
	r := New(lc, d.dial)

	c1 := &mockConn{fd: 1}
	_, err = r.Add(c1, lc.Select())
	require.NoError(t, err)
	_, err = r.Add(&mockConn{fd: 2}, lc.Select())
	require.NoError(t, err)
	assert.Equal(t, []policy.Endpoint{epA, epB}, d.dialed)

	// Tear down via the upstream end; the counter must still drop.
	up, ok := r.PeerOf(c1.fd)
	require.True(t, ok)
	_, err = r.Delete(up.Fd())
	require.NoError(t, err)

	assert.Equal(t, 0, lc.Count(epA))
	assert.Equal(t, 1, lc.Count(epB))
	assert.Equal(t, epA, lc.Select())
}
