package telemetry

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracewatch/internal/shared"
)

func init() {
	log.SetOutput(io.Discard)
}

// scriptedLister returns one canned table per call; a nil table is
// returned as a listing error.
type scriptedLister struct {
	tables [][]shared.Connection
	calls  int
}

func (l *scriptedLister) List(ctx context.Context) ([]shared.Connection, error) {
	i := l.calls
	l.calls++
	if i >= len(l.tables) {
		i = len(l.tables) - 1
	}
	if l.tables[i] == nil {
		return nil, errors.New("ss: not found")
	}
	return l.tables[i], nil
}

func conn(remote string, local string, state shared.TCPState) shared.Connection {
	r := netip.MustParseAddrPort(remote)
	l := netip.MustParseAddrPort(local)
	return shared.Connection{
		RemoteAddr: r.Addr(),
		RemotePort: r.Port(),
		LocalAddr:  l.Addr(),
		LocalPort:  l.Port(),
		State:      state,
	}
}

func TestWatcher_FirstPollIsBaseline(t *testing.T) {
	lister := &scriptedLister{tables: [][]shared.Connection{
		{
			conn("5.6.7.8:80", "9.9.9.9:1000", shared.StateCloseWait),
			conn("1.1.1.1:443", "9.9.9.9:1001", shared.StateTimeWait),
		},
	}}
	w := NewWatcher(lister)

	assert.False(t, w.HasBaseline())
	assert.Empty(t, w.Poll(context.Background()))
	assert.True(t, w.HasBaseline())
}

func TestWatcher_EstablishedThenClosed(t *testing.T) {
	c := conn("5.6.7.8:80", "9.9.9.9:1000", shared.StateEstablished)
	closed := c
	closed.State = shared.StateCloseWait

	lister := &scriptedLister{tables: [][]shared.Connection{
		{c},
		{closed},
		{closed},
		{},
	}}
	w := NewWatcher(lister)
	ctx := context.Background()

	require.Empty(t, w.Poll(ctx))

	events := w.Poll(ctx)
	require.Len(t, events, 1)
	assert.Equal(t, c.Key(), events[0].Conn)
	assert.Equal(t, shared.StateCloseWait, events[0].State)
	assert.False(t, events[0].Vanished)

	// still closed, then gone: never reported again
	assert.Empty(t, w.Poll(ctx))
	assert.Empty(t, w.Poll(ctx))
}

func TestWatcher_VanishedCountsAsClosed(t *testing.T) {
	c := conn("5.6.7.8:80", "9.9.9.9:1000", shared.StateEstablished)
	lister := &scriptedLister{tables: [][]shared.Connection{
		{c},
		{},
	}}
	w := NewWatcher(lister)

	require.Empty(t, w.Poll(context.Background()))
	events := w.Poll(context.Background())
	require.Len(t, events, 1)
	assert.True(t, events[0].Vanished)
	assert.Equal(t, c.Key(), events[0].Conn)
}

func TestWatcher_NewlyAppearingClosedIsNotReported(t *testing.T) {
	lister := &scriptedLister{tables: [][]shared.Connection{
		{},
		{conn("5.6.7.8:80", "9.9.9.9:1000", shared.StateTimeWait)},
	}}
	w := NewWatcher(lister)

	require.Empty(t, w.Poll(context.Background()))
	assert.Empty(t, w.Poll(context.Background()))
}

func TestWatcher_ReopenedIdentityIsReportedAgain(t *testing.T) {
	open := conn("5.6.7.8:80", "9.9.9.9:1000", shared.StateEstablished)
	closed := open
	closed.State = shared.StateTimeWait

	lister := &scriptedLister{tables: [][]shared.Connection{
		{open}, {closed}, {open}, {closed},
	}}
	w := NewWatcher(lister)
	ctx := context.Background()

	require.Empty(t, w.Poll(ctx))
	assert.Len(t, w.Poll(ctx), 1)
	assert.Empty(t, w.Poll(ctx))
	assert.Len(t, w.Poll(ctx), 1)
}

func TestWatcher_ListErrorKeepsBaseline(t *testing.T) {
	c := conn("5.6.7.8:80", "9.9.9.9:1000", shared.StateEstablished)
	lister := &scriptedLister{tables: [][]shared.Connection{
		{c},
		nil,
		{},
	}}
	w := NewWatcher(lister)
	ctx := context.Background()

	require.Empty(t, w.Poll(ctx))
	assert.Empty(t, w.Poll(ctx))
	assert.True(t, w.HasBaseline())

	events := w.Poll(ctx)
	require.Len(t, events, 1)
	assert.Equal(t, c.Key(), events[0].Conn)
}

func TestWatcher_ListErrorBeforeBaseline(t *testing.T) {
	lister := &scriptedLister{tables: [][]shared.Connection{
		nil,
		{conn("5.6.7.8:80", "9.9.9.9:1000", shared.StateEstablished)},
		{},
	}}
	w := NewWatcher(lister)
	ctx := context.Background()

	assert.Empty(t, w.Poll(ctx))
	assert.False(t, w.HasBaseline())
	assert.Empty(t, w.Poll(ctx))
	assert.Len(t, w.Poll(ctx), 1)
}

func TestWatcher_BurstPrefersOpen(t *testing.T) {
	c := conn("5.6.7.8:80", "9.9.9.9:1000", shared.StateEstablished)
	closed := c
	closed.State = shared.StateFinWait1

	lister := &scriptedLister{tables: [][]shared.Connection{
		{closed}, {c},
	}}
	w := NewWatcher(lister, WithBurst(2, time.Millisecond))

	snap, err := w.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, shared.StateEstablished, snap.Connections[c.Key()])
	assert.Equal(t, 2, lister.calls)
}

func TestDiff_OrderedByKey(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	prev := shared.NewSnapshot(now, 3)
	prev.Merge([]shared.Connection{
		conn("9.0.0.1:80", "10.0.0.1:1000", shared.StateEstablished),
		conn("2.0.0.1:80", "10.0.0.1:1001", shared.StateEstablished),
		conn("5.0.0.1:80", "10.0.0.1:1002", shared.StateEstablished),
	})
	cur := shared.NewSnapshot(now.Add(5*time.Second), 0)

	events := Diff(prev, cur)
	require.Len(t, events, 3)
	assert.Equal(t, "2.0.0.1", events[0].Conn.RemoteAddr.String())
	assert.Equal(t, "5.0.0.1", events[1].Conn.RemoteAddr.String())
	assert.Equal(t, "9.0.0.1", events[2].Conn.RemoteAddr.String())
	assert.Equal(t, cur.Timestamp, events[0].ObservedAt)
}
