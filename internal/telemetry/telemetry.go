package telemetry

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"tracewatch/internal/netstat"
	"tracewatch/internal/shared"
)

// Watcher turns periodic TCP table listings into one-shot close events.
// It keeps only the previous snapshot; a connection is reported when it was
// open in that snapshot and is closed or missing in the current one.
//
// Watcher is not safe for concurrent use.
type Watcher struct {
	lister       netstat.Lister
	prev         *shared.Snapshot
	burstSamples int
	burstSleep   time.Duration
	now          func() time.Time
	log          *log.Entry
}

type WatcherOption func(*Watcher)

// WithBurst merges n listings taken sleep apart into every snapshot.
func WithBurst(n int, sleep time.Duration) WatcherOption {
	return func(w *Watcher) {
		if n > 0 {
			w.burstSamples = n
		}
		if sleep > 0 {
			w.burstSleep = sleep
		}
	}
}

func WithClock(now func() time.Time) WatcherOption {
	return func(w *Watcher) {
		w.now = now
	}
}

func WithLogger(logger *log.Entry) WatcherOption {
	return func(w *Watcher) {
		w.log = logger
	}
}

func NewWatcher(lister netstat.Lister, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		lister:       lister,
		burstSamples: shared.DefaultBurstSamples,
		burstSleep:   shared.BurstSleep,
		now:          time.Now,
		log:          log.WithField("component", "watcher"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Poll takes a new snapshot and returns the connections that closed since
// the previous one. The first successful poll only records a baseline. A
// failed listing is logged and yields no events; the baseline is kept.
func (w *Watcher) Poll(ctx context.Context) []shared.ClosedEvent {
	snap, err := w.Collect(ctx)
	if err != nil {
		w.log.WithError(err).Warn("listing connections failed")
		return nil
	}

	if w.prev == nil {
		w.prev = snap
		w.log.WithField("connections", snap.Len()).Info("baseline established")
		return nil
	}

	events := Diff(w.prev, snap)
	w.prev = snap
	return events
}

// HasBaseline reports whether a snapshot has been recorded.
func (w *Watcher) HasBaseline() bool {
	return w.prev != nil
}

// Collect lists the TCP table, merging burst samples when configured.
func (w *Watcher) Collect(ctx context.Context) (*shared.Snapshot, error) {
	conns, err := w.lister.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "netstat")
	}

	snap := shared.NewSnapshot(w.now().UTC(), len(conns))
	snap.Merge(conns)

	for i := 1; i < w.burstSamples; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.burstSleep):
		}
		more, err := w.lister.List(ctx)
		if err != nil {
			w.log.WithError(err).Debug("burst sample failed")
			continue
		}
		snap.Merge(more)
	}

	return snap, nil
}

// Diff returns a close event for every connection that is open in prev and
// either closed or absent in cur, ordered by connection key.
func Diff(prev, cur *shared.Snapshot) []shared.ClosedEvent {
	if prev == nil || cur == nil {
		return nil
	}

	var events []shared.ClosedEvent
	for key, oldState := range prev.Connections {
		if oldState.IsClosed() {
			continue
		}
		state, ok := cur.Connections[key]
		switch {
		case !ok:
			events = append(events, shared.ClosedEvent{
				Conn:       key,
				State:      shared.StateClosed,
				Vanished:   true,
				ObservedAt: cur.Timestamp,
			})
		case state.IsClosed():
			events = append(events, shared.ClosedEvent{
				Conn:       key,
				State:      state,
				ObservedAt: cur.Timestamp,
			})
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Conn.Less(events[j].Conn)
	})
	return events
}
