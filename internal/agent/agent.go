// Package agent runs the poll, filter, dispatch, sleep cycle that turns
// closed connections into traceroute probes.
package agent

import (
	"context"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"tracewatch/internal/probe"
	"tracewatch/internal/shared"
)

type Watcher interface {
	Poll(ctx context.Context) []shared.ClosedEvent
}

// TargetCache remembers recently probed remote addresses.
type TargetCache interface {
	Cached(addr netip.Addr) bool
	Add(addr netip.Addr)
	Len() int
}

type Dispatcher interface {
	RunAsync(ctx context.Context, req probe.Request) bool
	BusyCount() int
	Wait(ctx context.Context) error
}

// StepStats counts what happened to the events of one cycle.
type StepStats struct {
	Events     int
	Filtered   int
	Dispatched int
	Dropped    int
	Busy       int
}

type Agent struct {
	watcher      Watcher
	cache        TargetCache
	dispatcher   Dispatcher
	ignore       *shared.IgnoreList
	interval     time.Duration
	drainTimeout time.Duration
	log          *log.Entry
}

type Option func(*Agent)

func WithInterval(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.interval = d
		}
	}
}

func WithIgnoreList(l *shared.IgnoreList) Option {
	return func(a *Agent) {
		a.ignore = l
	}
}

// WithDrainTimeout bounds how long Run waits for running probes once its
// context is cancelled. Probes still running after that are killed.
func WithDrainTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.drainTimeout = d
	}
}

func WithLogger(logger *log.Entry) Option {
	return func(a *Agent) {
		a.log = logger
	}
}

func New(w Watcher, c TargetCache, d Dispatcher, opts ...Option) *Agent {
	a := &Agent{
		watcher:      w,
		cache:        c,
		dispatcher:   d,
		interval:     shared.DefaultPollInterval,
		drainTimeout: shared.DefaultProbeTimeout,
		log:          log.WithField("component", "agent"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run cycles until ctx is cancelled and returns ctx.Err() once in-flight
// probes have finished or the drain timeout has passed.
func (a *Agent) Run(ctx context.Context) error {
	probeCtx, cancelProbes := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelProbes()

	a.log.WithFields(log.Fields{
		"interval": a.interval,
		"ignore":   a.ignore.Entries(),
	}).Info("agent started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			a.drain(cancelProbes)
			a.log.Info("agent stopped")
			return ctx.Err()
		case <-timer.C:
		}

		a.step(ctx, probeCtx)
		timer.Reset(a.interval)
	}
}

// Once records a baseline, waits one interval, dispatches the connections
// that closed meanwhile and waits for their probes.
func (a *Agent) Once(ctx context.Context) (StepStats, error) {
	a.watcher.Poll(ctx)

	timer := time.NewTimer(a.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return StepStats{}, ctx.Err()
	case <-timer.C:
	}

	stats := a.Step(ctx)

	wctx, cancel := context.WithTimeout(ctx, a.drainTimeout)
	defer cancel()
	if err := a.dispatcher.Wait(wctx); err != nil {
		return stats, err
	}
	return stats, nil
}

// Step runs a single poll and dispatch cycle. Probes started by Step run
// under ctx.
func (a *Agent) Step(ctx context.Context) StepStats {
	return a.step(ctx, ctx)
}

func (a *Agent) step(ctx, probeCtx context.Context) StepStats {
	events := a.watcher.Poll(ctx)
	stats := StepStats{Events: len(events)}

	for _, ev := range events {
		entry := a.log.WithFields(log.Fields{
			"remote": ev.Conn.Remote().String(),
			"local":  ev.Conn.Local().String(),
			"state":  ev.State,
		})

		if reason := a.skipReason(ev.Conn); reason != "" {
			entry.WithField("reason", reason).Trace("target skipped")
			stats.Filtered++
			continue
		}

		req := probe.Request{
			Conn:    ev.Conn,
			LogTime: ev.ObservedAt,
		}
		if !a.dispatcher.RunAsync(probeCtx, req) {
			entry.Debug("all probe slots busy, target dropped")
			stats.Dropped++
			continue
		}

		a.cache.Add(ev.Conn.RemoteAddr)
		stats.Dispatched++
		entry.Debug("probe dispatched")
	}

	stats.Busy = a.dispatcher.BusyCount()
	if stats.Events > 0 {
		a.log.WithFields(log.Fields{
			"events":     stats.Events,
			"filtered":   stats.Filtered,
			"dispatched": stats.Dispatched,
			"dropped":    stats.Dropped,
			"busy":       stats.Busy,
			"cached":     a.cache.Len(),
		}).Debug("cycle done")
	}

	return stats
}

func (a *Agent) skipReason(conn shared.ConnKey) string {
	switch {
	case !shared.IsIPv4(conn.RemoteAddr):
		return "remote not ipv4"
	case !shared.IsIPv4(conn.LocalAddr):
		return "local not ipv4"
	case a.ignore.Contains(conn.RemoteAddr):
		return "ignored network"
	case a.cache.Cached(conn.RemoteAddr):
		return "recently probed"
	}
	return ""
}

func (a *Agent) drain(cancelProbes context.CancelFunc) {
	busy := a.dispatcher.BusyCount()
	if busy == 0 {
		return
	}

	a.log.WithFields(log.Fields{
		"busy":    busy,
		"timeout": a.drainTimeout,
	}).Info("waiting for running probes")

	ctx, cancel := context.WithTimeout(context.Background(), a.drainTimeout)
	defer cancel()
	if err := a.dispatcher.Wait(ctx); err == nil {
		return
	}

	a.log.WithField("busy", a.dispatcher.BusyCount()).Warn("probes still running, killing them")
	cancelProbes()

	// killed probes report back within the process wait delay
	ctx, cancelKill := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelKill()
	if err := a.dispatcher.Wait(ctx); err != nil {
		a.log.WithError(err).Warn("probes did not exit after kill")
	}
}
