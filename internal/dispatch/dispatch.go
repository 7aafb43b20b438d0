// Package dispatch runs probes on a fixed number of worker slots without
// ever blocking the caller.
//
// Each admitted probe owns a slot until it finishes. The slot index selects
// the probe's source port, so concurrent probes never share one. Completion
// is reported on a per-slot channel that the owner drains without blocking
// whenever it asks how many slots are busy.
//
// A Dispatcher is driven from a single goroutine; the probes themselves run
// on an unbounded ants pool. Slots alone cap concurrency: a worker that has
// released its slot may still be on its way back into the pool.
package dispatch

import (
	"context"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"tracewatch/internal/probe"
)

// Runner executes one probe to completion. *probe.Prober implements it.
type Runner interface {
	Run(ctx context.Context, req probe.Request) probe.Result
}

// ResultFunc receives every finished probe on the dispatcher's goroutine.
type ResultFunc func(probe.Result)

var errPanicked = errors.New("probe panicked")

type slot struct {
	index int
	req   probe.Request
	done  chan probe.Result
}

type Stats struct {
	Dispatched uint64
	Succeeded  uint64
	Failed     uint64
	Rejected   uint64
}

type Dispatcher struct {
	capacity int
	basePort int
	pool     *ants.Pool
	runner   Runner
	busy     []*slot
	onResult ResultFunc
	stats    Stats
	log      *log.Entry
}

type Option func(*Dispatcher)

func WithResultFunc(fn ResultFunc) Option {
	return func(d *Dispatcher) {
		d.onResult = fn
	}
}

func WithLogger(logger *log.Entry) Option {
	return func(d *Dispatcher) {
		d.log = logger
	}
}

// New creates a dispatcher with capacity slots. Slot i probes from source
// port basePort+i.
func New(capacity, basePort int, runner Runner, opts ...Option) (*Dispatcher, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("capacity must be positive, got %d", capacity)
	}
	if basePort <= 0 || basePort+capacity-1 > 0xffff {
		return nil, errors.Errorf("source ports %d..%d out of range", basePort, basePort+capacity-1)
	}

	d := &Dispatcher{
		capacity: capacity,
		basePort: basePort,
		runner:   runner,
		log:      log.WithField("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}

	pool, err := ants.NewPool(-1,
		ants.WithLogger(d.log),
		ants.WithPanicHandler(func(p interface{}) {
			d.log.WithField("panic", p).Error("probe worker panicked")
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create worker pool")
	}
	d.pool = pool

	return d, nil
}

func (d *Dispatcher) Capacity() int {
	return d.capacity
}

func (d *Dispatcher) Stats() Stats {
	return d.stats
}

// BusyCount collects finished slots and returns the number still running.
func (d *Dispatcher) BusyCount() int {
	live := d.busy[:0]
	for _, s := range d.busy {
		select {
		case res := <-s.done:
			d.finish(res)
		default:
			live = append(live, s)
		}
	}
	for i := len(live); i < len(d.busy); i++ {
		d.busy[i] = nil
	}
	d.busy = live
	return len(d.busy)
}

// Free reports whether a slot is available.
func (d *Dispatcher) Free() bool {
	return d.BusyCount() < d.capacity
}

// Idle reports whether no probe is running.
func (d *Dispatcher) Idle() bool {
	return d.BusyCount() == 0
}

// RunAsync starts req on a free slot and returns true, or returns false
// without side effects when every slot is busy.
func (d *Dispatcher) RunAsync(ctx context.Context, req probe.Request) bool {
	if !d.Free() {
		d.stats.Rejected++
		return false
	}

	idx := d.freeSlot()
	req.Slot = idx
	req.SourcePort = d.basePort + idx
	s := &slot{
		index: idx,
		req:   req,
		done:  make(chan probe.Result, 1),
	}

	task := func() {
		res := probe.Result{Request: req, Err: errPanicked, FinishedAt: time.Now()}
		defer func() {
			s.done <- res
		}()
		res = d.runner.Run(ctx, req)
	}

	if err := d.pool.Submit(task); err != nil {
		d.log.WithError(err).WithField("slot", idx).Warn("pool refused probe")
		d.stats.Rejected++
		return false
	}

	d.busy = append(d.busy, s)
	d.stats.Dispatched++
	return true
}

// Wait blocks until every running probe has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	for len(d.busy) > 0 {
		s := d.busy[0]
		select {
		case res := <-s.done:
			d.finish(res)
			d.busy[0] = nil
			d.busy = d.busy[1:]
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close releases the worker pool, waiting up to timeout for running
// probes.
func (d *Dispatcher) Close(timeout time.Duration) error {
	if err := d.pool.ReleaseTimeout(timeout); err != nil {
		return errors.Wrap(err, "release worker pool")
	}
	return nil
}

func (d *Dispatcher) freeSlot() int {
	used := make([]bool, d.capacity)
	for _, s := range d.busy {
		used[s.index] = true
	}
	for i, u := range used {
		if !u {
			return i
		}
	}
	return -1
}

func (d *Dispatcher) finish(res probe.Result) {
	if res.OK {
		d.stats.Succeeded++
	} else {
		d.stats.Failed++
	}

	d.log.WithFields(log.Fields{
		"slot":   res.Request.Slot,
		"remote": res.Request.Conn.Remote().String(),
		"ok":     res.OK,
	}).Debug("slot released")

	if d.onResult != nil {
		d.onResult(res)
	}
}
