// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

// Package dispatch fans one change event out to every Active target.
// Each target gets a serial lane (one worker, one FIFO queue), so
// per-target ordering holds while targets never wait on each other; a
// full lane queue is the backpressure that pauses the producer.
package dispatch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/awinterman/redismirror/internal/codec"
	"github.com/awinterman/redismirror/internal/dedup"
	"github.com/awinterman/redismirror/internal/filter"
	"github.com/awinterman/redismirror/internal/health"
	"github.com/awinterman/redismirror/internal/status"
)

// Event is one change in flight: the key record, its origin timestamp
// and the dedup fingerprint.
type Event struct {
	Record      codec.Record
	At          time.Time
	Fingerprint dedup.Fingerprint
}

// NewEvent stamps and fingerprints a record.
func NewEvent(rec codec.Record) Event {
	return Event{
		Record:      rec,
		At:          time.Now(),
		Fingerprint: dedup.Sum(rec.Key, string(rec.Kind), rec.AppendPayload(nil)),
	}
}

// Applier applies one event to one named target. The production
// implementation borrows a session and runs the codec; tests substitute
// their own.
type Applier interface {
	Apply(ctx context.Context, target string, ev Event) error
}

// Target couples a name with its (possibly overridden) filter.
type Target struct {
	Name   string
	Filter *filter.Filter
}

type lane struct {
	name   string
	filter *filter.Filter
	queue  chan Event
}

// Dispatcher owns the lanes. Construct with New, start the workers with
// Run, feed with Dispatch.
type Dispatcher struct {
	lanes    []*lane
	applier  Applier
	monitor  *health.Monitor
	stats    *status.Status
	log      *slog.Logger
	inflight atomic.Int64
}

func New(targets []Target, applier Applier, monitor *health.Monitor, stats *status.Status, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &Dispatcher{
		applier: applier,
		monitor: monitor,
		stats:   stats,
		log:     slog.With("comp", "dispatch"),
	}
	for _, t := range targets {
		d.lanes = append(d.lanes, &lane{
			name:   t.Name,
			filter: t.Filter,
			queue:  make(chan Event, queueSize),
		})
	}
	return d
}

// Run drives one worker per lane until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	p := pool.New().WithErrors()
	for _, l := range d.lanes {
		l := l
		p.Go(func() error {
			d.work(ctx, l)
			return nil
		})
	}
	return p.Wait()
}

// Dispatch hands the event to every Active lane and returns once each
// lane has accepted it (or been skipped). Cooling and Disabled targets
// are skipped; a full queue blocks, which is the backpressure contract
// with the producer.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	for _, l := range d.lanes {
		st := d.monitor.State(l.name)
		if ts := d.stats.Target(l.name); ts != nil {
			ts.State.Store(st.String())
		}
		if st != health.Active {
			continue
		}
		select {
		case l.queue <- ev:
			d.inflight.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *Dispatcher) work(ctx context.Context, l *lane) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-l.queue:
			d.apply(ctx, l, ev)
			d.inflight.Add(-1)
		}
	}
}

// Idle reports whether every accepted event has finished its lane
// (inflight counts from enqueue to applied). One-shot modes wait for
// this before unwinding.
func (d *Dispatcher) Idle() bool {
	return d.inflight.Load() == 0
}

func (d *Dispatcher) apply(ctx context.Context, l *lane, ev Event) {
	// the state may have flipped while the event sat in the queue
	if d.monitor.State(l.name) != health.Active {
		return
	}

	rec := ev.Record
	if rec.Kind != codec.KindFlush && l.filter != nil {
		probe := filter.Probe{Key: rec.Key, TTL: rec.TTL, Size: rec.ApproxSize()}
		if !l.filter.Accept(probe) {
			return
		}
	}

	ts := d.stats.Target(l.name)
	err := d.applier.Apply(ctx, l.name, ev)
	if err != nil {
		st := d.monitor.ReportFailure(l.name, err)
		if ts != nil {
			ts.Failed.Add(1)
			ts.ConsecutiveFailures.Store(int64(d.monitor.Consecutive(l.name)))
			ts.SetLastError(err.Error())
			ts.State.Store(st.String())
		}
		d.log.Warn("apply failed", "target", l.name, "key", rec.Key, "error", err)
		return
	}

	d.monitor.ReportSuccess(l.name)
	if ts != nil {
		ts.Applied.Add(1)
		ts.ConsecutiveFailures.Store(0)
		ts.MarkSynced()
	}
}
