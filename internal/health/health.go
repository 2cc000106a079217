// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

// Package health drives per-target failover: consecutive failures tip a
// target into Cooling, the recovery timer tips it back, and a target
// disabled in config is never attempted at all.
package health

import (
	"log/slog"
	"sync"
	"time"
)

type State int

const (
	Active State = iota
	Cooling
	Disabled
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Cooling:
		return "cooling"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Event is the observable record the status surface consumes.
type Event struct {
	At        time.Time
	Component string
	Endpoint  string
	Kind      string
	Detail    string
}

type record struct {
	state        State
	consecutive  int
	lastFailure  time.Time
	coolingUntil time.Time
}

// Monitor owns the per-target failover state for the service lifetime.
type Monitor struct {
	mu      sync.Mutex
	targets map[string]*record

	enabled       bool
	maxFailures   int
	recoveryDelay time.Duration

	log    *slog.Logger
	notify func(Event)

	// now is swappable in tests
	now func() time.Time
}

func NewMonitor(enabled bool, maxFailures int, recoveryDelay time.Duration, notify func(Event)) *Monitor {
	if notify == nil {
		notify = func(Event) {}
	}
	return &Monitor{
		targets:       make(map[string]*record),
		enabled:       enabled,
		maxFailures:   maxFailures,
		recoveryDelay: recoveryDelay,
		log:           slog.With("comp", "failover"),
		notify:        notify,
		now:           time.Now,
	}
}

// Register adds a target; disabled targets are skipped entirely for the
// service lifetime (until a config reload constructs a new monitor).
func (m *Monitor) Register(name string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &record{state: Active}
	if !enabled {
		r.state = Disabled
	}
	m.targets[name] = r
}

// State reports the current state, lazily promoting a cooled-down
// target back to Active with its counter reset.
func (m *Monitor) State(name string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.targets[name]
	if !ok {
		return Disabled
	}
	if r.state == Cooling && m.now().After(r.coolingUntil) {
		r.state = Active
		r.consecutive = 0
		m.log.Info("target recovered", "target", name)
		m.emit(name, "target-up", "recovery delay elapsed")
	}
	return r.state
}

// ReportSuccess resets the failure streak.
func (m *Monitor) ReportSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.targets[name]; ok {
		r.consecutive = 0
	}
}

// ReportFailure counts one failure and transitions to Cooling when the
// streak reaches the limit. Returns the resulting state.
func (m *Monitor) ReportFailure(name string, err error) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.targets[name]
	if !ok {
		return Disabled
	}
	r.consecutive++
	r.lastFailure = m.now()
	if m.enabled && r.state == Active && r.consecutive >= m.maxFailures {
		r.state = Cooling
		r.coolingUntil = m.now().Add(m.recoveryDelay)
		m.log.Warn("target cooling",
			"target", name,
			"consecutive_failures", r.consecutive,
			"until", r.coolingUntil,
			"error", err)
		m.emit(name, "target-down", err.Error())
	}
	return r.state
}

// Consecutive reports the current failure streak.
func (m *Monitor) Consecutive(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.targets[name]; ok {
		return r.consecutive
	}
	return 0
}

func (m *Monitor) emit(name, kind, detail string) {
	m.notify(Event{
		At:        m.now(),
		Component: "failover",
		Endpoint:  name,
		Kind:      kind,
		Detail:    detail,
	})
}
