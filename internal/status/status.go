// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

// Package status is the in-memory counter surface the HTTP view reads.
// Updates are atomic; no lock is held across any I/O.
package status

import (
	"sync"
	"sync/atomic"
	"time"
)

// TargetStats is the per-target slice of the surface. The counters and
// State are written with atomics; the last error and last-sync time are
// guarded by their own mutex because they do not fit in a word.
type TargetStats struct {
	Applied             atomic.Int64
	Failed              atomic.Int64
	ConsecutiveFailures atomic.Int64
	State               atomic.Value // string

	mu        sync.Mutex
	lastError string
	lastSync  time.Time
}

func (t *TargetStats) SetLastError(msg string) {
	t.mu.Lock()
	t.lastError = msg
	t.mu.Unlock()
}

func (t *TargetStats) MarkSynced() {
	t.mu.Lock()
	t.lastSync = time.Now()
	t.mu.Unlock()
}

// Status aggregates everything the dashboard shows. The target map is
// fixed at construction; after that the map is read without locking.
type Status struct {
	start   time.Time
	targets map[string]*TargetStats

	sourceState   atomic.Value // string
	driverState   atomic.Value // string
	fullSyncState atomic.Value // string

	replicationID atomic.Value // string
	offset        atomic.Int64

	fullSyncKeys atomic.Int64
}

func New(targetNames []string) *Status {
	s := &Status{
		start:   time.Now(),
		targets: make(map[string]*TargetStats, len(targetNames)),
	}
	for _, name := range targetNames {
		ts := &TargetStats{}
		ts.State.Store("active")
		s.targets[name] = ts
	}
	s.sourceState.Store("connecting")
	s.driverState.Store("idle")
	s.fullSyncState.Store("pending")
	s.replicationID.Store("")
	return s
}

// Target returns the stats slot for a known target, or nil.
func (s *Status) Target(name string) *TargetStats {
	return s.targets[name]
}

func (s *Status) SetSourceState(v string)   { s.sourceState.Store(v) }
func (s *Status) SetDriverState(v string)   { s.driverState.Store(v) }
func (s *Status) SetFullSyncState(v string) { s.fullSyncState.Store(v) }

func (s *Status) SetReplicationCursor(id string, offset int64) {
	s.replicationID.Store(id)
	s.offset.Store(offset)
}

func (s *Status) SetOffset(offset int64) { s.offset.Store(offset) }

func (s *Status) AddFullSyncKeys(n int64) { s.fullSyncKeys.Add(n) }

// TargetSnapshot is the JSON view of one target.
type TargetSnapshot struct {
	State               string     `json:"state"`
	Applied             int64      `json:"applied"`
	Failed              int64      `json:"failed"`
	ConsecutiveFailures int64      `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastSync            *time.Time `json:"last_sync,omitempty"`
}

// Snapshot is the whole surface at one instant.
type Snapshot struct {
	UptimeSeconds float64                   `json:"uptime_seconds"`
	SourceState   string                    `json:"source_state"`
	DriverState   string                    `json:"driver_state"`
	FullSyncState string                    `json:"full_sync_state"`
	FullSyncKeys  int64                     `json:"full_sync_keys"`
	ReplicationID string                    `json:"replication_id,omitempty"`
	Offset        int64                     `json:"offset"`
	Targets       map[string]TargetSnapshot `json:"targets"`
}

func (s *Status) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds: time.Since(s.start).Seconds(),
		SourceState:   s.sourceState.Load().(string),
		DriverState:   s.driverState.Load().(string),
		FullSyncState: s.fullSyncState.Load().(string),
		FullSyncKeys:  s.fullSyncKeys.Load(),
		ReplicationID: s.replicationID.Load().(string),
		Offset:        s.offset.Load(),
		Targets:       make(map[string]TargetSnapshot, len(s.targets)),
	}
	for name, t := range s.targets {
		t.mu.Lock()
		lastErr := t.lastError
		lastSync := t.lastSync
		t.mu.Unlock()

		ts := TargetSnapshot{
			State:               t.State.Load().(string),
			Applied:             t.Applied.Load(),
			Failed:              t.Failed.Load(),
			ConsecutiveFailures: t.ConsecutiveFailures.Load(),
			LastError:           lastErr,
		}
		if !lastSync.IsZero() {
			at := lastSync
			ts.LastSync = &at
		}
		snap.Targets[name] = ts
	}
	return snap
}
