// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

// Package fullsync materializes the source's key space into the targets
// once, by one of three strategies: a SCAN walk through the typed
// codec, an RDB snapshot pulled with SYNC, or a SCAN walk through
// DUMP/RESTORE. Completion closes the Done marker that gates the
// incremental engine in hybrid mode.
package fullsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/awinterman/redismirror/internal/codec"
	"github.com/awinterman/redismirror/internal/dispatch"
	"github.com/awinterman/redismirror/internal/filter"
	"github.com/awinterman/redismirror/internal/status"
	"github.com/awinterman/redismirror/internal/supervisor"
)

type Strategy string

const (
	StrategyScan        Strategy = "scan"
	StrategySync        Strategy = "sync"
	StrategyDumpRestore Strategy = "dump_restore"
)

// Sink receives each synthesized change event; in production it is the
// dispatcher's Dispatch.
type Sink func(ctx context.Context, ev dispatch.Event) error

// Engine is single-use: construct, Run, and the Done channel closes on
// successful completion.
type Engine struct {
	Source      *supervisor.Supervisor
	Filter      *filter.Filter
	Sink        Sink
	ScanCount   int
	BatchSize   int
	PreserveTTL bool
	WantDB      int
	Stats       *status.Status

	done chan struct{}
	log  *slog.Logger
}

func New(source *supervisor.Supervisor, f *filter.Filter, sink Sink) *Engine {
	return &Engine{
		Source:      source,
		Filter:      f,
		Sink:        sink,
		ScanCount:   10000,
		BatchSize:   1000,
		PreserveTTL: true,
		done:        make(chan struct{}),
		log:         slog.With("comp", "fullsync"),
	}
}

// Done closes when the cursor completed or the RDB stream ended: the
// full-sync-complete marker.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) Run(ctx context.Context, strategy Strategy) error {
	e.log.Info("full sync starting", "strategy", strategy)
	var err error
	switch strategy {
	case StrategyScan:
		err = e.runScan(ctx, false)
	case StrategyDumpRestore:
		err = e.runScan(ctx, true)
	case StrategySync:
		err = e.runSync(ctx)
	default:
		err = fmt.Errorf("fullsync: unknown strategy %q", strategy)
	}
	if err != nil {
		if e.Stats != nil {
			e.Stats.SetFullSyncState("failed")
		}
		return err
	}
	if e.Stats != nil {
		e.Stats.SetFullSyncState("complete")
	}
	e.log.Info("full sync complete")
	close(e.done)
	return nil
}

// runScan walks the keyspace with one SCAN cursor; opaque selects the
// DUMP read path over the typed one.
func (e *Engine) runScan(ctx context.Context, opaque bool) error {
	client, err := e.Source.Acquire(ctx)
	if err != nil {
		return err
	}

	var cursor uint64
	var emitted int64
	for {
		keys, next, err := client.Scan(ctx, cursor, "*", int64(e.ScanCount)).Result()
		if err != nil {
			e.Source.MarkBroken(ctx, err)
			return fmt.Errorf("fullsync: SCAN: %w", err)
		}

		for _, key := range keys {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// name-only prefilter saves the read for excluded keys
			if e.Filter != nil && !e.Filter.Accept(filter.Probe{Key: key}) {
				continue
			}

			var rec codec.Record
			if opaque {
				rec, err = codec.ReadDump(ctx, client, key)
			} else {
				rec, err = codec.Read(ctx, client, key)
			}
			if err != nil {
				e.Source.MarkBroken(ctx, err)
				e.log.Warn("read failed during full sync", "key", key, "error", err)
				continue
			}
			if rec.Tombstone() {
				// expired while we were walking
				continue
			}
			if e.Filter != nil && !e.Filter.Accept(filter.Probe{Key: key, TTL: rec.TTL, Size: rec.ApproxSize()}) {
				continue
			}
			if !e.PreserveTTL {
				rec.TTL = 0
			}

			if err := e.Sink(ctx, dispatch.NewEvent(rec)); err != nil {
				return err
			}
			emitted++
			if e.Stats != nil {
				e.Stats.AddFullSyncKeys(1)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	e.log.Info("scan walk finished", "keys", emitted)
	return nil
}

// runSync pulls an RDB snapshot over a dedicated replication socket and
// decodes it into key records.
func (e *Engine) runSync(ctx context.Context) error {
	conn, err := e.Source.Replication(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteCommand("SYNC"); err != nil {
		return fmt.Errorf("fullsync: SYNC: %w", err)
	}

	length, _, err := conn.Reader().ReadBulkHeader()
	if err != nil {
		return fmt.Errorf("fullsync: reading RDB header: %w", err)
	}
	e.log.Info("receiving RDB snapshot", "bytes", length)

	body := io.LimitReader(conn.Reader().Payload(), length)
	return e.DecodeRDB(ctx, body)
}

// DecodeRDB parses an RDB document and sinks one event per key that
// passes the filter. The PSYNC driver reuses it for the FULLRESYNC
// payload.
func (e *Engine) DecodeRDB(ctx context.Context, r io.Reader) error {
	return decodeRDB(ctx, r, e.WantDB, func(rec codec.Record) error {
		if e.Filter != nil && !e.Filter.Accept(filter.Probe{Key: rec.Key, TTL: rec.TTL, Size: rec.ApproxSize()}) {
			return nil
		}
		if !e.PreserveTTL {
			rec.TTL = 0
		}
		if e.Stats != nil {
			e.Stats.AddFullSyncKeys(1)
		}
		return e.Sink(ctx, dispatch.NewEvent(rec))
	})
}
