// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

// Package driver holds the three interchangeable producers of change
// events: the portable SCAN+IDLETIME poller, the repeated-resync SYNC
// variant, and the protocol-level PSYNC consumer. The dispatcher sees
// one producer regardless of which is configured.
package driver

import (
	"context"

	"github.com/awinterman/redismirror/internal/dispatch"
)

// Driver is the capability every incremental engine implements. Run
// blocks until ctx ends or the driver fails irrecoverably; Events is
// the shared output channel.
type Driver interface {
	Run(ctx context.Context) error
	Events() <-chan dispatch.Event
}

// emit pushes an event, respecting cancellation. A full channel blocks
// the driver; that is the backpressure contract with the dispatcher.
func emit(ctx context.Context, ch chan<- dispatch.Event, ev dispatch.Event) error {
	select {
	case ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
