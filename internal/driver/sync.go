package driver

import (
	"context"
	"log/slog"
	"time"

	"github.com/awinterman/redismirror/internal/dispatch"
	"github.com/awinterman/redismirror/internal/filter"
	"github.com/awinterman/redismirror/internal/fullsync"
	"github.com/awinterman/redismirror/internal/status"
	"github.com/awinterman/redismirror/internal/supervisor"
)

// Sync is the simplest driver: a full RDB resynchronization on a timer,
// re-dispatching everything. Bandwidth-heavy, eventually correct.
type Sync struct {
	Source   *supervisor.Supervisor
	Filter   *filter.Filter
	Interval time.Duration
	WantDB   int
	Stats    *status.Status

	events chan dispatch.Event
	log    *slog.Logger
}

func NewSync(source *supervisor.Supervisor, f *filter.Filter, interval time.Duration, wantDB int, stats *status.Status) *Sync {
	return &Sync{
		Source:   source,
		Filter:   f,
		Interval: interval,
		WantDB:   wantDB,
		Stats:    stats,
		events:   make(chan dispatch.Event, 256),
		log:      slog.With("comp", "sync-driver"),
	}
}

func (s *Sync) Events() <-chan dispatch.Event { return s.events }

func (s *Sync) Run(ctx context.Context) error {
	if s.Stats != nil {
		s.Stats.SetDriverState("sync")
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			engine := fullsync.New(s.Source, s.Filter, func(ctx context.Context, ev dispatch.Event) error {
				return emit(ctx, s.events, ev)
			})
			engine.WantDB = s.WantDB
			if err := engine.Run(ctx, fullsync.StrategySync); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Warn("resync failed; next interval retries", "error", err)
			}
		}
	}
}
