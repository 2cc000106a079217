package driver

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/awinterman/redismirror/internal/codec"
	"github.com/awinterman/redismirror/internal/dispatch"
	"github.com/awinterman/redismirror/internal/filter"
	"github.com/awinterman/redismirror/internal/status"
	"github.com/awinterman/redismirror/internal/supervisor"
)

// idleEpsilon widens the changed-key window so clock skew between the
// tick timer and the server's idle clock does not drop writes.
const idleEpsilon = 5 * time.Second

// Scan polls the source with one SCAN cursor walk per tick and treats
// OBJECT IDLETIME at or below the interval plus idleEpsilon as
// "recently touched". Deletions
// are inferred by diffing against the previous tick's key set. The
// tradeoffs are documented: sub-interval overwrites collapse into one
// event, and an expiry is indistinguishable from a deletion.
type Scan struct {
	Source     *supervisor.Supervisor
	Filter     *filter.Filter
	Interval   time.Duration
	MaxChanges int
	ScanCount  int
	Stats      *status.Status

	events chan dispatch.Event
	prior  map[string]struct{}
	log    *slog.Logger
}

func NewScan(source *supervisor.Supervisor, f *filter.Filter, interval time.Duration, maxChanges, scanCount int, stats *status.Status) *Scan {
	return &Scan{
		Source:     source,
		Filter:     f,
		Interval:   interval,
		MaxChanges: maxChanges,
		ScanCount:  scanCount,
		Stats:      stats,
		events:     make(chan dispatch.Event, 256),
		log:        slog.With("comp", "scan-driver"),
	}
}

func (s *Scan) Events() <-chan dispatch.Event { return s.events }

func (s *Scan) Run(ctx context.Context) error {
	if s.Stats != nil {
		s.Stats.SetDriverState("scan")
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// no source means no events; the next tick retries
				s.log.Warn("incremental tick failed", "error", err)
			}
		}
	}
}

// tick performs exactly one cursor walk regardless of target count.
func (s *Scan) tick(ctx context.Context) error {
	client, err := s.Source.Acquire(ctx)
	if err != nil {
		return err
	}

	keys, err := s.walk(ctx, client)
	if err != nil {
		s.Source.MarkBroken(ctx, err)
		return err
	}

	changed, err := s.changedKeys(ctx, client, keys)
	if err != nil {
		s.Source.MarkBroken(ctx, err)
		return err
	}

	emitted := 0
	for _, key := range changed {
		if emitted >= s.MaxChanges {
			s.log.Warn("change cap reached; remaining keys wait for the next tick", "cap", s.MaxChanges)
			break
		}
		rec, err := codec.Read(ctx, client, key)
		if err != nil {
			s.log.Warn("read failed", "key", key, "error", err)
			continue
		}
		if err := emit(ctx, s.events, dispatch.NewEvent(rec)); err != nil {
			return err
		}
		emitted++
	}

	// keys present last tick and gone now are deletions (or expiries;
	// the effect on targets is the same)
	current := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		current[k] = struct{}{}
	}
	for _, key := range deletedKeys(s.prior, current) {
		if err := emit(ctx, s.events, dispatch.NewEvent(codec.Tombstone(key))); err != nil {
			return err
		}
	}
	s.prior = current

	if emitted > 0 {
		s.log.Info("tick complete", "changed", len(changed), "emitted", emitted)
	}
	return nil
}

func (s *Scan) walk(ctx context.Context, client *redis.Client) ([]string, error) {
	var all []string
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, "*", int64(s.ScanCount)).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if s.Filter == nil || s.Filter.Accept(filter.Probe{Key: k}) {
				all = append(all, k)
			}
		}
		cursor = next
		if cursor == 0 {
			return all, nil
		}
	}
}

// changedKeys probes OBJECT IDLETIME in pipeline batches and keeps the
// keys touched within the interval window.
func (s *Scan) changedKeys(ctx context.Context, client *redis.Client, keys []string) ([]string, error) {
	var changed []string
	const batch = 1000
	for start := 0; start < len(keys); start += batch {
		end := start + batch
		if end > len(keys) {
			end = len(keys)
		}

		pipe := client.Pipeline()
		cmds := make([]*redis.DurationCmd, 0, end-start)
		for _, k := range keys[start:end] {
			cmds = append(cmds, pipe.ObjectIdleTime(ctx, k))
		}
		if _, err := pipe.Exec(ctx); err != nil && !isPerKeyErr(err) {
			return nil, err
		}

		for i, cmd := range cmds {
			idle, err := cmd.Result()
			if err != nil {
				// the key vanished between walk and probe; the diff
				// pass will tombstone it next tick
				continue
			}
			if recentlyTouched(idle, s.Interval) {
				changed = append(changed, keys[start+i])
			}
		}
	}
	return changed, nil
}

// recentlyTouched is the change heuristic: idle below interval+epsilon
// means the key was written (or merely read, the documented false positive)
// since the last tick.
func recentlyTouched(idle, interval time.Duration) bool {
	return idle <= interval+idleEpsilon
}

// deletedKeys returns keys in prior but not in current, sorted order
// not guaranteed.
func deletedKeys(prior, current map[string]struct{}) []string {
	var gone []string
	for k := range prior {
		if _, ok := current[k]; !ok {
			gone = append(gone, k)
		}
	}
	return gone
}

// isPerKeyErr says whether a pipeline Exec error came from individual
// command replies (which the per-command Result calls surface) rather
// than the connection.
func isPerKeyErr(err error) bool {
	return err != nil && !supervisor.IsTransport(err)
}
