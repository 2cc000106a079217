package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/awinterman/redismirror/internal/codec"
	"github.com/awinterman/redismirror/internal/supervisor"
)

// RedisApplier is the production Applier: borrow the target session,
// run the codec write path, and fall back from RESTORE to the
// kind-specific path when the target rejects the dump payload.
type RedisApplier struct {
	Source  *supervisor.Supervisor
	Targets map[string]*supervisor.Supervisor
}

func (a *RedisApplier) Apply(ctx context.Context, target string, ev Event) error {
	sup, ok := a.Targets[target]
	if !ok {
		return fmt.Errorf("dispatch: unknown target %q", target)
	}
	client, err := sup.Acquire(ctx)
	if err != nil {
		return err
	}

	err = codec.Apply(ctx, client, ev.Record)
	if errors.Is(err, codec.ErrRestoreMismatch) {
		// incompatible serialization versions: re-read typed and retry
		rec, rerr := a.reread(ctx, ev.Record.Key)
		if rerr != nil {
			return fmt.Errorf("dispatch: restore fallback read: %w", rerr)
		}
		err = codec.Apply(ctx, client, rec)
	}
	if err != nil {
		sup.MarkBroken(ctx, err)
		return err
	}
	return nil
}

func (a *RedisApplier) reread(ctx context.Context, key string) (codec.Record, error) {
	client, err := a.Source.Acquire(ctx)
	if err != nil {
		return codec.Record{}, err
	}
	return codec.Read(ctx, client, key)
}
