// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

// Package mirror wires the engine together: supervisors, full sync,
// the incremental driver, the dedup cache and the fan-out dispatcher,
// plus the status web server. It owns the service lifecycle and the
// exit-code contract with the CLI.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/awinterman/redismirror/config"
	"github.com/awinterman/redismirror/internal/dedup"
	"github.com/awinterman/redismirror/internal/dispatch"
	"github.com/awinterman/redismirror/internal/driver"
	"github.com/awinterman/redismirror/internal/filter"
	"github.com/awinterman/redismirror/internal/fullsync"
	"github.com/awinterman/redismirror/internal/health"
	"github.com/awinterman/redismirror/internal/status"
	"github.com/awinterman/redismirror/internal/supervisor"
	"github.com/awinterman/redismirror/protocol"
	"github.com/awinterman/redismirror/web"
)

// Exit codes surfaced by the CLI.
const (
	ExitOK          = 0
	ExitConfig      = 2
	ExitSource      = 3
	ExitReplication = 4
)

const shutdownGrace = 5 * time.Second

// ErrSourceUnreachable: the source could not be reached at start after
// the maximum attempts (exit 3).
var ErrSourceUnreachable = errors.New("mirror: source unreachable at start")

// Service is one configured replication engine instance.
type Service struct {
	cfg   *config.Config
	log   *slog.Logger
	stats *status.Status

	source  *supervisor.Supervisor
	targets map[string]*supervisor.Supervisor
	monitor *health.Monitor
	cache   *dedup.Cache
}

func New(cfg *config.Config) *Service {
	names := make([]string, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		names = append(names, t.Name)
	}
	return &Service{
		cfg:   cfg,
		log:   slog.With("comp", "mirror"),
		stats: status.New(names),
	}
}

// Status exposes the counter surface, mainly for the web view.
func (s *Service) Status() *status.Status { return s.stats }

// Run executes the service until ctx is cancelled or the engine fails
// irrecoverably. Mode "full" performs the materialization and returns.
func (s *Service) Run(ctx context.Context) error {
	s.cache = dedup.NewCache(
		s.cfg.Service.Dedup.MaxEntries,
		time.Duration(s.cfg.Service.Dedup.WindowMillis)*time.Millisecond,
	)
	s.monitor = health.NewMonitor(
		s.cfg.Service.Failover.Enabled,
		s.cfg.Service.Failover.MaxFailures,
		time.Duration(s.cfg.Service.Failover.RecoveryDelay)*time.Second,
		func(e health.Event) {
			s.log.Info("failover event", "kind", e.Kind, "endpoint", e.Endpoint, "detail", e.Detail)
		},
	)

	if err := s.connectSource(ctx); err != nil {
		return err
	}
	defer s.source.Close()

	s.connectTargets(ctx)
	defer func() {
		for _, sup := range s.targets {
			sup.Close()
		}
	}()

	disp := s.buildDispatcher()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(disp.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(s.source.Run(gctx)) })
	for _, sup := range s.targets {
		sup := sup
		g.Go(func() error { return ignoreCancel(sup.Run(gctx)) })
	}

	if s.cfg.Service.Web.Enabled {
		srv := web.New(s.cfg.Service.Web.Listen, s.stats, s.cfg)
		g.Go(func() error { return ignoreCancel(srv.Run(gctx)) })
	}

	g.Go(func() error {
		err := s.replicate(gctx, disp)
		if err != nil && gctx.Err() == nil {
			return fmt.Errorf("mirror: replication failed: %w", err)
		}
		if err == nil {
			// replicate only returns nil once all configured work is
			// done (one-shot modes); unwind the task tree
			return errWorkComplete
		}
		return ignoreCancel(err)
	})

	err := s.waitWithGrace(ctx, g)
	if errors.Is(err, errWorkComplete) {
		return nil
	}
	return err
}

// errWorkComplete unwinds the errgroup when a one-shot mode finishes.
var errWorkComplete = errors.New("mirror: work complete")

// replicate runs the full-sync phase and then the incremental phase,
// per the configured mode.
func (s *Service) replicate(ctx context.Context, disp *dispatch.Dispatcher) error {
	mode := s.cfg.Sync.Mode

	var full *fullsync.Engine
	if mode == "full" || mode == "hybrid" {
		full = s.buildFullSync(disp)
		s.stats.SetFullSyncState("running")
		if err := full.Run(ctx, fullsync.Strategy(s.cfg.Sync.FullSync.Strategy)); err != nil {
			return err
		}
		if mode == "full" {
			// one-shot materialization: let the lanes drain, then done
			return drain(ctx, disp)
		}
	}

	inc := s.cfg.Sync.IncrementalSync
	if !inc.Enabled && mode != "incremental" {
		// hybrid with incremental switched off behaves like full
		return drain(ctx, disp)
	}

	if full != nil {
		// hybrid: incremental does not start emitting before the
		// full-sync-complete marker
		select {
		case <-full.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return s.runIncremental(ctx, disp, inc.Driver)
}

// runIncremental owns the driver lifecycle, including the PSYNC-to-scan
// downgrade path.
func (s *Service) runIncremental(ctx context.Context, disp *dispatch.Dispatcher, name string) error {
	for {
		err := s.pump(ctx, disp, s.buildDriver(name))
		if errors.Is(err, driver.ErrDowngrade) && name == "psync" {
			s.log.Warn("downgrading incremental driver", "from", "psync", "to", "scan")
			name = "scan"
			continue
		}
		return err
	}
}

// pump moves events from one driver through dedup into the dispatcher
// until the driver's Run returns.
func (s *Service) pump(ctx context.Context, disp *dispatch.Dispatcher, drv driver.Driver) error {
	errCh := make(chan error, 1)
	go func() { errCh <- drv.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-drv.Events():
			if s.cache.Seen(ev.Fingerprint) {
				continue
			}
			if err := disp.Dispatch(ctx, ev); err != nil {
				return err
			}
		case err := <-errCh:
			return err
		}
	}
}

func (s *Service) connectSource(ctx context.Context) error {
	// reconnects after start are unbounded: losing the source pauses
	// dispatch, it does not kill the service
	s.source = supervisor.New("", s.cfg.Source, s.cfg.Service.Retry, true)
	s.source.OnStateChange = func(_ string, st supervisor.State) {
		s.stats.SetSourceState(st.String())
		if st == supervisor.Healthy {
			s.log.Info("source session healthy")
		}
	}
	if err := s.source.ConnectBounded(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
	}
	return nil
}

func (s *Service) connectTargets(ctx context.Context) {
	s.targets = make(map[string]*supervisor.Supervisor, len(s.cfg.Targets))
	for _, t := range s.cfg.Targets {
		s.monitor.Register(t.Name, t.Enabled)
		if !t.Enabled {
			s.stats.Target(t.Name).State.Store(health.Disabled.String())
			continue
		}
		sup := supervisor.New(t.Name, t.Endpoint, s.cfg.Service.Retry, false)
		s.targets[t.Name] = sup
		if err := sup.Connect(ctx); err != nil {
			// the health tick keeps trying; dispatch skips it meanwhile
			s.log.Error("target unavailable at start", "target", t.Name, "error", err)
		}
	}
}

func (s *Service) buildDispatcher() *dispatch.Dispatcher {
	applier := &dispatch.RedisApplier{Source: s.source, Targets: s.targets}
	var targets []dispatch.Target
	for _, t := range s.cfg.Targets {
		if !t.Enabled {
			continue
		}
		targets = append(targets, dispatch.Target{
			Name:   t.Name,
			Filter: filter.New(s.cfg.Filters, t.Filters),
		})
	}
	queue := s.cfg.Service.Performance.MaxWorkers * 32
	return dispatch.New(targets, applier, s.monitor, s.stats, queue)
}

func (s *Service) buildFullSync(disp *dispatch.Dispatcher) *fullsync.Engine {
	e := fullsync.New(s.source, filter.New(s.cfg.Filters, nil), disp.Dispatch)
	e.ScanCount = s.cfg.Sync.FullSync.ScanCount
	e.BatchSize = s.cfg.Sync.FullSync.BatchSize
	e.PreserveTTL = s.cfg.Sync.FullSync.PreserveTTL
	e.WantDB = s.cfg.Source.DB
	e.Stats = s.stats
	return e
}

func (s *Service) buildDriver(name string) driver.Driver {
	f := filter.New(s.cfg.Filters, nil)
	interval := time.Duration(s.cfg.Sync.IncrementalSync.Interval) * time.Second
	switch name {
	case "psync":
		port := webPort(s.cfg.Service.Web.Listen)
		return driver.NewPSync(
			func(ctx context.Context) (*protocol.Conn, error) { return s.source.Replication(ctx) },
			func(ctx context.Context) (*redis.Client, error) { return s.source.Acquire(ctx) },
			f, s.cfg.Source.DB, port, s.stats,
		)
	case "sync":
		return driver.NewSync(s.source, f, interval, s.cfg.Source.DB, s.stats)
	default:
		return driver.NewScan(s.source, f, interval,
			s.cfg.Sync.IncrementalSync.MaxChangesPerSync,
			s.cfg.Sync.FullSync.ScanCount, s.stats)
	}
}

// waitWithGrace waits for the task tree, giving it the shutdown grace
// period once the outer context ends before declaring it stuck.
func (s *Service) waitWithGrace(ctx context.Context, g *errgroup.Group) error {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		select {
		case err := <-done:
			return err
		case <-time.After(shutdownGrace):
			return fmt.Errorf("mirror: tasks did not stop within %s", shutdownGrace)
		}
	}
}

// drain waits for the dispatcher's lanes to finish the queued work.
func drain(ctx context.Context, disp *dispatch.Dispatcher) error {
	for !disp.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

func webPort(listen string) int {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
