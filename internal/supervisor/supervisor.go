// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

// Package supervisor keeps one managed session per endpoint alive
// across flaky WAN links: bounded exponential-backoff reconnects,
// periodic health pings, and a borrow primitive that either yields a
// live client or fails fast.
package supervisor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/awinterman/redismirror/config"
	"github.com/awinterman/redismirror/protocol"
)

type State int32

const (
	Healthy State = iota
	Reconnecting
	Broken
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Reconnecting:
		return "reconnecting"
	case Broken:
		return "broken"
	default:
		return "unknown"
	}
}

var (
	// ErrUnavailable: the session is reconnecting; try again later.
	ErrUnavailable = errors.New("supervisor: session unavailable")
	// ErrBroken: reconnection gave up; only a health tick revives it.
	ErrBroken = errors.New("supervisor: session broken")
	// ErrAuth: the endpoint rejected our credentials. Not retried.
	ErrAuth = errors.New("supervisor: authentication rejected")
)

// HealthInterval is how often Healthy sessions get pinged.
const HealthInterval = 30 * time.Second

// Supervisor manages the session to a single endpoint. The source
// supervisor reconnects forever; target supervisors give up after the
// configured attempts and go Broken until the next health tick.
type Supervisor struct {
	Name string // "" for the source

	ep        config.Endpoint
	retry     config.Retry
	unbounded bool
	log       *slog.Logger

	mu           sync.Mutex
	client       *redis.Client
	state        State
	lastErr      error
	reconnecting bool

	// OnStateChange, when set, observes every transition. Used by the
	// health monitor to surface source reconnects.
	OnStateChange func(name string, s State)
}

func New(name string, ep config.Endpoint, retry config.Retry, unbounded bool) *Supervisor {
	comp := "target-session"
	if name == "" {
		comp = "source-session"
	}
	return &Supervisor{
		Name:      name,
		ep:        ep,
		retry:     retry,
		unbounded: unbounded,
		state:     Reconnecting,
		log:       slog.With("comp", comp, "endpoint", ep.Addr(), "name", name),
	}
}

func (s *Supervisor) options() *redis.Options {
	opts := &redis.Options{
		Addr:         s.ep.Addr(),
		Password:     s.ep.Password,
		DB:           s.ep.DB,
		DialTimeout:  s.ep.ConnectTimeout(),
		ReadTimeout:  s.ep.ReadTimeout(),
		WriteTimeout: s.ep.ReadTimeout(),
		// retrying is this package's job, not the pool's
		MaxRetries: -1,
	}
	keepalive := 30 * time.Second
	if !s.ep.SocketKeepalive {
		keepalive = -1
	}
	dialer := &net.Dialer{Timeout: s.ep.ConnectTimeout(), KeepAlive: keepalive}
	opts.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, addr)
	}
	if s.ep.TLS {
		opts.TLSConfig = &tls.Config{ServerName: s.ep.Host}
	}
	return opts
}

// Connect performs the initial open-auth-select-ping sequence with the
// retry policy applied. It is called once at service start; afterwards
// reconnection is the background loop's business.
func (s *Supervisor) Connect(ctx context.Context) error {
	err := s.reconnect(ctx, s.unbounded)
	if err != nil {
		s.setState(Broken, err)
	}
	return err
}

// ConnectBounded is Connect with the attempt limit enforced even for
// otherwise-unbounded sessions. The service start uses it so a dead
// source fails the process instead of retrying forever.
func (s *Supervisor) ConnectBounded(ctx context.Context) error {
	err := s.reconnect(ctx, false)
	if err != nil {
		s.setState(Broken, err)
	}
	return err
}

// Acquire yields the live client or fails fast with a typed error. A
// Broken session is never handed out.
func (s *Supervisor) Acquire(ctx context.Context) (*redis.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Healthy:
		return s.client, nil
	case Broken:
		return nil, fmt.Errorf("%w: %s", ErrBroken, s.ep.Addr())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, s.ep.Addr())
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) LastErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// MarkBroken demotes the session after an operation error and schedules
// a background reconnect. Non-transport errors are ignored: a WRONGTYPE
// reply says nothing about the link.
func (s *Supervisor) MarkBroken(ctx context.Context, err error) {
	if !IsTransport(err) {
		return
	}
	s.mu.Lock()
	if s.state == Healthy {
		s.state = Reconnecting
		s.lastErr = err
		s.notifyLocked()
		s.log.Warn("session lost", "error", err)
	}
	already := s.reconnecting
	s.reconnecting = true
	s.mu.Unlock()

	if !already {
		go func() {
			defer func() {
				s.mu.Lock()
				s.reconnecting = false
				s.mu.Unlock()
			}()
			if err := s.reconnect(ctx, s.unbounded); err != nil {
				s.setState(Broken, err)
				s.log.Error("reconnect gave up", "error", err)
			}
		}()
	}
}

// reconnect runs the backoff loop until the session is Healthy, the
// attempts run out, or ctx ends.
func (s *Supervisor) reconnect(ctx context.Context, unbounded bool) error {
	delay := time.Duration(s.retry.InitialDelay) * time.Second
	maxDelay := time.Duration(s.retry.MaxDelay) * time.Second

	for attempt := 1; ; attempt++ {
		err := s.dialOnce(ctx)
		if err == nil {
			s.setState(Healthy, nil)
			s.log.Info("session established", "attempt", attempt)
			return nil
		}
		if errors.Is(err, ErrAuth) || ctx.Err() != nil {
			return err
		}

		s.setState(Reconnecting, err)
		if !unbounded && attempt >= s.retry.MaxAttempts {
			return fmt.Errorf("supervisor: %s unreachable after %d attempts: %w", s.ep.Addr(), attempt, err)
		}

		s.log.Warn("connect failed", "attempt", attempt, "retry_in", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * s.retry.BackoffFactor)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (s *Supervisor) dialOnce(ctx context.Context) error {
	client := redis.NewClient(s.options())

	pingCtx, cancel := context.WithTimeout(ctx, s.ep.ConnectTimeout())
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		if isAuthErr(err) {
			return fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return err
	}

	s.mu.Lock()
	old := s.client
	s.client = client
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Run drives the periodic health tick until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.healthTick(ctx)
		}
	}
}

func (s *Supervisor) healthTick(ctx context.Context) {
	s.mu.Lock()
	state := s.state
	client := s.client
	reconnecting := s.reconnecting
	s.mu.Unlock()

	switch state {
	case Healthy:
		pingCtx, cancel := context.WithTimeout(ctx, s.ep.ReadTimeout())
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			s.log.Warn("health ping failed", "error", err)
			s.MarkBroken(ctx, err)
		}
	case Broken:
		// the tick is what revives a Broken session
		if !reconnecting {
			s.mu.Lock()
			s.state = Reconnecting
			s.reconnecting = true
			s.notifyLocked()
			s.mu.Unlock()
			go func() {
				defer func() {
					s.mu.Lock()
					s.reconnecting = false
					s.mu.Unlock()
				}()
				if err := s.reconnect(ctx, s.unbounded); err != nil {
					s.setState(Broken, err)
				}
			}()
		}
	}
}

// Replication dials a dedicated raw socket to the endpoint and
// authenticates it. PSYNC and SYNC cannot run on a pooled client
// connection; they take over the socket entirely.
func (s *Supervisor) Replication(ctx context.Context) (*protocol.Conn, error) {
	keepalive := 30 * time.Second
	if !s.ep.SocketKeepalive {
		keepalive = -1
	}
	dialer := &net.Dialer{Timeout: s.ep.ConnectTimeout(), KeepAlive: keepalive}

	nc, err := dialer.DialContext(ctx, "tcp", s.ep.Addr())
	if err != nil {
		return nil, fmt.Errorf("supervisor: dial replication socket: %w", err)
	}
	if s.ep.TLS {
		tc := tls.Client(nc, &tls.Config{ServerName: s.ep.Host})
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = nc.Close()
			return nil, fmt.Errorf("supervisor: tls handshake: %w", err)
		}
		nc = tc
	}

	conn := protocol.NewConn(nc)
	conn.ReadTimeout = s.ep.ReadTimeout()
	if s.ep.Password != "" {
		if err := conn.RoundTripOK("AUTH", s.ep.Password); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %v", ErrAuth, err)
		}
	}
	return conn, nil
}

func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *Supervisor) setState(st State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == st {
		return
	}
	s.state = st
	s.lastErr = err
	s.notifyLocked()
}

func (s *Supervisor) notifyLocked() {
	if s.OnStateChange != nil {
		go s.OnStateChange(s.Name, s.state)
	}
}

// IsTransport reports whether err looks like a lost connection rather
// than a protocol-level reply.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "LOADING") ||
		strings.Contains(msg, "i/o timeout")
}

func isAuthErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NOAUTH") ||
		strings.Contains(msg, "WRONGPASS") ||
		strings.Contains(msg, "invalid password")
}
