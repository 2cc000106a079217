// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/awinterman/redismirror/internal/codec"
	"github.com/awinterman/redismirror/internal/dispatch"
	"github.com/awinterman/redismirror/internal/filter"
	"github.com/awinterman/redismirror/internal/fullsync"
	"github.com/awinterman/redismirror/internal/status"
	"github.com/awinterman/redismirror/protocol"
)

// ErrDowngrade is returned when the source repeatedly answers the
// handshake with something unrecognizable (managed offerings often
// reject PSYNC) and the service should fall back to the scan driver.
var ErrDowngrade = errors.New("psync: source does not speak PSYNC; downgrade to the scan driver")

const (
	ackInterval         = time.Second
	handshakeFailLimit  = 3
	defaultStreamBuffer = 256
)

// PSync speaks the replication subprotocol: handshake, FULLRESYNC or
// CONTINUE, then the inline command stream with REPLCONF ACK
// heartbeats. State machine: Init → Handshake → FullResync → Streaming
// → Backoff → Handshake.
type PSync struct {
	// Dial opens a fresh authenticated replication socket.
	Dial func(ctx context.Context) (*protocol.Conn, error)
	// Client yields the pooled source client used to synthesize whole
	// values for partial-payload commands.
	Client func(ctx context.Context) (*redis.Client, error)

	Filter *filter.Filter
	WantDB int
	// ListeningPort is what REPLCONF listening-port reports. This
	// service listens on no RESP port; the dashboard port is the
	// closest observable truth.
	ListeningPort int
	Stats         *status.Status
	// BackoffDelay between reconnect attempts.
	BackoffDelay time.Duration

	events chan dispatch.Event
	log    *slog.Logger

	// replication cursor: retained across reconnects to attempt a
	// partial resync, reset only by FULLRESYNC
	replID string
	offset atomic.Int64

	// db currently selected by the stream
	streamDB int
}

func NewPSync(dial func(ctx context.Context) (*protocol.Conn, error), client func(ctx context.Context) (*redis.Client, error), f *filter.Filter, wantDB, listeningPort int, stats *status.Status) *PSync {
	p := &PSync{
		Dial:          dial,
		Client:        client,
		Filter:        f,
		WantDB:        wantDB,
		ListeningPort: listeningPort,
		Stats:         stats,
		BackoffDelay:  5 * time.Second,
		events:        make(chan dispatch.Event, defaultStreamBuffer),
		log:           slog.With("comp", "psync-driver"),
	}
	return p
}

func (p *PSync) Events() <-chan dispatch.Event { return p.events }

// Cursor reports the current replication cursor.
func (p *PSync) Cursor() (string, int64) {
	return p.replID, p.offset.Load()
}

// SetCursor seeds the cursor, e.g. when resuming against a master whose
// backlog still covers the offset.
func (p *PSync) SetCursor(id string, offset int64) {
	p.replID = id
	p.offset.Store(offset)
}

func (p *PSync) Run(ctx context.Context) error {
	badHandshakes := 0
	for ctx.Err() == nil {
		p.setState("handshake")
		err := p.session(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, errBadHandshake):
			badHandshakes++
			p.log.Warn("handshake rejected", "consecutive", badHandshakes, "error", err)
			if badHandshakes >= handshakeFailLimit {
				p.setState("downgraded")
				return ErrDowngrade
			}
		case err != nil:
			badHandshakes = 0
			p.log.Warn("replication session lost", "error", err,
				"replid", p.replID, "offset", p.offset.Load())
		}

		p.setState("backoff")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.BackoffDelay):
		}
	}
	return ctx.Err()
}

// errBadHandshake marks replies that suggest the source will never
// accept the replication handshake (as opposed to transport losses).
var errBadHandshake = errors.New("psync: unrecognized handshake reply")

// session runs one connect-handshake-stream cycle.
func (p *PSync) session(ctx context.Context) error {
	conn, err := p.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := p.handshake(conn); err != nil {
		return err
	}

	reply, err := p.psync(conn)
	if err != nil {
		return err
	}

	switch {
	case strings.HasPrefix(reply, "FULLRESYNC"):
		if err := p.fullResync(ctx, conn, reply); err != nil {
			return err
		}
	case strings.HasPrefix(reply, "CONTINUE"):
		// psync2 masters append the (possibly new) replication id
		if fields := strings.Fields(reply); len(fields) == 2 {
			p.replID = fields[1]
		}
		p.log.Info("partial resync accepted", "replid", p.replID, "offset", p.offset.Load())
	default:
		return fmt.Errorf("%w: %q", errBadHandshake, reply)
	}

	return p.stream(ctx, conn)
}

func (p *PSync) handshake(conn *protocol.Conn) error {
	resp, err := conn.RoundTrip("PING")
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("%w: PING: %v", errBadHandshake, err)
	}

	steps := [][]string{
		{"REPLCONF", "listening-port", strconv.Itoa(p.ListeningPort)},
		{"REPLCONF", "capa", "eof", "capa", "psync2"},
	}
	for _, args := range steps {
		if err := conn.RoundTripOK(args...); err != nil {
			if protoErr(err) {
				return fmt.Errorf("%w: %s: %v", errBadHandshake, strings.Join(args[:2], " "), err)
			}
			return err
		}
	}
	return nil
}

// psync sends the resume cursor (or ? -1 for a fresh start) and returns
// the simple-string reply.
func (p *PSync) psync(conn *protocol.Conn) (string, error) {
	id, off := "?", int64(-1)
	if p.replID != "" {
		id, off = p.replID, p.offset.Load()
	}
	p.log.Info("sending PSYNC", "replid", id, "offset", off)

	resp, err := conn.RoundTrip("PSYNC", id, strconv.FormatInt(off, 10))
	if err != nil {
		return "", err
	}
	if resp.Kind != protocol.SimpleString {
		return "", fmt.Errorf("%w: %s", errBadHandshake, resp)
	}
	return resp.Str, nil
}

// fullResync records the new cursor and consumes the RDB payload that
// follows, feeding it through the full-sync decoder.
func (p *PSync) fullResync(ctx context.Context, conn *protocol.Conn, reply string) error {
	fields := strings.Fields(reply)
	if len(fields) != 3 {
		return fmt.Errorf("%w: %q", errBadHandshake, reply)
	}
	off, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad offset in %q", errBadHandshake, reply)
	}
	p.replID = fields[1]
	p.offset.Store(off)
	p.publishCursor()
	p.setState("full-resync")
	p.log.Info("full resync", "replid", p.replID, "offset", off)

	length, _, err := conn.Reader().ReadBulkHeader()
	if err != nil {
		return fmt.Errorf("psync: reading RDB header: %w", err)
	}
	p.log.Info("consuming RDB payload", "bytes", length)

	engine := fullsync.New(nil, p.Filter, func(ctx context.Context, ev dispatch.Event) error {
		return emit(ctx, p.events, ev)
	})
	engine.WantDB = p.WantDB
	body := io.LimitReader(conn.Reader().Payload(), length)
	if err := engine.DecodeRDB(ctx, body); err != nil {
		return err
	}
	return nil
}

// stream consumes the inline command stream. The offset advances only
// after a command is fully parsed and translated, so the value acked is
// bytes the driver is certain to have applied.
func (p *PSync) stream(ctx context.Context, conn *protocol.Conn) error {
	p.setState("streaming")
	p.streamDB = 0

	ackCtx, stopAck := context.WithCancel(ctx)
	defer stopAck()
	go p.ackLoop(ackCtx, conn)

	// a blocked Read does not watch ctx; closing the socket unblocks it
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopClose()

	for ctx.Err() == nil {
		msg, err := conn.Read()
		if err != nil {
			return err
		}

		if err := p.translate(ctx, msg); err != nil {
			return err
		}

		p.offset.Add(msg.Size)
		p.publishCursor()
	}
	return ctx.Err()
}

// ackLoop sends REPLCONF ACK every second; the ack carries no reply and
// is the master's liveness signal for this link.
func (p *PSync) ackLoop(ctx context.Context, conn *protocol.Conn) {
	ticker := time.NewTicker(ackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// a final ack on the way out carries the last offset
			_ = conn.WriteCommand("REPLCONF", "ACK", strconv.FormatInt(p.offset.Load(), 10))
			return
		case <-ticker.C:
			err := conn.WriteCommand("REPLCONF", "ACK", strconv.FormatInt(p.offset.Load(), 10))
			if err != nil {
				p.log.Warn("ack failed", "error", err)
				return
			}
		}
	}
}

// translate turns one streamed message into zero or more change events.
func (p *PSync) translate(ctx context.Context, msg protocol.Message) error {
	if msg.Kind != protocol.Array {
		// masters interleave +OK and newline keepalives; both are
		// counted by offset accounting and otherwise ignored
		return nil
	}
	cmd, err := msg.Command()
	if err != nil {
		p.log.Warn("unparseable stream entry", "msg", msg.String(), "error", err)
		return nil
	}

	if cmd.Name == "SELECT" && len(cmd.Args) == 1 {
		if db, err := strconv.Atoi(cmd.Args[0]); err == nil {
			p.streamDB = db
		}
		return nil
	}

	class, keys := cmd.Classify()
	if class == protocol.ClassSkip {
		return nil
	}
	if p.streamDB != p.WantDB && !(class == protocol.ClassFlush && cmd.Name == "FLUSHALL") {
		// writes to other databases are consumed for offset purposes
		// but produce no events
		return nil
	}

	switch class {
	case protocol.ClassDelete:
		for _, key := range keys {
			if err := emit(ctx, p.events, dispatch.NewEvent(codec.Tombstone(key))); err != nil {
				return err
			}
		}
	case protocol.ClassFlush:
		return emit(ctx, p.events, dispatch.NewEvent(codec.Flush()))
	case protocol.ClassTouch:
		for _, key := range keys {
			rec, ok, err := p.synthesize(ctx, cmd, key)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := emit(ctx, p.events, dispatch.NewEvent(rec)); err != nil {
				return err
			}
		}
	default:
		p.log.Info("skipping unsupported command", "cmd", cmd.Name)
	}
	return nil
}

// synthesize builds the whole-value record for a touched key. SET
// carries its full payload in the command; everything else re-reads the
// current value from the source.
func (p *PSync) synthesize(ctx context.Context, cmd protocol.Command, key string) (codec.Record, bool, error) {
	if cmd.Name == "SET" && len(cmd.Args) >= 2 {
		rec := codec.Record{Key: key, Kind: codec.KindString, Value: cmd.Args[1]}
		rec.TTL = setTTL(cmd.Args[2:])
		return rec, true, nil
	}

	if p.Client == nil {
		p.log.Warn("no source client configured; skipping synthesis", "key", key, "cmd", cmd.Name)
		return codec.Record{}, false, nil
	}
	client, err := p.Client(ctx)
	if err != nil {
		// no source client means no synthesis; the key is retried on
		// its next touch
		p.log.Warn("cannot synthesize without a source session", "key", key, "error", err)
		return codec.Record{}, false, nil
	}
	rec, err := codec.Read(ctx, client, key)
	if err != nil {
		p.log.Warn("synthesis read failed", "key", key, "error", err)
		return codec.Record{}, false, nil
	}
	return rec, true, nil
}

// setTTL extracts the expiry options from a streamed SET.
func setTTL(opts []string) time.Duration {
	for i := 0; i < len(opts); i++ {
		switch strings.ToUpper(opts[i]) {
		case "PX":
			if i+1 < len(opts) {
				if ms, err := strconv.ParseInt(opts[i+1], 10, 64); err == nil {
					return time.Duration(ms) * time.Millisecond
				}
			}
		case "EX":
			if i+1 < len(opts) {
				if s, err := strconv.ParseInt(opts[i+1], 10, 64); err == nil {
					return time.Duration(s) * time.Second
				}
			}
		case "PXAT":
			if i+1 < len(opts) {
				if at, err := strconv.ParseInt(opts[i+1], 10, 64); err == nil {
					return time.Until(time.UnixMilli(at))
				}
			}
		case "EXAT":
			if i+1 < len(opts) {
				if at, err := strconv.ParseInt(opts[i+1], 10, 64); err == nil {
					return time.Until(time.Unix(at, 0))
				}
			}
		}
	}
	return 0
}

func (p *PSync) setState(s string) {
	if p.Stats != nil {
		p.Stats.SetDriverState("psync:" + s)
	}
}

func (p *PSync) publishCursor() {
	if p.Stats != nil {
		p.Stats.SetReplicationCursor(p.replID, p.offset.Load())
	}
}

// protoErr distinguishes a RESP error reply from a transport loss.
func protoErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "ERR") ||
		strings.Contains(msg, "expected +OK") ||
		strings.Contains(msg, "unknown command")
}
