package driver

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/awinterman/redismirror/internal/codec"
	"github.com/awinterman/redismirror/internal/dispatch"
	"github.com/awinterman/redismirror/protocol"
)

// fakeMaster is a scripted replication master: it answers the
// handshake, serves a configured PSYNC reply plus stream payload, and
// records every REPLCONF ACK offset it receives.
type fakeMaster struct {
	l          net.Listener
	psyncReply string
	stream     []byte

	mu   sync.Mutex
	acks []int64
}

func newFakeMaster(t *testing.T, psyncReply string, stream []byte) *fakeMaster {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	m := &fakeMaster{l: l, psyncReply: psyncReply, stream: stream}
	go m.serve()
	t.Cleanup(func() { l.Close() })
	return m
}

func (m *fakeMaster) addr() string { return m.l.Addr().String() }

func (m *fakeMaster) ackOffsets() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.acks...)
}

func (m *fakeMaster) serve() {
	for {
		conn, err := m.l.Accept()
		if err != nil {
			return
		}
		go m.session(conn)
	}
}

func (m *fakeMaster) session(conn net.Conn) {
	defer conn.Close()
	r := protocol.NewReader(conn)
	for {
		msg, err := r.ReadMessage()
		if err != nil {
			return
		}
		cmd, err := msg.Command()
		if err != nil {
			return
		}
		switch cmd.Name {
		case "PING":
			conn.Write([]byte("+PONG\r\n"))
		case "REPLCONF":
			if len(cmd.Args) >= 2 && cmd.Args[0] == "ACK" {
				if off, err := strconv.ParseInt(cmd.Args[1], 10, 64); err == nil {
					m.mu.Lock()
					m.acks = append(m.acks, off)
					m.mu.Unlock()
				}
				continue // ACK gets no reply
			}
			conn.Write([]byte("+OK\r\n"))
		case "PSYNC":
			conn.Write([]byte(m.psyncReply))
			if len(m.stream) > 0 {
				conn.Write(m.stream)
			}
		}
	}
}

func dialer(addr string) func(ctx context.Context) (*protocol.Conn, error) {
	return func(ctx context.Context) (*protocol.Conn, error) {
		nc, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, err
		}
		return protocol.NewConn(nc), nil
	}
}

func TestPSyncPartialResyncStreaming(t *testing.T) {
	is := is.New(t)

	setCmd := []byte("*3\r\n$3\r\nSET\r\n$6\r\nuser:1\r\n$5\r\nalice\r\n")
	delCmd := []byte("*2\r\n$3\r\nDEL\r\n$6\r\nuser:1\r\n")
	stream := append(append([]byte(nil), setCmd...), delCmd...)

	m := newFakeMaster(t, "+CONTINUE 2f5a8b\r\n", stream)

	p := NewPSync(dialer(m.addr()), nil, nil, 0, 8080, nil)
	p.SetCursor("2f5a8b", 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// the SET arrives as a whole-value string event
	var ev dispatch.Event
	select {
	case ev = <-p.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("no event from stream")
	}
	is.Equal(ev.Record.Key, "user:1")
	is.Equal(ev.Record.Kind, codec.KindString)
	is.Equal(ev.Record.Value, "alice")

	// the DEL arrives as a tombstone
	select {
	case ev = <-p.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("no tombstone from stream")
	}
	is.True(ev.Record.Tombstone())

	// offset: resume point plus every streamed byte, counted only
	// after full parses
	want := int64(100 + len(setCmd) + len(delCmd))
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, off := p.Cursor()
		if off == want {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("offset = %d, want %d", off, want)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// the ack heartbeat reports monotone non-decreasing offsets
	deadline = time.Now().Add(4 * time.Second)
	for len(m.ackOffsets()) == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	acks := m.ackOffsets()
	is.True(len(acks) > 0)
	for i := 1; i < len(acks); i++ {
		is.True(acks[i] >= acks[i-1])
	}

	cancel()
	<-done
}

func TestPSyncSelectOtherDatabaseSuppressed(t *testing.T) {
	is := is.New(t)

	var stream []byte
	stream = append(stream, []byte("*2\r\n$6\r\nSELECT\r\n$1\r\n3\r\n")...)
	stream = append(stream, []byte("*3\r\n$3\r\nSET\r\n$5\r\nother\r\n$1\r\nx\r\n")...)
	stream = append(stream, []byte("*2\r\n$6\r\nSELECT\r\n$1\r\n0\r\n")...)
	stream = append(stream, []byte("*3\r\n$3\r\nSET\r\n$4\r\nmine\r\n$1\r\ny\r\n")...)

	m := newFakeMaster(t, "+CONTINUE\r\n", stream)

	p := NewPSync(dialer(m.addr()), nil, nil, 0, 8080, nil)
	p.SetCursor("id", 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	select {
	case ev := <-p.Events():
		// only the db-0 write surfaces
		is.Equal(ev.Record.Key, "mine")
		is.Equal(ev.Record.Value, "y")
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
}

func TestPSyncDowngradeAfterRepeatedRejection(t *testing.T) {
	is := is.New(t)

	m := newFakeMaster(t, "-ERR unknown command 'PSYNC'\r\n", nil)

	p := NewPSync(dialer(m.addr()), nil, nil, 0, 8080, nil)
	p.BackoffDelay = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := p.Run(ctx)
	is.True(errors.Is(err, ErrDowngrade))
}

func TestPSyncContinueRetainsCursor(t *testing.T) {
	is := is.New(t)

	setCmd := []byte("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n")
	m := newFakeMaster(t, "+CONTINUE\r\n", setCmd)

	p := NewPSync(dialer(m.addr()), nil, nil, 0, 8080, nil)
	p.SetCursor("riv1", 12345)
	p.BackoffDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	<-p.Events()

	// the cursor advanced past the resume point and is retained for
	// the next handshake
	id, off := p.Cursor()
	is.Equal(id, "riv1")
	is.Equal(off, int64(12345+len(setCmd)))
}
