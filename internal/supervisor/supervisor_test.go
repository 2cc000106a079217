package supervisor

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/awinterman/redismirror/config"
)

func testRetry() config.Retry {
	return config.Retry{MaxAttempts: 2, BackoffFactor: 2, InitialDelay: 1, MaxDelay: 1}
}

func TestAcquireFailsFastWhenNotHealthy(t *testing.T) {
	is := is.New(t)

	s := New("t1", config.Endpoint{Host: "localhost", Port: 1}, testRetry(), false)

	// a fresh supervisor has not connected yet
	_, err := s.Acquire(context.Background())
	is.True(errors.Is(err, ErrUnavailable))

	s.setState(Broken, io.EOF)
	_, err = s.Acquire(context.Background())
	is.True(errors.Is(err, ErrBroken))
}

func TestIsTransport(t *testing.T) {
	is := is.New(t)

	is.True(IsTransport(io.EOF))
	is.True(IsTransport(&net.OpError{Op: "read", Err: errors.New("connection reset by peer")}))
	is.True(IsTransport(errors.New("dial tcp: connection refused")))
	is.True(!IsTransport(nil))
	is.True(!IsTransport(errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")))
}

func TestMarkBrokenIgnoresProtocolErrors(t *testing.T) {
	is := is.New(t)

	s := New("t1", config.Endpoint{Host: "localhost", Port: 1}, testRetry(), false)
	s.setState(Healthy, nil)

	s.MarkBroken(context.Background(), errors.New("ERR value is not an integer"))
	is.Equal(s.State(), Healthy)
}

func TestConnectGivesUpAfterMaxAttempts(t *testing.T) {
	is := is.New(t)

	// a listener that accepts and immediately closes: every dial is a
	// transport failure
	l, err := net.Listen("tcp", "127.0.0.1:0")
	is.NoErr(err)
	defer l.Close()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	addr := l.Addr().(*net.TCPAddr)
	ep := config.Endpoint{Host: "127.0.0.1", Port: addr.Port, SocketConnectTimeout: 1, SocketTimeout: 1}

	s := New("t1", ep, config.Retry{MaxAttempts: 2, BackoffFactor: 2, InitialDelay: 1, MaxDelay: 1}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = s.Connect(ctx)
	is.True(err != nil)
	is.Equal(s.State(), Broken)
}

func TestStateChangeCallback(t *testing.T) {
	is := is.New(t)

	s := New("t1", config.Endpoint{Host: "localhost", Port: 1}, testRetry(), false)
	got := make(chan State, 4)
	s.OnStateChange = func(name string, st State) {
		got <- st
	}

	s.setState(Healthy, nil)
	select {
	case st := <-got:
		is.Equal(st, Healthy)
	case <-time.After(time.Second):
		t.Fatal("no state change observed")
	}
}
