package fullsync

import (
	"bytes"
	"context"
	"testing"

	"github.com/matryer/is"

	"github.com/awinterman/redismirror/internal/dispatch"
)

// emptyRDB is a minimal valid document: magic, version, EOF opcode and
// a zeroed checksum (zero means checksumming disabled).
var emptyRDB = append([]byte("REDIS0009"), 0xFF, 0, 0, 0, 0, 0, 0, 0, 0)

func TestDecodeEmptyRDB(t *testing.T) {
	is := is.New(t)

	var events []dispatch.Event
	e := New(nil, nil, func(ctx context.Context, ev dispatch.Event) error {
		events = append(events, ev)
		return nil
	})

	err := e.DecodeRDB(context.Background(), bytes.NewReader(emptyRDB))
	is.NoErr(err)
	is.Equal(len(events), 0)
}

func TestDecodeGarbageRDBFails(t *testing.T) {
	is := is.New(t)

	e := New(nil, nil, func(ctx context.Context, ev dispatch.Event) error { return nil })
	err := e.DecodeRDB(context.Background(), bytes.NewReader([]byte("not an rdb document")))
	is.True(err != nil)
}

func TestUnknownStrategy(t *testing.T) {
	is := is.New(t)

	e := New(nil, nil, func(ctx context.Context, ev dispatch.Event) error { return nil })
	err := e.Run(context.Background(), Strategy("carrier-pigeon"))
	is.True(err != nil)

	select {
	case <-e.Done():
		t.Fatal("done marker must not close on failure")
	default:
	}
}
