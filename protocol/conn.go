// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

package protocol

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// Conn is a RESP connection over a raw socket. The data plane uses a
// pooled client; Conn exists for the replication subprotocol, which
// needs exclusive ownership of one socket and byte-level control of
// what is read from it.
//
// Reads and writes are guarded separately: while the streaming loop is
// blocked in Read, the heartbeat goroutine must still be able to send
// REPLCONF ACK (the one command that gets no reply).
type Conn struct {
	rmu sync.Mutex
	wmu sync.Mutex

	nc net.Conn
	r  *Reader
	bw *bufio.Writer

	// ReadTimeout bounds every read so a silently dead WAN link
	// surfaces within one timeout instead of hanging the driver.
	ReadTimeout time.Duration

	Logger *slog.Logger
}

func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc:     nc,
		r:      NewReader(nc),
		bw:     bufio.NewWriter(nc),
		Logger: slog.With("comp", "conn"),
	}
}

// Read parses the next message, applying the read deadline if set.
func (c *Conn) Read() (Message, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if c.ReadTimeout > 0 {
		if err := c.nc.SetReadDeadline(time.Now().Add(c.ReadTimeout)); err != nil {
			return Message{}, err
		}
	}
	return c.r.ReadMessage()
}

// WriteCommand encodes args as an array of bulk strings and flushes.
func (c *Conn) WriteCommand(args ...string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.bw.WriteByte(byte(Array))
	c.bw.WriteString(strconv.Itoa(len(args)))
	c.bw.WriteString(End)
	for _, a := range args {
		c.bw.WriteByte(byte(BulkString))
		c.bw.WriteString(strconv.Itoa(len(a)))
		c.bw.WriteString(End)
		c.bw.WriteString(a)
		c.bw.WriteString(End)
	}
	return c.bw.Flush()
}

// RoundTrip sends one command and reads one reply. Only the handshake
// uses this, one command at a time.
func (c *Conn) RoundTrip(args ...string) (Message, error) {
	if err := c.WriteCommand(args...); err != nil {
		return Message{}, err
	}
	resp, err := c.Read()
	c.Logger.Debug("command", "cmd", args[0], "resp", resp.String(), "err", err)
	return resp, err
}

// RoundTripOK is RoundTrip for commands whose only acceptable reply
// is +OK.
func (c *Conn) RoundTripOK(args ...string) error {
	resp, err := c.RoundTrip(args...)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if resp.Kind != SimpleString || resp.Str != "OK" {
		return fmt.Errorf("protocol: %s: expected +OK, got %s", args[0], resp)
	}
	return nil
}

// Reader exposes the parser for callers that take over the stream after
// the handshake (the RDB bulk and the command stream that follows it).
func (c *Conn) Reader() *Reader { return c.r }

func (c *Conn) Close() error { return c.nc.Close() }
