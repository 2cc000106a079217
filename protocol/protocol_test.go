package protocol

import (
	"net"
	"strings"
	"testing"

	"github.com/matryer/is"
)

func TestReadMessageSizes(t *testing.T) {
	// Size must account for every wire byte: the offset acked to the
	// master is the sum of these values.
	cases := []struct {
		name string
		in   string
		size int64
	}{
		{"simple string", "+OK\r\n", 5},
		{"error", "-ERR oops\r\n", 11},
		{"int", ":42\r\n", 5},
		{"bulk", "$5\r\nhello\r\n", 11},
		{"empty bulk", "$0\r\n\r\n", 6},
		{"null bulk", "$-1\r\n", 5},
		{"array", "*2\r\n$3\r\nGET\r\n$1\r\nk\r\n", 20},
		{"newline padding", "\n+OK\r\n", 6},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			is := is.New(t)
			m, err := NewReader(strings.NewReader(tc.in)).ReadMessage()
			is.NoErr(err)
			is.Equal(m.Size, tc.size)
		})
	}
}

func TestReadMessageValues(t *testing.T) {
	is := is.New(t)

	m, err := NewReader(strings.NewReader("*3\r\n$3\r\nSET\r\n$6\r\nuser:1\r\n$5\r\nalice\r\n")).ReadMessage()
	is.NoErr(err)
	is.Equal(m.Kind, Array)
	is.Equal(len(m.Array), 3)
	is.Equal(m.Array[0].Str, "SET")
	is.Equal(m.Array[2].Str, "alice")

	cmd, err := m.Command()
	is.NoErr(err)
	is.Equal(cmd.Name, "SET")
	is.Equal(cmd.Args, []string{"user:1", "alice"})
}

func TestReadBulkLargerThanBuffer(t *testing.T) {
	is := is.New(t)

	payload := strings.Repeat("x", 64*1024)
	in := "$" + "65536" + "\r\n" + payload + "\r\n"
	m, err := NewReader(strings.NewReader(in)).ReadMessage()
	is.NoErr(err)
	is.Equal(len(m.Str), 64*1024)
	is.Equal(m.Size, int64(len(in)))
}

func TestReadBulkCeiling(t *testing.T) {
	is := is.New(t)

	r := NewReader(strings.NewReader("$1000\r\n"))
	r.MaxBulk = 16
	_, err := r.ReadMessage()
	is.True(err != nil)
}

func TestReadBulkHeader(t *testing.T) {
	is := is.New(t)

	r := NewReader(strings.NewReader("$10\r\n0123456789rest"))
	n, size, err := r.ReadBulkHeader()
	is.NoErr(err)
	is.Equal(n, int64(10))
	is.Equal(size, int64(5))

	// The payload that follows has no trailing CRLF.
	buf := make([]byte, 10)
	_, err = r.Payload().Read(buf)
	is.NoErr(err)
	is.Equal(string(buf), "0123456789")
}

func TestClassify(t *testing.T) {
	cases := []struct {
		cmd   Command
		class Class
		keys  []string
	}{
		{Command{Name: "SET", Args: []string{"k", "v"}}, ClassTouch, []string{"k"}},
		{Command{Name: "DEL", Args: []string{"a", "b"}}, ClassDelete, []string{"a", "b"}},
		{Command{Name: "MSET", Args: []string{"a", "1", "b", "2"}}, ClassTouch, []string{"a", "b"}},
		{Command{Name: "FLUSHDB", Args: nil}, ClassFlush, nil},
		{Command{Name: "PING", Args: nil}, ClassSkip, nil},
		{Command{Name: "REPLCONF", Args: []string{"GETACK", "*"}}, ClassSkip, nil},
		{Command{Name: "WAIT", Args: []string{"1", "0"}}, ClassUnsupported, nil},
	}

	for _, tc := range cases {
		t.Run(tc.cmd.Name, func(t *testing.T) {
			is := is.New(t)
			class, keys := tc.cmd.Classify()
			is.Equal(class, tc.class)
			is.Equal(keys, tc.keys)
		})
	}
}

func TestConnRoundTrip(t *testing.T) {
	is := is.New(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		r := NewReader(server)
		m, err := r.ReadMessage()
		if err != nil {
			return
		}
		cmd, _ := m.Command()
		if cmd.Name == "PING" {
			server.Write([]byte("+PONG\r\n"))
		}
	}()

	c := NewConn(client)
	resp, err := c.RoundTrip("PING")
	is.NoErr(err)
	is.Equal(resp.Kind, SimpleString)
	is.Equal(resp.Str, "PONG")
}

func TestConnWriteCommandEncoding(t *testing.T) {
	is := is.New(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan string, 1)
	go func() {
		buf := make([]byte, 256)
		n, _ := server.Read(buf)
		done <- string(buf[:n])
	}()

	c := NewConn(client)
	is.NoErr(c.WriteCommand("REPLCONF", "ACK", "12345"))
	is.Equal(<-done, "*3\r\n$8\r\nREPLCONF\r\n$3\r\nACK\r\n$5\r\n12345\r\n")
}
