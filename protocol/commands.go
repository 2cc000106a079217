package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Class says how a streamed command is translated into change events.
// The replication stream carries the master's write commands verbatim;
// the mirror does not replay them, it re-reads the touched keys and
// ships whole values, so all a class needs to convey is which re-read
// to perform.
type Class int

const (
	// ClassSkip: replication chatter with no data effect (PING,
	// REPLCONF, SELECT, ...).
	ClassSkip Class = iota
	// ClassTouch: re-read the touched keys with the kind-specific
	// codec and ship their current values.
	ClassTouch
	// ClassDelete: the touched keys become tombstones.
	ClassDelete
	// ClassFlush: the whole database becomes a tombstone.
	ClassFlush
	// ClassUnsupported: not in the table; logged and skipped.
	ClassUnsupported
)

// ErrInvalidCommand is returned when a stream message is not a
// well-formed command.
var ErrInvalidCommand = errors.New("protocol: invalid command")

// Command is the command-shaped view of an Array message.
type Command struct {
	Name string
	Args []string
}

// Command converts an Array-of-bulk-strings message. The replication
// stream consists exclusively of this form.
func (m Message) Command() (Command, error) {
	if m.Kind != Array || len(m.Array) == 0 {
		return Command{}, fmt.Errorf("%w: expected non-empty array, got %s", ErrInvalidCommand, m.Kind)
	}
	for i := range m.Array {
		if m.Array[i].Kind != BulkString {
			return Command{}, fmt.Errorf("%w: element %d is %s, not a bulk string", ErrInvalidCommand, i, m.Array[i].Kind)
		}
	}
	cmd := Command{Name: strings.ToUpper(m.Array[0].Str)}
	for _, a := range m.Array[1:] {
		cmd.Args = append(cmd.Args, a.Str)
	}
	if cmd.Name == "" {
		return Command{}, fmt.Errorf("%w: empty command name", ErrInvalidCommand)
	}
	return cmd, nil
}

type spec struct {
	class Class
	// keys extracts the touched key names from the args.
	keys func([]string) []string
}

func firstKey(args []string) []string {
	if len(args) == 0 {
		return nil
	}
	return args[:1]
}

func allKeys(args []string) []string { return args }

func noKeys([]string) []string { return nil }

var cmdSpec = map[string]spec{
	// replication chatter
	"PING":     {ClassSkip, noKeys},
	"REPLCONF": {ClassSkip, noKeys},
	"SELECT":   {ClassSkip, noKeys},
	"PUBLISH":  {ClassSkip, noKeys},

	// strings and TTLs
	"SET":         {ClassTouch, firstKey},
	"SETEX":       {ClassTouch, firstKey},
	"PSETEX":      {ClassTouch, firstKey},
	"SETNX":       {ClassTouch, firstKey},
	"SETRANGE":    {ClassTouch, firstKey},
	"APPEND":      {ClassTouch, firstKey},
	"INCR":        {ClassTouch, firstKey},
	"INCRBY":      {ClassTouch, firstKey},
	"INCRBYFLOAT": {ClassTouch, firstKey},
	"DECR":        {ClassTouch, firstKey},
	"DECRBY":      {ClassTouch, firstKey},
	"GETSET":      {ClassTouch, firstKey},
	"GETDEL":      {ClassTouch, firstKey},
	"MSET": {ClassTouch, func(args []string) []string {
		var keys []string
		for i := 0; i+1 < len(args); i += 2 {
			keys = append(keys, args[i])
		}
		return keys
	}},
	"EXPIRE":    {ClassTouch, firstKey},
	"PEXPIRE":   {ClassTouch, firstKey},
	"EXPIREAT":  {ClassTouch, firstKey},
	"PEXPIREAT": {ClassTouch, firstKey},
	"PERSIST":   {ClassTouch, firstKey},

	// hashes
	"HSET":         {ClassTouch, firstKey},
	"HMSET":        {ClassTouch, firstKey},
	"HSETNX":       {ClassTouch, firstKey},
	"HDEL":         {ClassTouch, firstKey},
	"HINCRBY":      {ClassTouch, firstKey},
	"HINCRBYFLOAT": {ClassTouch, firstKey},

	// lists
	"RPUSH":   {ClassTouch, firstKey},
	"LPUSH":   {ClassTouch, firstKey},
	"RPUSHX":  {ClassTouch, firstKey},
	"LPUSHX":  {ClassTouch, firstKey},
	"LPOP":    {ClassTouch, firstKey},
	"RPOP":    {ClassTouch, firstKey},
	"LSET":    {ClassTouch, firstKey},
	"LREM":    {ClassTouch, firstKey},
	"LTRIM":   {ClassTouch, firstKey},
	"LINSERT": {ClassTouch, firstKey},

	// sets
	"SADD": {ClassTouch, firstKey},
	"SREM": {ClassTouch, firstKey},
	"SPOP": {ClassTouch, firstKey},
	"SMOVE": {ClassTouch, func(args []string) []string {
		if len(args) < 2 {
			return nil
		}
		return args[:2]
	}},

	// sorted sets
	"ZADD":    {ClassTouch, firstKey},
	"ZREM":    {ClassTouch, firstKey},
	"ZINCRBY": {ClassTouch, firstKey},
	"ZPOPMIN": {ClassTouch, firstKey},
	"ZPOPMAX": {ClassTouch, firstKey},

	// streams
	"XADD":  {ClassTouch, firstKey},
	"XDEL":  {ClassTouch, firstKey},
	"XTRIM": {ClassTouch, firstKey},

	// deletions
	"DEL":    {ClassDelete, allKeys},
	"UNLINK": {ClassDelete, allKeys},

	// global tombstones
	"FLUSHDB":  {ClassFlush, noKeys},
	"FLUSHALL": {ClassFlush, noKeys},
}

// Classify returns the translation class for a streamed command and the
// keys it touches.
func (cmd Command) Classify() (Class, []string) {
	s, ok := cmdSpec[cmd.Name]
	if !ok {
		return ClassUnsupported, nil
	}
	return s.class, s.keys(cmd.Args)
}
