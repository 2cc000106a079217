// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol implements the subset of RESP spoken on a Redis
// replication link: the handshake replies, the length-prefixed RDB bulk
// header, and the inline command stream. Messages carry the exact number
// of stream bytes they occupied so that callers can keep a byte-accurate
// replication offset.
package protocol

import (
	"errors"
	"fmt"
)

type Kind byte

const (
	End = "\r\n"

	SimpleString Kind = '+'
	Error        Kind = '-'
	Int          Kind = ':'
	BulkString   Kind = '$'
	Array        Kind = '*'
)

func (k Kind) String() string {
	switch k {
	case SimpleString:
		return "SimpleString"
	case Error:
		return "Error"
	case Int:
		return "Int"
	case BulkString:
		return "Bulk"
	case Array:
		return "Array"
	default:
		return fmt.Sprintf("Unknown(%q)", byte(k))
	}
}

// Message is a composite type representing one parsed RESP value. Kind
// says which fields are meaningful. Size is the total number of bytes
// the value occupied on the wire, indicator and CRLFs included; for an
// Array it is the sum over the header and every element.
type Message struct {
	Kind Kind

	Str   string
	Int   int64
	Array []Message

	// Null marks the $-1 / *-1 forms.
	Null bool

	Size int64
}

func (m Message) String() string {
	switch m.Kind {
	case SimpleString:
		return "+" + m.Str
	case Error:
		return "-" + m.Str
	case Int:
		return fmt.Sprintf(":%d", m.Int)
	case BulkString:
		if m.Null {
			return "$<nil>"
		}
		return "$" + m.Str
	case Array:
		s := "*["
		for i, e := range m.Array {
			if i > 0 {
				s += " "
			}
			s += e.String()
		}
		return s + "]"
	default:
		return fmt.Sprintf("?%q", string(m.Kind))
	}
}

// Err returns the message as an error when it is an Error reply.
func (m Message) Err() error {
	if m.Kind == Error {
		return errors.New(m.Str)
	}
	return nil
}
