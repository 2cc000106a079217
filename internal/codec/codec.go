// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

// Package codec reads whole key values from the source and applies them
// to targets, one of the six Redis data kinds at a time, preserving TTL.
// Writes are transactional at the per-key level.
package codec

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind is the data kind of a key record. Dump is the opaque
// DUMP/RESTORE variant that short-circuits the kind switch; Flush is a
// whole-database tombstone.
type Kind string

const (
	KindString Kind = "string"
	KindHash   Kind = "hash"
	KindList   Kind = "list"
	KindSet    Kind = "set"
	KindZSet   Kind = "zset"
	KindStream Kind = "stream"
	KindDump   Kind = "dump"
	KindFlush  Kind = "flush"
)

// TTL sentinel: 0 means no expiry, negative means the key is gone and
// the record is a tombstone.
const TTLTombstone = -1 * time.Millisecond

type ZEntry struct {
	Member string
	Score  float64
}

type StreamEntry struct {
	ID     string
	Values map[string]interface{}
}

// Record is one in-flight key value. Exactly one payload field is
// meaningful, selected by Kind.
type Record struct {
	Key  string
	Kind Kind
	TTL  time.Duration

	Value  string
	Hash   map[string]string
	List   []string
	Set    []string
	ZSet   []ZEntry
	Stream []StreamEntry
}

func (r Record) Tombstone() bool { return r.TTL < 0 }

// Tombstone builds a deletion record.
func Tombstone(key string) Record {
	return Record{Key: key, Kind: KindString, TTL: TTLTombstone}
}

// Flush builds a whole-database tombstone record.
func Flush() Record {
	return Record{Kind: KindFlush}
}

// ApproxSize estimates the serialized payload size in bytes, used by
// the size filter. It is an estimate: collection overhead is ignored.
func (r Record) ApproxSize() int64 {
	var n int64
	switch r.Kind {
	case KindString, KindDump:
		n = int64(len(r.Value))
	case KindHash:
		for k, v := range r.Hash {
			n += int64(len(k) + len(v))
		}
	case KindList:
		for _, v := range r.List {
			n += int64(len(v))
		}
	case KindSet:
		for _, v := range r.Set {
			n += int64(len(v))
		}
	case KindZSet:
		for _, e := range r.ZSet {
			n += int64(len(e.Member)) + 8
		}
	case KindStream:
		for _, e := range r.Stream {
			n += int64(len(e.ID))
			for k, v := range e.Values {
				n += int64(len(k) + len(fmt.Sprint(v)))
			}
		}
	}
	return n
}

// AppendPayload appends a deterministic serialization of the record's
// value, the input to the change-event fingerprint. Unordered
// collections are sorted first so two reads of the same value always
// digest identically.
func (r Record) AppendPayload(b []byte) []byte {
	switch r.Kind {
	case KindString, KindDump:
		b = append(b, r.Value...)
	case KindHash:
		fields := make([]string, 0, len(r.Hash))
		for k := range r.Hash {
			fields = append(fields, k)
		}
		sort.Strings(fields)
		for _, k := range fields {
			b = append(b, k...)
			b = append(b, 0)
			b = append(b, r.Hash[k]...)
			b = append(b, 0)
		}
	case KindList:
		for _, v := range r.List {
			b = append(b, v...)
			b = append(b, 0)
		}
	case KindSet:
		members := append([]string(nil), r.Set...)
		sort.Strings(members)
		for _, v := range members {
			b = append(b, v...)
			b = append(b, 0)
		}
	case KindZSet:
		for _, e := range r.ZSet {
			b = append(b, e.Member...)
			b = append(b, 0)
			b = strconv.AppendFloat(b, e.Score, 'g', -1, 64)
			b = append(b, 0)
		}
	case KindStream:
		for _, e := range r.Stream {
			b = append(b, e.ID...)
			b = append(b, 0)
		}
	}
	if r.Tombstone() {
		b = append(b, "\x00tombstone"...)
	}
	return b
}

// ErrRestoreMismatch marks a RESTORE rejected for serialization-version
// or checksum reasons; the caller falls back to the kind-specific path.
var ErrRestoreMismatch = errors.New("codec: restore payload rejected by target")

// Read loads the key's kind, TTL and whole value from the source. A key
// that vanished between detection and read comes back as a tombstone.
func Read(ctx context.Context, c *redis.Client, key string) (Record, error) {
	kind, err := c.Type(ctx, key).Result()
	if err != nil {
		return Record{}, fmt.Errorf("codec: TYPE %s: %w", key, err)
	}
	if kind == "none" {
		return Tombstone(key), nil
	}

	pttl, err := c.PTTL(ctx, key).Result()
	if err != nil {
		return Record{}, fmt.Errorf("codec: PTTL %s: %w", key, err)
	}
	ttl, gone := mapPTTL(pttl)
	if gone {
		return Tombstone(key), nil
	}

	rec := Record{Key: key, Kind: Kind(kind), TTL: ttl}
	switch rec.Kind {
	case KindString:
		rec.Value, err = c.Get(ctx, key).Result()
	case KindHash:
		rec.Hash, err = c.HGetAll(ctx, key).Result()
	case KindList:
		rec.List, err = c.LRange(ctx, key, 0, -1).Result()
	case KindSet:
		rec.Set, err = c.SMembers(ctx, key).Result()
	case KindZSet:
		var zs []redis.Z
		zs, err = c.ZRangeWithScores(ctx, key, 0, -1).Result()
		for _, z := range zs {
			rec.ZSet = append(rec.ZSet, ZEntry{Member: fmt.Sprint(z.Member), Score: z.Score})
		}
	case KindStream:
		var msgs []redis.XMessage
		msgs, err = c.XRange(ctx, key, "-", "+").Result()
		for _, m := range msgs {
			rec.Stream = append(rec.Stream, StreamEntry{ID: m.ID, Values: m.Values})
		}
	default:
		return Record{}, fmt.Errorf("codec: unsupported type %q for key %s", kind, key)
	}
	if errors.Is(err, redis.Nil) {
		return Tombstone(key), nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("codec: read %s %s: %w", kind, key, err)
	}
	return rec, nil
}

// ReadDump loads the key through DUMP, producing an opaque record.
func ReadDump(ctx context.Context, c *redis.Client, key string) (Record, error) {
	pipe := c.Pipeline()
	dump := pipe.Dump(ctx, key)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Record{}, fmt.Errorf("codec: DUMP %s: %w", key, err)
	}
	payload, err := dump.Result()
	if errors.Is(err, redis.Nil) {
		return Tombstone(key), nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("codec: DUMP %s: %w", key, err)
	}
	ttl, gone := mapPTTL(pttl.Val())
	if gone {
		return Tombstone(key), nil
	}
	return Record{Key: key, Kind: KindDump, TTL: ttl, Value: payload}, nil
}

// Apply writes the record to a target, preserving TTL. Tombstones
// delete; Flush empties the database.
func Apply(ctx context.Context, c *redis.Client, rec Record) error {
	if rec.Kind == KindFlush {
		return c.FlushDB(ctx).Err()
	}
	if rec.Tombstone() {
		return c.Del(ctx, rec.Key).Err()
	}
	if rec.Kind == KindDump {
		return applyRestore(ctx, c, rec)
	}

	if rec.Kind == KindString {
		// SET PX covers value and expiry in one round trip.
		return c.Set(ctx, rec.Key, rec.Value, posTTL(rec.TTL)).Err()
	}

	_, err := c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, rec.Key)
		switch rec.Kind {
		case KindHash:
			if len(rec.Hash) > 0 {
				pipe.HSet(ctx, rec.Key, flattenHash(rec.Hash)...)
			}
		case KindList:
			if len(rec.List) > 0 {
				pipe.RPush(ctx, rec.Key, toAny(rec.List)...)
			}
		case KindSet:
			if len(rec.Set) > 0 {
				pipe.SAdd(ctx, rec.Key, toAny(rec.Set)...)
			}
		case KindZSet:
			if len(rec.ZSet) > 0 {
				zs := make([]redis.Z, len(rec.ZSet))
				for i, e := range rec.ZSet {
					zs[i] = redis.Z{Member: e.Member, Score: e.Score}
				}
				pipe.ZAdd(ctx, rec.Key, zs...)
			}
		case KindStream:
			for _, e := range rec.Stream {
				pipe.XAdd(ctx, &redis.XAddArgs{Stream: rec.Key, ID: e.ID, Values: e.Values})
			}
		default:
			return fmt.Errorf("codec: apply: unsupported kind %q", rec.Kind)
		}
		if rec.TTL > 0 {
			pipe.PExpire(ctx, rec.Key, rec.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("codec: apply %s %s: %w", rec.Kind, rec.Key, err)
	}
	return nil
}

func applyRestore(ctx context.Context, c *redis.Client, rec Record) error {
	err := c.RestoreReplace(ctx, rec.Key, posTTL(rec.TTL), rec.Value).Err()
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "DUMP payload version") || strings.Contains(msg, "Bad data format") {
		return fmt.Errorf("%w: %s", ErrRestoreMismatch, msg)
	}
	return fmt.Errorf("codec: RESTORE %s: %w", rec.Key, err)
}

// mapPTTL converts a go-redis PTTL reply into the record convention:
// 0 for persistent keys, gone=true for missing ones.
func mapPTTL(d time.Duration) (ttl time.Duration, gone bool) {
	switch {
	case d == -2*time.Millisecond:
		return 0, true
	case d < 0:
		return 0, false
	default:
		return d, false
	}
}

func posTTL(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return 0
}

func flattenHash(h map[string]string) []interface{} {
	out := make([]interface{}, 0, len(h)*2)
	for k, v := range h {
		out = append(out, k, v)
	}
	return out
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
