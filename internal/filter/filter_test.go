package filter

import (
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/awinterman/redismirror/config"
)

func TestIncludeExclude(t *testing.T) {
	is := is.New(t)

	f := New(config.Filters{
		IncludePatterns: []string{"user:*"},
		ExcludePatterns: []string{"user:temp:*"},
	}, nil)

	is.True(f.Accept(Probe{Key: "user:1"}))
	is.True(!f.Accept(Probe{Key: "user:temp:1"})) // exclude wins over include
	is.True(!f.Accept(Probe{Key: "other:1"}))
}

func TestEmptyIncludeAcceptsAll(t *testing.T) {
	is := is.New(t)

	f := New(config.Filters{ExcludePatterns: []string{"cache:*"}}, nil)
	is.True(f.Accept(Probe{Key: "anything"}))
	is.True(!f.Accept(Probe{Key: "cache:page:1"}))

	zero := New(config.Filters{}, nil)
	is.True(zero.Accept(Probe{Key: "anything"}))
}

func TestTTLFloor(t *testing.T) {
	is := is.New(t)

	f := New(config.Filters{MinTTL: 10}, nil)
	is.True(!f.Accept(Probe{Key: "k", TTL: 5 * time.Second}))
	is.True(f.Accept(Probe{Key: "k", TTL: 30 * time.Second}))
	// persistent keys pass the floor
	is.True(f.Accept(Probe{Key: "k", TTL: 0}))
}

func TestSizeCeiling(t *testing.T) {
	is := is.New(t)

	f := New(config.Filters{MaxKeySize: 100}, nil)
	is.True(f.Accept(Probe{Key: "k", Size: 99}))
	is.True(!f.Accept(Probe{Key: "k", Size: 200}))

	unbounded := New(config.Filters{}, nil)
	is.True(unbounded.Accept(Probe{Key: "k", Size: 1 << 30}))
}

func TestTargetOverride(t *testing.T) {
	is := is.New(t)

	global := config.Filters{IncludePatterns: []string{"user:*"}}
	override := &config.Filters{IncludePatterns: []string{"session:*"}}

	f := New(global, override)
	is.True(f.Accept(Probe{Key: "session:9"}))
	is.True(!f.Accept(Probe{Key: "user:1"}))
}
