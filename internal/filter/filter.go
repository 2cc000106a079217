// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

// Package filter decides which keys replicate. The predicate is pure:
// it sees a probe record and never touches the network.
package filter

import (
	"path"
	"time"

	"github.com/awinterman/redismirror/config"
)

// Probe is what the filter gets to look at: name, remaining TTL
// (0 = no expiry) and a serialized-size estimate.
type Probe struct {
	Key  string
	TTL  time.Duration
	Size int64
}

// Filter is an include/exclude glob set plus TTL floor and size
// ceiling. The zero value accepts everything.
type Filter struct {
	include  []string
	exclude  []string
	minTTL   time.Duration
	maxBytes int64
}

// New builds a filter from the configured rules; target-specific
// overrides replace the global set wholesale when present.
func New(global config.Filters, override *config.Filters) *Filter {
	f := global
	if override != nil {
		f = *override
	}
	return &Filter{
		include:  f.IncludePatterns,
		exclude:  f.ExcludePatterns,
		minTTL:   time.Duration(f.MinTTL) * time.Second,
		maxBytes: f.MaxKeySize,
	}
}

// Accept applies the rules: exclude wins over include, an empty include
// set means "accept all not excluded", min_ttl only constrains keys
// that actually expire, max size 0 means no ceiling.
func (f *Filter) Accept(p Probe) bool {
	for _, pat := range f.exclude {
		if match(pat, p.Key) {
			return false
		}
	}

	if len(f.include) > 0 {
		ok := false
		for _, pat := range f.include {
			if match(pat, p.Key) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	if f.minTTL > 0 && p.TTL > 0 && p.TTL < f.minTTL {
		return false
	}
	if f.maxBytes > 0 && p.Size > f.maxBytes {
		return false
	}
	return true
}

// match is Redis MATCH-style globbing. path.Match implements the same
// *, ? and [...] forms; a malformed pattern matches nothing.
func match(pattern, key string) bool {
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}
