// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

// Package config holds the validated configuration record the engine
// consumes. Loading reads a YAML file; the engine never touches YAML
// itself.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Endpoint identifies one Redis instance and how to talk to it.
type Endpoint struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TLS      bool   `yaml:"ssl"`

	// Durations are in seconds in the file, mirroring the original
	// deployment configs this service replaces.
	SocketTimeout        int  `yaml:"socket_timeout"`
	SocketConnectTimeout int  `yaml:"socket_connect_timeout"`
	SocketKeepalive      bool `yaml:"socket_keepalive"`
}

func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

func (e Endpoint) ReadTimeout() time.Duration {
	if e.SocketTimeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(e.SocketTimeout) * time.Second
}

func (e Endpoint) ConnectTimeout() time.Duration {
	if e.SocketConnectTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.SocketConnectTimeout) * time.Second
}

// Target is an endpoint with a stable name. The name is the identity
// used in status, logs and failover state; the source has no name.
type Target struct {
	Name     string `yaml:"name"`
	Endpoint `yaml:",inline"`
	Enabled  bool `yaml:"enabled"`

	// Per-target filter overrides; nil means inherit the global set.
	Filters *Filters `yaml:"filters"`
}

type FullSync struct {
	Strategy    string `yaml:"strategy"` // scan | sync | dump_restore
	BatchSize   int    `yaml:"batch_size"`
	ScanCount   int    `yaml:"scan_count"`
	PreserveTTL bool   `yaml:"preserve_ttl"`
}

type IncrementalSync struct {
	Enabled           bool   `yaml:"enabled"`
	Driver            string `yaml:"driver"` // scan | sync | psync
	Interval          int    `yaml:"interval"`
	MaxChangesPerSync int    `yaml:"max_changes_per_sync"`
}

type Sync struct {
	Mode            string          `yaml:"mode"` // full | incremental | hybrid
	FullSync        FullSync        `yaml:"full_sync"`
	IncrementalSync IncrementalSync `yaml:"incremental_sync"`
}

type Filters struct {
	IncludePatterns []string `yaml:"include_patterns"`
	ExcludePatterns []string `yaml:"exclude_patterns"`
	MinTTL          int      `yaml:"min_ttl"`
	MaxKeySize      int64    `yaml:"max_key_size"`
}

type Retry struct {
	MaxAttempts   int     `yaml:"max_attempts"`
	BackoffFactor float64 `yaml:"backoff_factor"`
	InitialDelay  int     `yaml:"initial_delay"`
	MaxDelay      int     `yaml:"max_delay"`
}

type Failover struct {
	Enabled       bool `yaml:"enabled"`
	MaxFailures   int  `yaml:"max_failures"`
	RecoveryDelay int  `yaml:"recovery_delay"`
}

type Performance struct {
	MaxWorkers  int   `yaml:"max_workers"`
	MemoryLimit int64 `yaml:"memory_limit"`
}

type Web struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type Dedup struct {
	// Window is in milliseconds; it must stay below the incremental
	// interval or real subsequent writes get suppressed.
	WindowMillis int `yaml:"window_millis"`
	MaxEntries   int `yaml:"max_entries"`
}

type Service struct {
	Retry       Retry       `yaml:"retry"`
	Failover    Failover    `yaml:"failover"`
	Performance Performance `yaml:"performance"`
	Web         Web         `yaml:"web"`
	Dedup       Dedup       `yaml:"dedup"`
}

type Config struct {
	Source  Endpoint `yaml:"source"`
	Targets []Target `yaml:"targets"`
	Sync    Sync     `yaml:"sync"`
	Filters Filters  `yaml:"filters"`
	Service Service  `yaml:"service"`
}

// Load reads, defaults and validates a config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes and validates a config document.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Sync.Mode == "" {
		c.Sync.Mode = "hybrid"
	}
	if c.Sync.FullSync.Strategy == "" {
		c.Sync.FullSync.Strategy = "scan"
	}
	if c.Sync.FullSync.BatchSize <= 0 {
		c.Sync.FullSync.BatchSize = 1000
	}
	if c.Sync.FullSync.ScanCount <= 0 {
		c.Sync.FullSync.ScanCount = 10000
	}
	if c.Sync.IncrementalSync.Driver == "" {
		c.Sync.IncrementalSync.Driver = "scan"
	}
	if c.Sync.IncrementalSync.Interval <= 0 {
		c.Sync.IncrementalSync.Interval = 30
	}
	if c.Sync.IncrementalSync.MaxChangesPerSync <= 0 {
		c.Sync.IncrementalSync.MaxChangesPerSync = 10000
	}
	if c.Service.Retry.MaxAttempts <= 0 {
		c.Service.Retry.MaxAttempts = 5
	}
	if c.Service.Retry.BackoffFactor <= 0 {
		c.Service.Retry.BackoffFactor = 2
	}
	if c.Service.Retry.InitialDelay <= 0 {
		c.Service.Retry.InitialDelay = 1
	}
	if c.Service.Retry.MaxDelay <= 0 {
		c.Service.Retry.MaxDelay = 60
	}
	if c.Service.Failover.MaxFailures <= 0 {
		c.Service.Failover.MaxFailures = 10
	}
	if c.Service.Failover.RecoveryDelay <= 0 {
		c.Service.Failover.RecoveryDelay = 120
	}
	if c.Service.Performance.MaxWorkers <= 0 {
		c.Service.Performance.MaxWorkers = 8
	}
	if c.Service.Web.Listen == "" {
		c.Service.Web.Listen = "localhost:8080"
	}
	if c.Service.Dedup.WindowMillis <= 0 {
		c.Service.Dedup.WindowMillis = 3000
	}
	if c.Service.Dedup.MaxEntries <= 0 {
		c.Service.Dedup.MaxEntries = 10000
	}
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate rejects configurations the engine cannot run. Failures here
// are fatal at start (exit code 2).
func (c *Config) Validate() error {
	if c.Source.Host == "" || c.Source.Port == 0 {
		return fmt.Errorf("config: source host and port are required")
	}
	if !oneOf(c.Sync.Mode, "full", "incremental", "hybrid") {
		return fmt.Errorf("config: sync.mode %q is not one of full, incremental, hybrid", c.Sync.Mode)
	}
	if !oneOf(c.Sync.FullSync.Strategy, "scan", "sync", "dump_restore") {
		return fmt.Errorf("config: sync.full_sync.strategy %q is not one of scan, sync, dump_restore", c.Sync.FullSync.Strategy)
	}
	if !oneOf(c.Sync.IncrementalSync.Driver, "scan", "sync", "psync") {
		return fmt.Errorf("config: sync.incremental_sync.driver %q is not one of scan, sync, psync", c.Sync.IncrementalSync.Driver)
	}

	if len(c.Targets) == 0 {
		return fmt.Errorf("config: at least one target is required")
	}
	seen := map[string]bool{}
	enabled := 0
	for i, t := range c.Targets {
		if t.Name == "" {
			return fmt.Errorf("config: targets[%d] has no name", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("config: duplicate target name %q", t.Name)
		}
		seen[t.Name] = true
		if t.Host == "" || t.Port == 0 {
			return fmt.Errorf("config: target %q: host and port are required", t.Name)
		}
		if t.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("config: no enabled targets")
	}

	window := time.Duration(c.Service.Dedup.WindowMillis) * time.Millisecond
	interval := time.Duration(c.Sync.IncrementalSync.Interval) * time.Second
	if window >= interval {
		return fmt.Errorf("config: dedup window (%s) must be shorter than the incremental interval (%s)", window, interval)
	}

	return nil
}

// Redacted returns a copy with passwords masked, for the config API.
func (c *Config) Redacted() Config {
	out := *c
	if out.Source.Password != "" {
		out.Source.Password = "***"
	}
	out.Targets = append([]Target(nil), c.Targets...)
	for i := range out.Targets {
		if out.Targets[i].Password != "" {
			out.Targets[i].Password = "***"
		}
	}
	return out
}

// Sample returns a commented starter configuration, written by the
// `init` subcommand.
func Sample() string {
	return `# redismirror configuration

source:
  host: localhost
  port: 6379
  password: ""
  db: 0
  ssl: false
  socket_timeout: 60
  socket_connect_timeout: 30
  socket_keepalive: true

targets:
  - name: east
    host: localhost
    port: 6380
    db: 0
    enabled: true
  - name: west
    host: localhost
    port: 6381
    db: 0
    enabled: true

sync:
  mode: hybrid            # full | incremental | hybrid
  full_sync:
    strategy: scan        # scan | sync | dump_restore
    batch_size: 1000
    scan_count: 10000
    preserve_ttl: true
  incremental_sync:
    enabled: true
    driver: scan          # scan | sync | psync
    interval: 30          # seconds
    max_changes_per_sync: 10000

filters:
  include_patterns: []
  exclude_patterns: []
  min_ttl: 0
  max_key_size: 0

service:
  retry:
    max_attempts: 5
    backoff_factor: 2
    initial_delay: 1
    max_delay: 60
  failover:
    enabled: true
    max_failures: 10
    recovery_delay: 120
  performance:
    max_workers: 8
    memory_limit: 0
  web:
    enabled: true
    listen: localhost:8080
  dedup:
    window_millis: 3000
    max_entries: 10000
`
}
