package mirror

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/awinterman/redismirror/config"
)

// redisProc runs a throwaway local redis-server for end-to-end tests.
// Tests using it skip when the binary is not on PATH.
type redisProc struct {
	port int
	cmd  *exec.Cmd
}

func startRedis(t *testing.T, ctx context.Context) *redisProc {
	t.Helper()
	if _, err := exec.LookPath("redis-server"); err != nil {
		t.Skip("redis-server not on PATH")
	}

	port := freePort(t)
	cmd := exec.CommandContext(ctx, "redis-server",
		"--port", strconv.Itoa(port),
		"--save", "",
		"--appendonly", "no",
	)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting redis-server: %v", err)
	}
	p := &redisProc{port: port, cmd: cmd}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	// wait for readiness
	client := p.client()
	defer client.Close()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if client.Ping(ctx).Err() == nil {
			return p
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("redis-server did not become ready")
	return nil
}

func (p *redisProc) client() *redis.Client {
	return redis.NewClient(&redis.Options{Addr: fmt.Sprintf("127.0.0.1:%d", p.port)})
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func e2eConfig(sourcePort int, targetPorts ...int) string {
	cfg := fmt.Sprintf(`
source: {host: 127.0.0.1, port: %d, socket_timeout: 5, socket_connect_timeout: 5}
targets:
`, sourcePort)
	for i, p := range targetPorts {
		cfg += fmt.Sprintf("  - {name: t%d, host: 127.0.0.1, port: %d, enabled: true}\n", i+1, p)
	}
	cfg += `
sync:
  mode: hybrid
  full_sync: {strategy: scan, preserve_ttl: true}
  incremental_sync: {enabled: true, driver: scan, interval: 1}
service:
  retry: {max_attempts: 2, initial_delay: 1, max_delay: 1}
  failover: {enabled: true, max_failures: 10, recovery_delay: 120}
  web: {enabled: false}
  dedup: {window_millis: 500}
`
	return cfg
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

// TestStringRoundTrip covers the string round-trip and deletion
// propagation scenarios end to end against real servers.
func TestStringRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := startRedis(t, ctx)
	target := startRedis(t, ctx)

	cfg, err := config.Parse([]byte(e2eConfig(source.port, target.port)))
	if err != nil {
		t.Fatal(err)
	}

	svc := New(cfg)
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	src := source.client()
	defer src.Close()
	tgt := target.client()
	defer tgt.Close()

	// S1: SET with PX propagates with its TTL
	if err := src.Set(ctx, "user:1", "alice", 60*time.Second).Err(); err != nil {
		t.Fatal(err)
	}
	ok := waitUntil(t, 30*time.Second, func() bool {
		v, err := tgt.Get(ctx, "user:1").Result()
		return err == nil && v == "alice"
	})
	if !ok {
		t.Fatal("user:1 never appeared on the target")
	}
	pttl, err := tgt.PTTL(ctx, "user:1").Result()
	if err != nil {
		t.Fatal(err)
	}
	if pttl <= 0 || pttl > 60*time.Second {
		t.Fatalf("target PTTL out of range: %s", pttl)
	}

	// S2: deletion propagates within an interval
	if err := src.Del(ctx, "user:1").Err(); err != nil {
		t.Fatal(err)
	}
	ok = waitUntil(t, 30*time.Second, func() bool {
		_, err := tgt.Get(ctx, "user:1").Result()
		return err == redis.Nil
	})
	if !ok {
		t.Fatal("deletion never propagated")
	}

	cancel()
	<-done
}
