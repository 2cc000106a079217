// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

// Package web serves the embedded status dashboard: a single HTML page
// polling the /api/status JSON endpoint, plus /api/config with the
// redacted configuration.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/awinterman/redismirror/config"
	"github.com/awinterman/redismirror/internal/status"
)

type Server struct {
	addr  string
	stats *status.Status
	cfg   *config.Config
	log   *slog.Logger
}

func New(addr string, stats *status.Status, cfg *config.Config) *Server {
	return &Server{
		addr:  addr,
		stats: stats,
		cfg:   cfg,
		log:   slog.With("comp", "web"),
	}
}

// Run serves until ctx ends, then shuts down within the grace the
// service allows.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleDashboard)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/config", s.handleConfig)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("dashboard listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.stats.Snapshot())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cfg.Redacted())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>redismirror</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
       background: #f5f5f5; color: #333; margin: 0; }
.container { max-width: 960px; margin: 0 auto; padding: 20px; }
h1 { font-size: 1.4em; }
.card { background: #fff; border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,.1);
        padding: 16px; margin-bottom: 16px; }
table { width: 100%; border-collapse: collapse; }
th, td { text-align: left; padding: 6px 10px; border-bottom: 1px solid #eee; }
.state-active { color: #2e7d32; }
.state-cooling { color: #e65100; }
.state-disabled, .state-broken { color: #b71c1c; }
.mono { font-family: ui-monospace, monospace; }
</style>
</head>
<body>
<div class="container">
  <h1>redismirror</h1>
  <div class="card">
    <div>source: <span id="source" class="mono">-</span></div>
    <div>driver: <span id="driver" class="mono">-</span></div>
    <div>full sync: <span id="fullsync" class="mono">-</span></div>
    <div>offset: <span id="offset" class="mono">-</span></div>
  </div>
  <div class="card">
    <table>
      <thead><tr><th>target</th><th>state</th><th>applied</th><th>failed</th><th>streak</th><th>last error</th></tr></thead>
      <tbody id="targets"></tbody>
    </table>
  </div>
</div>
<script>
async function refresh() {
  try {
    const res = await fetch('/api/status');
    const s = await res.json();
    document.getElementById('source').textContent = s.source_state;
    document.getElementById('driver').textContent = s.driver_state;
    document.getElementById('fullsync').textContent = s.full_sync_state + ' (' + s.full_sync_keys + ' keys)';
    document.getElementById('offset').textContent = (s.replication_id || '-') + ' @ ' + s.offset;
    const rows = Object.entries(s.targets).map(([name, t]) =>
      '<tr><td>' + name + '</td><td class="state-' + t.state + '">' + t.state + '</td>' +
      '<td>' + t.applied + '</td><td>' + t.failed + '</td>' +
      '<td>' + t.consecutive_failures + '</td><td>' + (t.last_error || '') + '</td></tr>');
    document.getElementById('targets').innerHTML = rows.join('');
  } catch (e) { /* next poll */ }
}
refresh();
setInterval(refresh, 2000);
</script>
</body>
</html>
`
