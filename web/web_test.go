package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matryer/is"

	"github.com/awinterman/redismirror/config"
	"github.com/awinterman/redismirror/internal/status"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg, err := config.Parse([]byte(`
source: {host: localhost, port: 6379, password: hunter2}
targets:
  - {name: t1, host: localhost, port: 6380, enabled: true}
`))
	if err != nil {
		t.Fatal(err)
	}
	stats := status.New([]string{"t1"})
	stats.Target("t1").Applied.Add(7)
	return New("localhost:0", stats, cfg)
}

func TestStatusEndpoint(t *testing.T) {
	is := is.New(t)
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	is.Equal(rec.Code, http.StatusOK)
	var snap status.Snapshot
	is.NoErr(json.Unmarshal(rec.Body.Bytes(), &snap))
	is.Equal(snap.Targets["t1"].Applied, int64(7))
	is.Equal(snap.SourceState, "connecting")
}

func TestConfigEndpointRedactsPasswords(t *testing.T) {
	is := is.New(t)
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.handleConfig(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))

	is.Equal(rec.Code, http.StatusOK)
	body := rec.Body.String()
	is.True(!strings.Contains(body, "hunter2"))
	is.True(strings.Contains(body, "***"))
}

func TestDashboardServed(t *testing.T) {
	is := is.New(t)
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.handleDashboard(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	is.Equal(rec.Code, http.StatusOK)
	is.True(strings.Contains(rec.Body.String(), "redismirror"))

	rec = httptest.NewRecorder()
	s.handleDashboard(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	is.Equal(rec.Code, http.StatusNotFound)
}
