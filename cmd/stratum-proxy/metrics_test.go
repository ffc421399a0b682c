package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/matst80/stratum-proxy/internal/state"
	"github.com/matst80/stratum-proxy/internal/upstream"
)

func newTestMux(st state.Store) http.Handler {
	return newMetricsMux(st, upstream.NewTarget("pool.example"), netip.MustParseAddrPort("203.0.113.5:443"))
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestReadyz(t *testing.T) {
	st := state.NewMemoryStore()
	h := newTestMux(st)

	if rec := get(t, h, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("before ready: got %d", rec.Code)
	}
	st.SetReady(true)
	if rec := get(t, h, "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("ready: got %d", rec.Code)
	}
	st.SetClosing(true)
	if rec := get(t, h, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("closing: got %d", rec.Code)
	}
	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz: %d %q", rec.Code, rec.Body.String())
	}
}

func TestAPIState(t *testing.T) {
	st := state.NewMemoryStore()
	st.SessionOpened(state.SessionInfo{ID: "a", Client: "127.0.0.1:1", Started: time.Now()})
	st.SessionOpened(state.SessionInfo{ID: "b", Client: "127.0.0.1:2", Started: time.Now()})
	st.SessionClosed(state.SessionResult{ID: "b", BytesUp: 10, BytesDown: 20})

	rec := get(t, newTestMux(st), "/api/state")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	var got Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Active != 1 || got.TotalSessions != 2 || got.BytesUp != 10 || got.BytesDown != 20 {
		t.Errorf("unexpected stats %+v", got)
	}
	if got.Upstream != "pool.example:443" || got.Addr != "203.0.113.5:443" {
		t.Errorf("unexpected upstream %+v", got)
	}
}

func TestDashboardAndMetrics(t *testing.T) {
	h := newTestMux(state.NewMemoryStore())

	rec := get(t, h, "/dashboard")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "pool.example:443") {
		t.Errorf("dashboard: %d %q", rec.Code, rec.Body.String())
	}

	rec = get(t, h, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "stratum_proxy_active_sessions") {
		t.Errorf("metrics missing relay gauges: %d", rec.Code)
	}
}

func TestAPIStateKeys(t *testing.T) {
	rec := get(t, newTestMux(state.NewMemoryStore()), "/api/state")
	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []string{"active", "total_sessions", "bytes_up", "bytes_down", "failed", "upstream", "addr", "now"}
	for _, k := range want {
		if _, ok := raw[k]; !ok {
			t.Errorf("missing key %q in %s", k, rec.Body.String())
		}
	}
	if len(raw) != len(want) {
		t.Errorf("expected %d keys, got %d: %s", len(want), len(raw), rec.Body.String())
	}
}
