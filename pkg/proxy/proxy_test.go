package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gasline/gasline/internal/types"
	"github.com/gasline/gasline/pkg/cache"
)

func newTestProxy(t *testing.T, upstream string, history ObservationSource) (*Proxy, *cache.MemoryStore) {
	store := cache.NewMemoryStore()
	cfg := DefaultConfig(upstream)
	cfg.LogRequests = false
	return New(cfg, store, history, nil), store
}

func TestTTLFor(t *testing.T) {
	cases := []struct {
		path string
		ttl  time.Duration
	}{
		{"/api/current", 10 * time.Second},
		{"/api/predictions", 30 * time.Second},
		{"/api/accuracy", 60 * time.Second},
		{"/api/historical", 300 * time.Second},
		{"/api/validation", 120 * time.Second},
		{"/api/network", 15 * time.Second},
		{"/api/retraining", 120 * time.Second},
		{"/api/user-history/0xabc", DefaultTTL},
		{"/api/leaderboard", DefaultTTL},
		{"/api/stats", DefaultTTL},
	}
	for _, tc := range cases {
		if got := TTLFor(tc.path); got != tc.ttl {
			t.Errorf("TTLFor(%s) = %v, want %v", tc.path, got, tc.ttl)
		}
	}
}

func TestProxyMissThenHit(t *testing.T) {
	var upstreamCalls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		if r.URL.Path != "/api/current" {
			t.Errorf("Unexpected upstream path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"current_gas":0.0021}`))
	}))
	defer upstream.Close()

	p, _ := newTestProxy(t, upstream.URL, nil)
	handler := p.Handler()

	// First call: miss, forwarded upstream, stored with TTL 10.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/current", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("Expected X-Cache MISS, got %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=10" {
		t.Errorf("Expected max-age=10 for current, got %q", got)
	}
	if rec.Body.String() != `{"current_gas":0.0021}` {
		t.Errorf("Unexpected body %q", rec.Body.String())
	}

	// Second call within TTL: hit, byte-identical, no second upstream call.
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/current", nil))

	if got := rec2.Header().Get("X-Cache"); got != "HIT" {
		t.Errorf("Expected X-Cache HIT, got %q", got)
	}
	if rec2.Body.String() != rec.Body.String() {
		t.Error("Hit payload differs from miss payload")
	}
	if rec2.Header().Get("ETag") == "" || rec2.Header().Get("ETag") != rec.Header().Get("ETag") {
		t.Errorf("ETag mismatch: %q vs %q", rec.Header().Get("ETag"), rec2.Header().Get("ETag"))
	}
	if n := upstreamCalls.Load(); n != 1 {
		t.Errorf("Expected exactly 1 upstream call, got %d", n)
	}
}

func TestProxyDistinctQueriesDontCollide(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"hours":"` + r.URL.Query().Get("hours") + `"}`))
	}))
	defer upstream.Close()

	p, _ := newTestProxy(t, upstream.URL, nil)
	handler := p.Handler()

	rec24 := httptest.NewRecorder()
	handler.ServeHTTP(rec24, httptest.NewRequest(http.MethodGet, "/api/historical?hours=24", nil))
	rec168 := httptest.NewRecorder()
	handler.ServeHTTP(rec168, httptest.NewRequest(http.MethodGet, "/api/historical?hours=168", nil))

	if rec24.Body.String() == rec168.Body.String() {
		t.Error("Different query strings were served the same cached payload")
	}
}

func TestProxyUpstreamErrorNotCached(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer upstream.Close()

	p, store := newTestProxy(t, upstream.URL, nil)
	handler := p.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected propagated 500, got %d", rec.Code)
	}
	if store.Len() != 0 {
		t.Error("Error response must not be cached")
	}

	// The next request goes upstream again.
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if calls.Load() != 2 {
		t.Errorf("Expected 2 upstream calls, got %d", calls.Load())
	}
}

func TestProxyUpstreamUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	p, _ := newTestProxy(t, upstream.URL, nil)
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/current", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", rec.Code)
	}
}

func TestProxyOptionsShortCircuits(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	p, _ := newTestProxy(t, upstream.URL, nil)
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/current", nil))

	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204 for preflight, got %d", rec.Code)
	}
	if calls.Load() != 0 {
		t.Error("Preflight must not reach upstream")
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Missing permissive CORS header on preflight")
	}
}

func TestProxyCORSOnResponses(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	p, _ := newTestProxy(t, upstream.URL, nil)
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))

	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Proxy responses must carry permissive CORS headers")
	}
}

// staticHistory is a fixed ObservationSource for tests.
type staticHistory struct {
	obs []types.GasObservation
}

func (s *staticHistory) Range(from, to time.Time) ([]types.GasObservation, error) {
	return s.obs, nil
}

func TestLocalHistoryFromStore(t *testing.T) {
	source := &staticHistory{obs: []types.GasObservation{
		{Timestamp: 1_700_000_000, BlockNumber: 1, BaseFeeGwei: 0.002, Source: types.SourceLive},
	}}

	p, _ := newTestProxy(t, "http://unused", source)
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/local-history?hours=24", nil))

	var resp localHistoryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if resp.Count != 1 || resp.DataSource != types.SourceLive {
		t.Errorf("Expected 1 live observation, got count=%d source=%s", resp.Count, resp.DataSource)
	}
}

func TestLocalHistoryFallsBack(t *testing.T) {
	p, _ := newTestProxy(t, "http://unused", &staticHistory{})
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/local-history?hours=6", nil))

	var resp localHistoryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if resp.DataSource != types.SourceFallback {
		t.Errorf("Expected fallback source, got %s", resp.DataSource)
	}
	if resp.Count != 6 {
		t.Errorf("Expected 6 hourly points, got %d", resp.Count)
	}
}

func TestHealthzNeverCached(t *testing.T) {
	p, _ := newTestProxy(t, "http://unused", nil)
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("healthz must be no-store, got %q", rec.Header().Get("Cache-Control"))
	}
}
