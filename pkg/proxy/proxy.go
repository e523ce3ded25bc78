// Package proxy implements the edge caching proxy that fronts the upstream
// prediction/data API.
//
// The handler is stateless: all shared state lives in the cache store, so
// concurrent invocations are safe. Cache keys are the exact path+query
// concatenation, so distinct query parameters never collide. Responses are
// annotated with an X-Cache header (HIT or MISS) and a Cache-Control header
// reflecting the category TTL. Upstream errors are propagated with their
// original status and never cached.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gasline/gasline/internal/types"
	"github.com/gasline/gasline/pkg/cache"
	"github.com/gasline/gasline/pkg/fallback"
)

// Default configuration values.
const (
	DefaultListenAddr      = ":8080"
	DefaultUpstreamTimeout = 15 * time.Second
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second

	// maxUpstreamBody bounds how much of an upstream response is read.
	maxUpstreamBody = 8 << 20 // 8MB
)

// Per-category TTLs. Live price data needs sub-minute freshness; historical
// aggregates tolerate minutes of staleness.
var categoryTTL = map[string]time.Duration{
	"current":     10 * time.Second,
	"predictions": 30 * time.Second,
	"accuracy":    60 * time.Second,
	"historical":  300 * time.Second,
	"validation":  120 * time.Second,
	"network":     15 * time.Second,
	"retraining":  120 * time.Second,
}

// DefaultTTL applies to any path whose category has no dedicated entry.
const DefaultTTL = 30 * time.Second

// TTLFor returns the cache TTL for a request path. The category is the first
// segment after the /api/ prefix.
func TTLFor(path string) time.Duration {
	rest := strings.TrimPrefix(path, "/api/")
	category := rest
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		category = rest[:i]
	}
	if ttl, ok := categoryTTL[category]; ok {
		return ttl
	}
	return DefaultTTL
}

// ObservationSource supplies locally collected observations for the
// /api/local-history route. gasdb.Store satisfies it.
type ObservationSource interface {
	Range(from, to time.Time) ([]types.GasObservation, error)
}

// Config holds proxy server configuration.
type Config struct {
	// Addr is the listen address (host:port).
	Addr string

	// UpstreamBaseURL is the base URL of the prediction/data API. Request
	// path and query are appended verbatim.
	UpstreamBaseURL string

	// UpstreamTimeout is the per-request timeout for upstream fetches.
	UpstreamTimeout time.Duration

	// ReadTimeout and WriteTimeout configure the HTTP server.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// LogRequests enables per-request logging.
	LogRequests bool
}

// DefaultConfig returns a default proxy configuration.
func DefaultConfig(upstream string) Config {
	return Config{
		Addr:            DefaultListenAddr,
		UpstreamBaseURL: upstream,
		UpstreamTimeout: DefaultUpstreamTimeout,
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		LogRequests:     true,
	}
}

// Proxy is the edge caching proxy server.
type Proxy struct {
	config     Config
	store      cache.Store
	history    ObservationSource
	httpClient *http.Client
	log        *logrus.Logger

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// New creates a proxy over the given cache store. history may be nil; the
// local-history route then serves pattern data only.
func New(cfg Config, store cache.Store, history ObservationSource, log *logrus.Logger) *Proxy {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.UpstreamTimeout == 0 {
		cfg.UpstreamTimeout = DefaultUpstreamTimeout
	}
	return &Proxy{
		config:  cfg,
		store:   store,
		history: history,
		httpClient: &http.Client{
			Timeout: cfg.UpstreamTimeout,
		},
		log: log,
	}
}

// Handler builds the proxy's HTTP handler.
func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/local-history", p.handleLocalHistory)
	mux.HandleFunc("/api/", p.handleAPI)
	mux.HandleFunc("/healthz", p.handleHealthz)

	if p.config.LogRequests {
		return p.loggingMiddleware(mux)
	}
	return mux
}

// Start starts the proxy server and blocks until it stops.
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("proxy already running")
	}
	p.running = true
	p.server = &http.Server{
		Addr:         p.config.Addr,
		Handler:      p.Handler(),
		ReadTimeout:  p.config.ReadTimeout,
		WriteTimeout: p.config.WriteTimeout,
	}
	server := p.server
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	p.log.WithField("addr", p.config.Addr).Info("Edge cache proxy listening")

	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.server == nil {
		return nil
	}
	p.running = false
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.server.Shutdown(ctx)
}

// writeCORS sets permissive CORS headers so any origin can consume proxy
// responses.
func writeCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// handleAPI serves /api/* requests from cache when fresh, otherwise fetching,
// storing, and forwarding the upstream response.
func (p *Proxy) handleAPI(w http.ResponseWriter, r *http.Request) {
	writeCORS(w)

	// Preflight short-circuits with headers only, no upstream call.
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	key := cacheKey(r)

	entry, found, err := p.store.Get(key)
	if err != nil {
		// A broken store read degrades to a miss rather than failing the
		// request.
		p.log.WithError(err).WithField("key", key).Warn("Cache read failed")
	}
	if found {
		p.writeCached(w, entry, "HIT")
		return
	}

	p.fetchAndServe(w, r, key)
}

// cacheKey is the exact concatenation of path and query string.
func cacheKey(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.RawQuery
}

// fetchAndServe forwards the request upstream and caches a successful body.
func (p *Proxy) fetchAndServe(w http.ResponseWriter, r *http.Request, key string) {
	ctx, cancel := context.WithTimeout(r.Context(), p.config.UpstreamTimeout)
	defer cancel()

	upstreamURL := strings.TrimSuffix(p.config.UpstreamBaseURL, "/") + key
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstreamURL, nil)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "bad upstream url")
		return
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.log.WithError(err).WithField("url", upstreamURL).Error("Upstream fetch failed")
		writeJSONError(w, http.StatusBadGateway, "upstream unreachable")
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		p.log.WithError(err).WithField("url", upstreamURL).Error("Upstream body read failed")
		writeJSONError(w, http.StatusBadGateway, "upstream read failed")
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	// Error responses pass through with their original status, uncached.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("X-Cache", "MISS")
		w.WriteHeader(resp.StatusCode)
		w.Write(body)
		return
	}

	ttl := TTLFor(r.URL.Path)
	entry := &cache.Entry{
		Key:         key,
		Payload:     body,
		ContentType: contentType,
		ETag:        cache.ETagFor(body),
		StoredAt:    time.Now().Unix(),
		TTLSeconds:  int(ttl.Seconds()),
	}

	// Concurrent misses may each store the entry; last write wins. That race
	// is tolerated instead of serialized to keep the handler stateless.
	if err := p.store.Put(key, entry, ttl); err != nil {
		p.log.WithError(err).WithField("key", key).Warn("Cache write failed")
	}

	p.writeCached(w, entry, "MISS")
}

// writeCached writes a cache entry to the client with cache annotations.
func (p *Proxy) writeCached(w http.ResponseWriter, entry *cache.Entry, status string) {
	w.Header().Set("Content-Type", entry.ContentType)
	w.Header().Set("X-Cache", status)
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(entry.TTLSeconds))
	if entry.ETag != "" {
		w.Header().Set("ETag", `"`+entry.ETag+`"`)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(entry.Payload)
}

// localHistoryResponse is the body of /api/local-history.
type localHistoryResponse struct {
	Data       interface{}      `json:"data"`
	Count      int              `json:"count"`
	DataSource types.DataSource `json:"data_source"`
}

// handleLocalHistory serves locally collected observations, degrading to the
// pattern table when the local store has nothing for the window.
func (p *Proxy) handleLocalHistory(w http.ResponseWriter, r *http.Request) {
	writeCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			hours = n
		}
	}
	if hours > 720 {
		hours = 720
	}

	now := time.Now().UTC()

	if p.history != nil {
		obs, err := p.history.Range(now.Add(-time.Duration(hours)*time.Hour), now)
		if err != nil {
			p.log.WithError(err).Warn("Local history read failed")
		}
		if len(obs) > 0 {
			writeJSON(w, http.StatusOK, localHistoryResponse{
				Data:       obs,
				Count:      len(obs),
				DataSource: types.SourceLive,
			})
			return
		}
	}

	p.log.WithField("hours", hours).Warn("Serving fallback pattern data for local history")
	points := fallback.Series(now, hours)
	writeJSON(w, http.StatusOK, localHistoryResponse{
		Data:       points,
		Count:      len(points),
		DataSource: types.SourceFallback,
	})
}

// handleHealthz is a liveness probe; never cached.
func (p *Proxy) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeCORS(w)
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware logs method, path, status and duration per request.
func (p *Proxy) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		p.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).Round(time.Millisecond).String(),
		}).Info("Request served")
	})
}
