package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gasline/gasline/internal/types"
	"github.com/gasline/gasline/pkg/chainrpc"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// mockChainServer serves eth_getBlockByNumber with a fixed block.
func mockChainServer(t *testing.T, number uint64, baseFeeHex string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int    `json:"id"`
			Method string `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
			return
		}
		if req.Method != "eth_getBlockByNumber" {
			t.Errorf("Unexpected method: %s", req.Method)
		}
		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result": map[string]interface{}{
				"number":        hexUint(number),
				"timestamp":     hexUint(1700000000),
				"baseFeePerGas": baseFeeHex,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func hexUint(n uint64) string {
	return fmt.Sprintf("0x%x", n)
}

type memStore struct {
	mu  sync.Mutex
	obs []types.GasObservation
}

func (m *memStore) Put(obs types.GasObservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obs = append(m.obs, obs)
	return nil
}

func (m *memStore) all() []types.GasObservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.GasObservation(nil), m.obs...)
}

type memFeed struct {
	mu   sync.Mutex
	sent []interface{}
}

func (f *memFeed) Broadcast(v interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
}

func (f *memFeed) all() []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interface{}(nil), f.sent...)
}

func newClient(t *testing.T, urls ...string) *chainrpc.Client {
	t.Helper()
	rotor, err := chainrpc.NewRotor(urls)
	if err != nil {
		t.Fatalf("NewRotor failed: %v", err)
	}
	return chainrpc.New(rotor, 2*time.Second)
}

func TestCollectReturnsLiveObservation(t *testing.T) {
	server := mockChainServer(t, 1234, "0x1E8480") // 2000000 wei = 0.002 gwei
	defer server.Close()

	c := New(newClient(t, server.URL), &memStore{}, testLogger())
	obs, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if obs.BlockNumber != 1234 {
		t.Errorf("Block = %d, want 1234", obs.BlockNumber)
	}
	if obs.Source != types.SourceLive {
		t.Errorf("Source = %q, want %q", obs.Source, types.SourceLive)
	}
	if obs.BaseFeeGwei != 0.002 {
		t.Errorf("BaseFeeGwei = %v, want 0.002", obs.BaseFeeGwei)
	}
}

func TestCollectRotatesPastFailedEndpoint(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer dead.Close()
	live := mockChainServer(t, 77, "0x3B9ACA00")
	defer live.Close()

	client := newClient(t, dead.URL, live.URL)
	c := New(client, &memStore{}, testLogger())

	obs, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if obs.BlockNumber != 77 {
		t.Errorf("Block = %d, want 77", obs.BlockNumber)
	}
	if client.Rotor().Index() != 1 {
		t.Errorf("Rotor index = %d, want 1", client.Rotor().Index())
	}
}

func TestCollectAllEndpointsDown(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer dead.Close()

	client := newClient(t, dead.URL, dead.URL, dead.URL)
	c := New(client, &memStore{}, testLogger())

	_, err := c.Collect(context.Background())
	if err == nil {
		t.Fatal("Expected error when every endpoint is down")
	}
	if !chainrpc.IsUnavailable(err) {
		t.Errorf("Expected unavailable error, got %v", err)
	}
	// One advance per failed endpoint wraps back to the start.
	if client.Rotor().Index() != 0 {
		t.Errorf("Rotor index = %d, want 0", client.Rotor().Index())
	}
}

func TestPollPersistsAndBroadcastsLive(t *testing.T) {
	server := mockChainServer(t, 55, "0x1E8480")
	defer server.Close()

	store := &memStore{}
	feed := &memFeed{}
	c := New(newClient(t, server.URL), store, testLogger(), WithBroadcaster(feed))

	c.poll(context.Background())

	if got := store.all(); len(got) != 1 || got[0].BlockNumber != 55 {
		t.Fatalf("Store contents = %+v, want one observation for block 55", got)
	}
	if got := feed.all(); len(got) != 1 {
		t.Fatalf("Broadcast count = %d, want 1", len(got))
	}
	collected, failures := c.Stats()
	if collected != 1 || failures != 0 {
		t.Errorf("Stats = (%d, %d), want (1, 0)", collected, failures)
	}
}

func TestPollFallsBackWithoutPersisting(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer dead.Close()

	store := &memStore{}
	feed := &memFeed{}
	c := New(newClient(t, dead.URL), store, testLogger(), WithBroadcaster(feed))

	c.poll(context.Background())

	if got := store.all(); len(got) != 0 {
		t.Fatalf("Synthetic observation was persisted: %+v", got)
	}
	sent := feed.all()
	if len(sent) != 1 {
		t.Fatalf("Broadcast count = %d, want 1", len(sent))
	}
	obs, ok := sent[0].(types.GasObservation)
	if !ok {
		t.Fatalf("Broadcast payload type %T", sent[0])
	}
	if obs.Source != types.SourceFallback {
		t.Errorf("Source = %q, want %q", obs.Source, types.SourceFallback)
	}
	if obs.BaseFeeGwei <= 0 {
		t.Errorf("BaseFeeGwei = %v, want > 0", obs.BaseFeeGwei)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	server := mockChainServer(t, 9, "0x1E8480")
	defer server.Close()

	store := &memStore{}
	c := New(newClient(t, server.URL), store, testLogger(), WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(60 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if len(store.all()) < 2 {
		t.Errorf("Expected multiple polls, got %d", len(store.all()))
	}
}
