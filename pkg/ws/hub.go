// Package ws broadcasts gas observations to websocket subscribers.
//
// The hub runs its own HTTP listener, separate from the cache proxy,
// because proxy write timeouts would tear down long-lived connections.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// Hub tracks connected clients and fans observations out to them.
type Hub struct {
	log *logrus.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	server *http.Server
}

func NewHub(addr string, log *logrus.Logger) *Hub {
	h := &Hub{
		log:     log,
		clients: make(map[*websocket.Conn]bool),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleConnection)
	h.server = &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}
	return h
}

// Start serves websocket upgrades until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		h.Stop()
	}()

	h.log.WithField("addr", h.server.Addr).Info("Websocket hub listening")
	if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop closes the listener and drops every client.
func (h *Hub) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.server.Shutdown(shutdownCtx)

	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends v as a JSON text frame to every connected client.
// Clients whose writes fail are dropped.
func (h *Hub) Broadcast(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.WithError(err).Error("Failed to marshal broadcast payload")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.WithError(err).Debug("Dropping websocket client")
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *Hub) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{
		"total_clients": count,
		"remote_addr":   r.RemoteAddr,
	}).Info("Websocket client connected")

	defer func() {
		h.mu.Lock()
		if h.clients[conn] {
			conn.Close()
			delete(h.clients, conn)
		}
		count := len(h.clients)
		h.mu.Unlock()

		h.log.WithFields(logrus.Fields{
			"total_clients": count,
			"remote_addr":   r.RemoteAddr,
		}).Info("Websocket client disconnected")
	}()

	// Drain inbound frames so control messages are processed. The
	// feed is one-way; client payloads are ignored.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
