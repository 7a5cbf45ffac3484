// Package gateway serves the engine's read API: REST views of the current
// snapshot and effective overrides, plus a WebSocket push of every refreshed
// snapshot.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"intervention-engine/internal/logger"
	"intervention-engine/internal/model"
)

// SnapshotReader is the lock-free snapshot accessor of the engine.
type SnapshotReader interface {
	GetSnapshot() *model.Snapshot
}

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Hub manages WebSocket clients and pushes snapshots to them.
type Hub struct {
	snaps SnapshotReader
	log   *slog.Logger
	now   func() time.Time

	mu      sync.Mutex
	clients map[*Client]struct{}
	seq     uint64
	last    []byte

	// Latency tracks newest-tick-to-push latency.
	Latency *LatencyTracker

	// OnClientsChanged is called with the client count after a connect or disconnect (optional).
	OnClientsChanged func(n int)
	// OnDroppedFrame is called with the number of clients that missed a frame (optional).
	OnDroppedFrame func(n int)
}

// NewHub creates a Hub serving snapshots from snaps.
func NewHub(snaps SnapshotReader, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		snaps:   snaps,
		log:     logger.Component(log, "ws-hub"),
		now:     time.Now,
		clients: make(map[*Client]struct{}),
		Latency: NewLatencyTracker(10000),
	}
}

// ServeWS upgrades the request to a WebSocket, registers the client and
// sends it the current snapshot.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "error", err)
		return
	}
	conn.EnableWriteCompression(true)

	client := &Client{conn: conn, send: make(chan []byte, sendQueue), hub: h}

	initial := h.initialFrame()

	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("ws client connected", "clients", count)
	if h.OnClientsChanged != nil {
		h.OnClientsChanged(count)
	}

	if initial != nil {
		client.enqueue(initial)
	}
	go client.writePump()
	go client.readPump()
}

func (h *Hub) initialFrame() []byte {
	s := h.snaps.GetSnapshot()
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		h.log.Error("encode snapshot", "error", err)
		return nil
	}
	h.mu.Lock()
	seq := h.seq
	h.mu.Unlock()
	return envelope("snapshot", seq, h.now(), data)
}

// removeClient unregisters c and closes its send queue. Safe to call twice.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.close()

	h.log.Info("ws client disconnected", "clients", count)
	if h.OnClientsChanged != nil {
		h.OnClientsChanged(count)
	}
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.removeClient(c)
	}
}
