// Package realtime provides WebSocket streaming for live pipeline activity.
//
// Observers see transactions the moment they enter the pipeline and again
// when analysis flags them, instead of polling:
// - new_transaction when a transaction is accepted for scoring
// - analyzed_transaction when a scored transaction clears the alert threshold
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/fraudwatch/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		// Allow same-host connections
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Event types pushed to observers.
const (
	EventNewTransaction      = "new_transaction"
	EventAnalyzedTransaction = "analyzed_transaction"
)

// ErrEndpointFull is returned by an endpoint whose delivery buffer is full.
var ErrEndpointFull = errors.New("endpoint buffer full")

// Endpoint is one registered observer. Deliver must not block; an endpoint
// that cannot accept a message returns an error and is removed by the hub
// without affecting delivery to the remaining endpoints.
type Endpoint interface {
	Deliver(msg []byte) error
	Close()
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all registered observer endpoints. Delivery is best-effort and
// at-most-once per endpoint per event; registry mutation and fan-out both
// happen on the Run goroutine, so a close can never race a delivery.
type Hub struct {
	endpoints  map[Endpoint]bool
	broadcast  chan []byte
	register   chan Endpoint
	unregister chan Endpoint
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// Stats
	totalEvents    atomic.Int64
	totalEndpoints atomic.Int64
	activeCount    atomic.Int64
	droppedEvents  atomic.Int64
}

// NewHub creates a new observer hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		endpoints:  make(map[Endpoint]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan Endpoint),
		unregister: make(chan Endpoint),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing observer connections")
			for ep := range h.endpoints {
				ep.Close()
				delete(h.endpoints, ep)
			}
			h.activeCount.Store(0)
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case ep := <-h.register:
			h.endpoints[ep] = true
			h.totalEndpoints.Add(1)
			n := len(h.endpoints)
			h.activeCount.Store(int64(n))
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("observer connected", "total", n)

		case ep := <-h.unregister:
			h.remove(ep, "disconnected")

		case msg := <-h.broadcast:
			h.totalEvents.Add(1)
			var failed []Endpoint
			for ep := range h.endpoints {
				if err := ep.Deliver(msg); err != nil {
					failed = append(failed, ep)
				}
			}
			// A failing endpoint only costs itself its registration; the
			// event still reached everyone else.
			for _, ep := range failed {
				h.remove(ep, "delivery failed")
			}
		}
	}
}

// remove deregisters and closes an endpoint. Runs on the hub goroutine only.
func (h *Hub) remove(ep Endpoint, reason string) {
	if _, ok := h.endpoints[ep]; !ok {
		return
	}
	delete(h.endpoints, ep)
	ep.Close()
	n := len(h.endpoints)
	h.activeCount.Store(int64(n))
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("observer removed", "reason", reason, "total", n)
}

// Register adds an endpoint to the hub. Returns false once the hub has
// stopped.
func (h *Hub) Register(ep Endpoint) bool {
	select {
	case <-h.done:
		return false
	case h.register <- ep:
		return true
	}
}

// Unregister removes an endpoint. Safe for endpoints already removed.
func (h *Hub) Unregister(ep Endpoint) {
	select {
	case <-h.done:
	case h.unregister <- ep:
	}
}

// Broadcast serializes an event and queues it for delivery to every
// registered endpoint.
func (h *Hub) Broadcast(event any) {
	msg, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("event serialization failed", "error", err)
		return
	}

	select {
	case h.broadcast <- msg:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("broadcast channel full, dropping event")
	}
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]any {
	return map[string]any{
		"connectedObservers": int(h.activeCount.Load()),
		"totalEvents":        h.totalEvents.Load(),
		"totalObservers":     h.totalEndpoints.Load(),
		"droppedEvents":      h.droppedEvents.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket and registers the connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if int(h.activeCount.Load()) >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}

	if !h.Register(client) {
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// wsClient adapts one WebSocket connection to the Endpoint interface.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Deliver implements Endpoint. Called from the hub goroutine only.
func (c *wsClient) Deliver(msg []byte) error {
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrEndpointFull
	}
}

// Close implements Endpoint. Called from the hub goroutine only; closing the
// send channel makes writePump send a CloseMessage and exit.
func (c *wsClient) Close() {
	close(c.send)
}

// readPump drains inbound frames and detects disconnects.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
	}
}

// writePump writes queued events and keepalive pings to the WebSocket.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
