// Package websocket streams evidence entries to connected clients as they are
// recorded.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"accessguard/internal/evidence"
	"accessguard/internal/infrastructure"
)

// Message types sent to clients.
const (
	TypeConnection = "connection"
	TypeEvidence   = "evidence"
)

// broadcastBuffer bounds the entries queued between a recorder and the hub
// loop. Recorders never wait on the stream.
const broadcastBuffer = 64

// ErrHubClosed is returned when registering with a stopped hub.
var ErrHubClosed = errors.New("websocket hub closed")

// Message is the envelope of every frame sent to a client.
type Message struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
}

type outbound struct {
	log     string
	msgType string
	payload []byte
}

// Hub maintains the set of active clients and fans entries out to them.
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound

	mu      sync.RWMutex
	logger  *slog.Logger
	metrics *streamMetrics
	now     func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// NewHub creates a hub. Call Start before registering clients.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, broadcastBuffer),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		metrics:    newStreamMetrics(),
		now:        time.Now,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the hub loop in the background. Extra calls are no-ops.
func (h *Hub) Start() {
	h.startOnce.Do(func() { go h.run() })
}

// Stop ends the hub loop and closes every client's send queue.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.startOnce.Do(func() { close(h.done) })
	})
	<-h.done
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
				h.metrics.disconnected(context.Background())
			}
			h.mu.Unlock()
			h.logger.Info("Hub shutting down")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()

			ctx := c.context()
			h.metrics.connected(ctx)
			h.logger.InfoContext(ctx, "Client registered",
				slog.String("client_id", c.id),
				slog.String("remote_addr", c.remoteAddr),
				slog.String("log_filter", c.filter),
				slog.Int("total_clients", count),
			)
			h.greet(ctx, c)

		case c := <-h.unregister:
			h.remove(c, "Client unregistered")

		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) greet(ctx context.Context, c *Client) {
	payload, err := json.Marshal(Message{
		Type: TypeConnection,
		Data: map[string]any{
			"status":    "connected",
			"client_id": c.id,
			"log":       c.filter,
		},
		Timestamp: h.now().UTC().Format(time.RFC3339),
		TraceID:   c.traceID,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
		h.logger.WarnContext(ctx, "Failed to send connection message, client buffer full",
			slog.String("client_id", c.id))
	}
}

func (h *Hub) fanOut(msg outbound) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if c.accepts(msg.log) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		select {
		case c.send <- msg.payload:
			delivered++
		default:
			h.metrics.drop(c.context(), "client_full")
			h.remove(c, "Client send buffer full, disconnecting")
		}
	}
	h.metrics.delivered(context.Background(), msg.msgType, delivered)
	h.logger.Debug("Broadcast evidence",
		slog.String("log", msg.log),
		slog.Int("delivered", delivered),
		slog.Int("payload_size", len(msg.payload)),
	)
}

// remove runs on the hub loop only.
func (h *Hub) remove(c *Client, reason string) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()

	ctx := c.context()
	h.metrics.disconnected(ctx)
	h.logger.InfoContext(ctx, reason,
		slog.String("client_id", c.id),
		slog.Int("total_clients", count),
		slog.Duration("connection_duration", time.Since(c.connectedAt)),
	)
}

// Register adds c to the hub. The hub must be started.
func (h *Hub) Register(c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// Unregister removes c and closes its send queue.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// BroadcastEntry queues e for every client whose filter accepts its log.
// The entry is dropped when the hub is saturated.
func (h *Hub) BroadcastEntry(e evidence.Entry) {
	payload, err := json.Marshal(Message{
		Type:      TypeEvidence,
		Data:      e,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		h.logger.Error("Failed to encode evidence entry",
			slog.String("entry_id", e.ID),
			slog.String("error", err.Error()))
		return
	}

	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- outbound{log: e.Log, msgType: TypeEvidence, payload: payload}:
	default:
		h.metrics.drop(context.Background(), "hub_full")
		h.logger.Warn("Evidence stream saturated, dropping entry",
			slog.String("entry_id", e.ID),
			slog.String("type", e.Type))
	}
}

// Attach subscribes the hub to both logs of book. The returned function
// detaches it.
func (h *Hub) Attach(book *evidence.Book) (cancel func()) {
	return book.Subscribe(h.BroadcastEntry)
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
