package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/fund-ledger/internal/metrics"
	"github.com/atmx/fund-ledger/internal/model"
)

// subscriber is one websocket connection, optionally filtered to a job or
// a fund.
type subscriber struct {
	conn   *websocket.Conn
	jobID  string
	fundID string
}

func (s *subscriber) wants(ev model.JobEvent) bool {
	if s.jobID != "" && s.jobID != ev.JobID {
		return false
	}
	if s.fundID != "" && s.fundID != ev.FundID {
		return false
	}
	return true
}

type envelope struct {
	event model.JobEvent
	data  []byte
}

// Hub fans job status events out to websocket subscribers. It implements
// engine.Notifier.
type Hub struct {
	clients    map[*subscriber]bool
	broadcast  chan envelope
	register   chan *subscriber
	unregister chan *subscriber
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a new websocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*subscriber]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's event loop and returns when ctx is done, closing
// every connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				c.conn.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total, "job_id", c.jobID, "fidc_id", c.fundID)

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if !c.wants(msg.event) {
					continue
				}
				c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					c.conn.Close()
					delete(h.clients, c)
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
		}
	}
}

func (h *Hub) drop(c *subscriber) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.conn.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(total))
}

// Publish queues an event for delivery. Events are dropped when the buffer
// is full so job processing never blocks on slow subscribers.
func (h *Hub) Publish(ev model.JobEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- envelope{event: ev, data: data}:
	default:
		slog.Warn("ws broadcast buffer full, dropping event", "job_id", ev.JobID, "type", ev.Type)
	}
}

// Clients reports the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles websocket upgrades at GET /api/v1/ws. The optional
// job_id and fidc_id query parameters narrow the stream.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &subscriber{
		conn:   conn,
		jobID:  r.URL.Query().Get("job_id"),
		fundID: r.URL.Query().Get("fidc_id"),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: detects disconnects and keeps the read deadline fresh.
	go func() {
		defer func() {
			select {
			case h.unregister <- c:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[c]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}
