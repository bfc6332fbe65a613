// Package websocket streams domain events (task and workflow progress) to
// connected clients over gorilla/websocket.
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mediaforge/backend/internal/events"
)

// client is one connected socket with its subscription filter.
type client struct {
	conn *websocket.Conn
	// accountID scopes delivery; 0 means no account filter.
	accountID int64
	// runID narrows delivery to one workflow run; 0 means all.
	runID int64
}

// Streamer fans events from the bus out to websocket clients. It runs a
// single hub goroutine; writers never touch the client map directly.
type Streamer struct {
	clients    map[*client]bool
	broadcast  chan *events.Event
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader
	log        *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	unsubs   []func()
}

// NewStreamer wires the streamer to the bus. Call Run before serving.
func NewStreamer(bus events.Bus) *Streamer {
	s := &Streamer{
		clients:    make(map[*client]bool),
		broadcast:  make(chan *events.Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:  slog.With("component", "ws_streamer"),
		stop: make(chan struct{}),
	}
	for _, et := range []events.EventType{
		events.EventTaskStatusChanged,
		events.EventRunStatusChanged,
		events.EventRunNodeChanged,
		events.EventRechargeConfirmed,
	} {
		s.unsubs = append(s.unsubs, bus.Subscribe(et, s.enqueue))
	}
	return s
}

func (s *Streamer) enqueue(_ context.Context, event *events.Event) {
	select {
	case s.broadcast <- event:
	default:
		// A full buffer drops the event; clients resync from the API.
		s.log.Warn("event dropped, broadcast buffer full", "type", event.Type)
	}
}

// Run is the hub loop. Blocks until Close.
func (s *Streamer) Run() {
	for {
		select {
		case <-s.stop:
			for c := range s.clients {
				c.conn.Close()
			}
			return
		case c := <-s.register:
			s.clients[c] = true
			s.log.Info("ws client connected", "account_id", c.accountID, "total", len(s.clients))
		case c := <-s.unregister:
			if s.clients[c] {
				delete(s.clients, c)
				c.conn.Close()
			}
		case event := <-s.broadcast:
			for c := range s.clients {
				if !c.wants(event) {
					continue
				}
				if err := c.conn.WriteJSON(event); err != nil {
					delete(s.clients, c)
					c.conn.Close()
				}
			}
		}
	}
}

// Close tears down subscriptions and disconnects every client.
func (s *Streamer) Close() {
	s.stopOnce.Do(func() {
		for _, unsub := range s.unsubs {
			unsub()
		}
		close(s.stop)
	})
}

func (c *client) wants(event *events.Event) bool {
	if c.accountID != 0 && event.AccountID != c.accountID {
		return false
	}
	if c.runID != 0 {
		runID, ok := event.Payload["run_id"]
		if !ok {
			return false
		}
		n, ok := toInt64(runID)
		return ok && n == c.runID
	}
	return true
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// Handle upgrades the connection. Query params: account_id (required),
// run_id (optional) to follow a single workflow run.
func (s *Streamer) Handle(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(r.URL.Query().Get("account_id"), 10, 64)
	if err != nil || accountID <= 0 {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return
	}
	runID, _ := strconv.ParseInt(r.URL.Query().Get("run_id"), 10, 64)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, accountID: accountID, runID: runID}
	s.register <- c

	// Reader drains control frames and detects disconnects.
	go func() {
		defer func() { s.unregister <- c }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
