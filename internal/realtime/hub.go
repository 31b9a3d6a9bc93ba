// Package realtime pushes task events to websocket subscribers. The hub
// fans each event out to every connected client; a client that cannot
// keep up is dropped rather than allowed to stall the broadcast.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/courierd/courier/pkg/messages"
	"github.com/courierd/courier/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The daemon binds to localhost by default; remote deployments put
	// their own origin policy in front.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub tracks websocket clients and broadcasts task events to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]bool)}
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Realtime] Websocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}

	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("[Realtime] Client connected (%d total)", n)

	go c.writePump(h)
	go c.readPump(h)
}

// Broadcast serializes event once and queues it to every client. Clients
// whose send buffer is full are disconnected.
func (h *Hub) Broadcast(event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Realtime] Failed to marshal event: %v", err)
		return
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.remove(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	c.conn.Close()
}

func (c *client) readPump(h *Hub) {
	defer h.remove(c)
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// Clients only listen; anything other than control frames is
		// discarded until the connection errors out.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump(h *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HubSink adapts the hub into a status sink so engine updates reach
// websocket subscribers. Broadcasts never fail.
type HubSink struct {
	hub *Hub
	mu  sync.Mutex
	seq map[uuid.UUID]int64
}

// NewHubSink wraps hub as a status sink.
func NewHubSink(hub *Hub) *HubSink {
	return &HubSink{hub: hub, seq: make(map[uuid.UUID]int64)}
}

func (s *HubSink) SetStatus(ctx context.Context, update models.StatusUpdate) error {
	if update.Status.IsTerminal() {
		s.mu.Lock()
		delete(s.seq, update.TaskID)
		s.mu.Unlock()
	}
	s.hub.Broadcast(messages.StatusChanged(update))
	return nil
}

func (s *HubSink) AppendOutput(ctx context.Context, taskID uuid.UUID, chunk string) error {
	s.mu.Lock()
	s.seq[taskID]++
	seq := s.seq[taskID]
	s.mu.Unlock()

	s.hub.Broadcast(messages.TaskOutput(taskID, chunk, seq))
	return nil
}
