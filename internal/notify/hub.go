package notify

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"checkin/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
)

// Client is one WebSocket subscriber. Writes go through send so only the
// write pump touches the connection.
type Client struct {
	Subscriber
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *Client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub is the in-process Registry backed by gorilla/websocket connections.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
}

// NewHub creates a hub. allowedOrigins restricts browser upgrades; "*" admits
// any origin and an empty list keeps gorilla's same-origin check.
func NewHub(m *metrics.Metrics, allowedOrigins []string) *Hub {
	h := &Hub{
		clients: make(map[*Client]struct{}),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if len(allowedOrigins) > 0 {
		allowed := make(map[string]bool, len(allowedOrigins))
		for _, o := range allowedOrigins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		}
	}
	return h
}

// Register adds c to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.ClientConnected(1)
	log.Printf("ws: subscriber %s (%s) connected", c.ID, c.Role)
}

// Unregister removes c and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.close()
		h.metrics.ClientConnected(-1)
		log.Printf("ws: subscriber %s disconnected", c.ID)
	}
}

// Len reports the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast implements Broadcaster. Clients whose buffer is full are dropped
// rather than allowed to stall the fan-out.
func (h *Hub) Broadcast(_ context.Context, aud Audience, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !aud.Match(c.Subscriber) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		log.Printf("ws: subscriber %s too slow, dropping", c.ID)
		h.Unregister(c)
	}
	h.metrics.Broadcast(evt.Fact)
	return nil
}

type hello struct {
	Type string    `json:"type"`
	Role string    `json:"role"`
	Time time.Time `json:"timestamp"`
}

// Serve upgrades the request and streams matching events to sub until the
// peer disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sub Subscriber) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &Client{Subscriber: sub, conn: conn, send: make(chan []byte, sendBuffer)}
	first, _ := json.Marshal(hello{Type: "connected", Role: sub.Role, Time: time.Now().UTC()})
	c.send <- first
	h.Register(c)

	go c.writePump()
	c.readPump()
	h.Unregister(c)
	return nil
}

// readPump discards client frames; it exists to process pongs and notice
// disconnects.
func (c *Client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: read from %s: %v", c.ID, err)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
