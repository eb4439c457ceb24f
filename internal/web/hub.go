// internal/web/hub.go
package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"bastion/internal/metrics"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// CORS on the API layer is the actual gate; the dashboard may be
		// served from a different origin than the API.
		return true
	},
}

// wsMessage is the frame shape broadcast to dashboard clients.
type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan wsMessage
	hub  *Hub
}

// Hub tracks connected dashboard clients and fans events out to them. It is
// shared with the schedulers, so all client-set access is mutex-guarded.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]bool
	log     *logrus.Entry
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*wsClient]bool),
		log:     logrus.WithField("component", "websocket"),
	}
}

// BroadcastEvent sends one event to every connected client. Clients that
// cannot keep up are dropped rather than allowed to stall the sender.
func (h *Hub) BroadcastEvent(event string, payload interface{}) {
	msg := wsMessage{Type: event, Data: payload}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			close(client.send)
			delete(h.clients, client)
			metrics.RecordWebSocketConnection(-1)
		}
	}
}

// ClientCount reports the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register(conn *websocket.Conn) {
	client := &wsClient{
		conn: conn,
		send: make(chan wsMessage, 256),
		hub:  h,
	}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	metrics.RecordWebSocketConnection(1)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		metrics.RecordWebSocketConnection(-1)
	}
}

// Close disconnects every client. Called on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.conn.Close()
		delete(h.clients, client)
		metrics.RecordWebSocketConnection(-1)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
