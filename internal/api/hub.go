// internal/api/hub.go
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aidenlabs/aiden/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// wsMessage is the envelope pushed to dashboard subscribers.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub fans error updates out to all WebSocket subscribers. The pipeline only
// calls BroadcastError; it has no knowledge of connected clients.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
	closed  bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// ServeWS upgrades an HTTP request and subscribes the client until it
// disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	send := make(chan []byte, 32)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = send
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("Dashboard client connected (%d total)", n)

	go h.writeLoop(conn, send)
	h.readLoop(conn)
}

// readLoop discards inbound messages; its job is noticing disconnects.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.drop(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, send <-chan []byte) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	defer conn.Close()

	for {
		select {
		case msg, ok := <-send:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if send, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	conn.Close()
	log.Printf("Dashboard client disconnected (%d total)", n)
}

// BroadcastError pushes an "error_update" event to every subscriber. A
// subscriber whose buffer is full misses the message rather than blocking
// the pipeline.
func (h *Hub) BroadcastError(item protocol.ErrorWithSolution) {
	payload, err := json.Marshal(wsMessage{Type: "error_update", Data: item})
	if err != nil {
		log.Printf("Encode broadcast: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		select {
		case send <- payload:
		default:
			log.Printf("Slow dashboard client %s, message skipped", conn.RemoteAddr())
		}
	}
}

// ClientCount reports current subscriber count, for health.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn, send := range h.clients {
		close(send)
		conn.Close()
		delete(h.clients, conn)
	}
}
