// Package hub is the in-process pub/sub layer behind live console and
// stat streaming. Topics are strings like "logs:<serverId>" and
// "stats:<serverId>"; each topic keeps a bounded replay ring so a client
// attaching mid-stream sees recent history.
package hub

import (
	"log"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// replayLines bounds the per-topic history replayed to new subscribers.
const replayLines = 500

func LogTopic(serverID string) string   { return "logs:" + serverID }
func StatsTopic(serverID string) string { return "stats:" + serverID }

type client struct {
	conn *websocket.Conn
	send chan []byte
}

type topic struct {
	clients map[*client]bool
	ring    [][]byte
}

type Hub struct {
	mu       sync.Mutex
	topics   map[string]*topic
	upgrader websocket.Upgrader
}

func New(allowedOrigins []string) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return &Hub{
		topics: map[string]*topic{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true // non-browser clients
				}
				if allowed[origin] {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				host := u.Hostname()
				return host == "localhost" || host == "127.0.0.1" || host == "::1"
			},
		},
	}
}

func (h *Hub) get(name string) *topic {
	t, ok := h.topics[name]
	if !ok {
		t = &topic{clients: map[*client]bool{}}
		h.topics[name] = t
	}
	return t
}

// Publish appends msg to the topic's replay ring and fans it out to every
// attached client. Slow clients are dropped rather than blocking the
// publisher.
func (h *Hub) Publish(name string, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.get(name)
	t.ring = append(t.ring, msg)
	if len(t.ring) > replayLines {
		t.ring = t.ring[len(t.ring)-replayLines:]
	}

	for c := range t.clients {
		select {
		case c.send <- msg:
		default:
			delete(t.clients, c)
			close(c.send)
		}
	}
}

// History returns a copy of the topic's replay ring.
func (h *Hub) History(name string) [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[name]
	if !ok {
		return nil
	}
	out := make([][]byte, len(t.ring))
	copy(out, t.ring)
	return out
}

// Reset drops a topic's replay ring, typically when its server is deleted.
// Attached clients are disconnected.
func (h *Hub) Reset(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[name]
	if !ok {
		return
	}
	// Removing each client here keeps Serve's deferred cleanup from
	// closing its channel a second time.
	for c := range t.clients {
		close(c.send)
		delete(t.clients, c)
	}
	delete(h.topics, name)
}

// Serve upgrades the request to a WebSocket, replays the topic's history,
// then streams published messages until the peer goes away.
func (h *Hub) Serve(name string, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading websocket for topic %s: %s", name, err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 64)}

	h.mu.Lock()
	t := h.get(name)
	replay := make([][]byte, len(t.ring))
	copy(replay, t.ring)
	t.clients[c] = true
	h.mu.Unlock()

	go func() {
		defer conn.Close()
		for _, msg := range replay {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
		for msg := range c.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	// Read pump: we never expect client frames, but reading is what
	// surfaces the close.
	defer func() {
		h.mu.Lock()
		if t.clients[c] {
			delete(t.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
