package server

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sessiondeck/backend/internal/session"
)

type wsClient struct {
	conn    *websocket.Conn
	project string // empty means all projects

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newWSClient(conn *websocket.Conn, project string) *wsClient {
	c := &wsClient{
		conn:    conn,
		send:    make(chan []byte, 64),
		project: project,
	}
	go c.writePump()
	return c
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// enqueue hands a message to the write pump without blocking. It reports
// false when the client's buffer is full. Sends and close are serialized
// on c.mu so a disconnecting client cannot panic a broadcaster.
func (c *wsClient) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub pushes committed monitoring snapshots to subscribed WebSocket
// clients. Slow clients are disconnected rather than allowed to stall the
// poll loop's snapshot hook.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
	log     *zap.SugaredLogger
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		clients: make(map[*wsClient]bool),
		log:     log,
	}
}

func (h *Hub) Add(conn *websocket.Conn, project string) *wsClient {
	c := newWSClient(conn, project)
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	return c
}

func (h *Hub) Remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// BroadcastSnapshot pushes a project snapshot to every client subscribed
// to that project (or to all projects).
func (h *Hub) BroadcastSnapshot(projectID string, data *session.Data) {
	msg := WSMessage{
		Type:    MsgSnapshot,
		Project: projectID,
		Payload: SnapshotPayload{Data: data},
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		h.log.Errorw("snapshot marshal failed", "project", projectID, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		if c.project == "" || c.project == projectID {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.enqueue(encoded) {
			h.log.Warnw("ws client too slow, disconnecting", "project", projectID)
			h.Remove(c)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
