package realtime

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marginalia/api/internal/util"
)

const writeWait = 10 * time.Second

// Identity is the resolved handshake identity for one connection. It is
// fixed for the connection's lifetime; only the watched-target set changes
// afterwards.
type Identity struct {
	Authenticated bool
	UserID        string
	WorkspaceID   string
}

// Client is one live websocket connection tracked by the hub. Its send
// channel is drained by a dedicated writer goroutine so dispatch never
// performs network I/O.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	authenticated bool
	userID        string
	workspaceID   string

	mu      sync.Mutex
	targets map[Target]struct{}
	closed  bool
}

func newClient(conn *websocket.Conn, identity Identity, queueSize int) *Client {
	return &Client{
		id:            util.NewID("conn"),
		conn:          conn,
		send:          make(chan []byte, queueSize),
		authenticated: identity.Authenticated,
		userID:        identity.UserID,
		workspaceID:   identity.WorkspaceID,
		targets:       make(map[Target]struct{}),
	}
}

func (c *Client) watching(target Target) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.targets[target]
	return ok
}

func (c *Client) watch(target Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets[target] = struct{}{}
}

func (c *Client) unwatch(target Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.targets, target)
}

// enqueue hands a serialized message to the writer goroutine without
// blocking. It reports false when the client's queue is full; the hub treats
// that client as too slow and disconnects it rather than stall dispatch.
// Enqueueing on a closed client is a no-op that reports success, since the
// client is already being torn down.
func (c *Client) enqueue(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// controlMessage is the inbound subscription protocol: clients declare which
// targets they currently have open.
type controlMessage struct {
	Type       string `json:"type"`
	TargetType string `json:"targetType"`
	TargetID   string `json:"targetId"`
}

// readPump applies watch/unwatch control messages until the connection
// drops, then unregisters the client.
func (c *Client) readPump(h *Hub) {
	defer func() {
		h.Unregister(c)
		_ = c.conn.Close()
	}()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("realtime: read %s: %v", c.id, err)
			}
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("realtime: bad control message from %s: %v", c.id, err)
			continue
		}
		switch msg.Type {
		case "watch":
			if msg.TargetType != "" && msg.TargetID != "" {
				c.watch(Target{Type: msg.TargetType, ID: msg.TargetID})
			}
		case "unwatch":
			c.unwatch(Target{Type: msg.TargetType, ID: msg.TargetID})
		default:
			log.Printf("realtime: unknown control message %q from %s", msg.Type, c.id)
		}
	}
}

// writePump drains the send queue onto the socket. It exits when the hub
// closes the channel, sending a close frame on the way out.
func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
