// Package realtime tracks live client connections and routes domain events
// to the subset of connections that should see them.
package realtime

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marginalia/api/internal/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin policy is enforced by the HTTP layer's CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub is the connection registry and broadcast router. Registry membership
// is guarded by mu; per-client attribute updates take the client's own lock,
// so unrelated clients never contend during dispatch.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*Client]struct{}
	queueSize int
}

func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 32
	}
	return &Hub{
		clients:   make(map[*Client]struct{}),
		queueSize: queueSize,
	}
}

// Attach subscribes the hub to every domain event type on the bus.
func (h *Hub) Attach(b *bus.Bus) {
	for _, eventType := range []string{
		bus.AnnotationCreated,
		bus.AnnotationUpdated,
		bus.AnnotationDeleted,
		bus.ReplyCreated,
		bus.ReplyUpdated,
		bus.ReplyDeleted,
		bus.MentionCreated,
	} {
		b.Subscribe(eventType, h.HandleEvent)
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if present {
		c.close()
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// envelope is the outbound wire message.
type envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// HandleEvent serializes the event once, picks the selector from the
// event payload, and enqueues the message on every matching connection.
// Clients whose queue is full are dropped so one slow consumer cannot delay
// the rest.
func (h *Hub) HandleEvent(event bus.Event) {
	message, err := json.Marshal(envelope{
		Type:      event.Type,
		Data:      event.Data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Printf("realtime: marshal %s: %v", event.Type, err)
		return
	}

	sel := selectorFor(event.Data)

	h.mu.RLock()
	recipients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if sel.matches(c) {
			recipients = append(recipients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range recipients {
		if !c.enqueue(message) {
			log.Printf("realtime: dropping slow client %s", c.id)
			h.Unregister(c)
		}
	}
}

// ServeWS upgrades the request, registers the connection with the handshake
// identity, and starts its read/write pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, identity Identity) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: upgrade: %v", err)
		return
	}
	c := newClient(conn, identity, h.queueSize)
	h.Register(c)
	go c.writePump()
	go c.readPump(h)
}
