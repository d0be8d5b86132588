package statusfeed

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"launchpad/internal/deposit"
)

const (
	MessageTypeStatus = "status"

	sendBufferSize      = 32
	broadcastBufferSize = 64
	writeWait           = 10 * time.Second
)

// Message is the envelope written to every websocket client.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// StatusPayload is the wire form of a controller status. TTLMs and ExpiresAt
// are omitted for statuses that stay until replaced.
type StatusPayload struct {
	Type      deposit.StatusKind `json:"type"`
	Message   string             `json:"message"`
	At        time.Time          `json:"at"`
	TTLMs     int64              `json:"ttlMs,omitempty"`
	ExpiresAt *time.Time         `json:"expiresAt,omitempty"`
}

func newStatusPayload(status deposit.Status) StatusPayload {
	p := StatusPayload{Type: status.Kind, Message: status.Message, At: status.At}
	if status.TTL > 0 {
		expires := status.At.Add(status.TTL)
		p.TTLMs = status.TTL.Milliseconds()
		p.ExpiresAt = &expires
	}
	return p
}

type client struct {
	conn *websocket.Conn
	send chan Message
	hub  *Hub
}

// Hub fans controller statuses out to websocket subscribers. Slow clients are dropped.
type Hub struct {
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	register   chan *client
	unregister chan *client
	broadcast  chan Message
	done       chan struct{}

	now func() time.Time

	mu      sync.RWMutex
	clients map[*client]struct{}
	last    *deposit.Status
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger.Named("status-feed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Message, broadcastBufferSize),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
		now:        time.Now,
	}
}

// Publish implements deposit.Notifier. It never blocks the caller and drops statuses that already expired.
func (h *Hub) Publish(status deposit.Status) {
	h.mu.Lock()
	h.last = &status
	h.mu.Unlock()
	if status.Expired(h.now()) {
		return
	}

	msg := Message{Type: MessageTypeStatus, Data: newStatusPayload(status)}

	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("status broadcast queue full, dropping", zap.String("message", status.Message))
	}
}

// ClientCount returns the number of registered subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run owns the client set until ctx is cancelled. Only Run closes client send channels.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("status feed started")
	defer close(h.done)
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			last := h.last
			count := len(h.clients)
			h.mu.Unlock()
			if last != nil && !last.Expired(h.now()) {
				h.deliver(c, Message{Type: MessageTypeStatus, Data: newStatusPayload(*last)})
			}
			h.logger.Debug("client registered", zap.Int("client_count", count))

		case c := <-h.unregister:
			h.remove(c)

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*client, 0, len(h.clients))
			for c := range h.clients {
				targets = append(targets, c)
			}
			h.mu.RUnlock()
			for _, c := range targets {
				h.deliver(c, msg)
			}
		}
	}
}

func (h *Hub) deliver(c *client, msg Message) {
	select {
	case c.send <- msg:
	default:
		h.logger.Warn("client send buffer full, dropping client")
		h.remove(c)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Debug("client unregistered", zap.Int("client_count", len(h.clients)))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// HandleConnection upgrades the request and subscribes the client to the feed.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		return
	}

	c := &client{conn: conn, send: make(chan Message, sendBufferSize), hub: h}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump discards inbound frames and unregisters on close.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			c.hub.logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
