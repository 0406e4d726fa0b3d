package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/grltest/grlctl/internal/orchestrator"
)

// channelBufferSize is the buffer size for the broadcast channel and per-client
// send channels.
const channelBufferSize = 256

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Message is one frame on the event stream.
type Message struct {
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	RunID   string    `json:"run_id,omitempty"`
	Payload any       `json:"payload"`
}

// Hub fans orchestration events out to websocket clients. It implements
// orchestrator.Observer.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	clients   map[*client]bool
	broadcast chan Message
	stopped   bool
	started   bool
}

type client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan Message
	done     chan struct{}
	sendOnce sync.Once
}

// NewHub creates a hub. Call Run to start delivering.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:    logger,
		clients:   make(map[*client]bool),
		broadcast: make(chan Message, channelBufferSize),
		upgrader: websocket.Upgrader{
			// The stream is read-only and served on a local address.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Observe queues an orchestration event for every client.
func (h *Hub) Observe(e orchestrator.Event) {
	h.Broadcast(Message{Type: string(e.Type), Time: e.Time, RunID: e.RunID, Payload: e.Payload})
}

// Broadcast queues msg without blocking. When the queue is full the message
// is dropped. After Stop it does nothing.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast channel full, dropping message", zap.String("type", msg.Type))
	}
}

// Run delivers queued messages until Stop. Calling it more than once is a no-op.
func (h *Hub) Run() {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	for msg := range h.broadcast {
		h.mu.RLock()
		for c := range h.clients {
			select {
			case <-c.done:
			case c.send <- msg:
			default:
				h.logger.Debug("client send buffer full, dropping message", zap.String("type", msg.Type))
			}
		}
		h.mu.RUnlock()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop closes every client and ends Run.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	for c := range h.clients {
		c.closeSend()
	}
	h.clients = make(map[*client]bool)
	close(h.broadcast)
}

// ServeWS upgrades the request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan Message, channelBufferSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = true
	h.mu.Unlock()
	h.logger.Debug("event client connected", zap.Int("clients", h.ClientCount()))

	go c.writePump()
	go c.readPump()
}

func (c *client) closeSend() {
	c.sendOnce.Do(func() { close(c.done) })
}

// writePump drains send to the connection and pings to keep it alive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				c.hub.logger.Warn("failed to marshal event", zap.String("type", msg.Type), zap.Error(err))
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.logger.Debug("event write failed", zap.Error(err))
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

// readPump discards client frames; it exists to process pongs and notice
// the client going away.
func (c *client) readPump() {
	defer func() {
		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		c.hub.mu.Unlock()
		c.closeSend()
		c.hub.logger.Debug("event client disconnected", zap.Int("clients", c.hub.ClientCount()))
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("event client read error", zap.Error(err))
			}
			return
		}
	}
}
