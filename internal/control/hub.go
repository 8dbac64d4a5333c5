// Package control maintains the per-session control channels.
//
// Each host keeps one WebSocket to the Manager, opened at registration
// time. The Manager uses it to push manager_handshake messages during
// attach; the host uses it for health and state reports when it has no
// fast path. Messages that arrive while a session has no connected
// channel are queued briefly so an attach racing a reconnect still
// lands.
//
// Architecture follows the hub-and-spoke model: a central hub owns the
// client map, each client gets dedicated read/write goroutines, and
// buffered send channels keep slow hosts from blocking the hub.
package control

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/privatebeach/beach-manager/internal/logger"
	"github.com/privatebeach/beach-manager/internal/models"
)

const (
	writeDeadline = 10 * time.Second
	readDeadline  = 60 * time.Second
	pingInterval  = 54 * time.Second
	sendBuffer    = 64

	// pendingTTL bounds how long an undeliverable control message waits
	// for the host to reconnect.
	pendingTTL = 2 * time.Minute
)

// InboundHandler consumes host-originated control messages.
type InboundHandler func(sessionID string, msg models.ControlMessage)

type client struct {
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

type pendingMsg struct {
	data     []byte
	queuedAt time.Time
}

// Hub routes control messages between the Manager and connected hosts.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	pending map[string][]pendingMsg

	// Inbound, when set, receives host health/state messages.
	Inbound InboundHandler
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*client),
		pending: make(map[string][]pendingMsg),
	}
}

// Attach registers a freshly upgraded connection for a session and
// starts its pumps. A prior connection for the same session is dropped;
// latest wins.
func (h *Hub) Attach(sessionID string, conn *websocket.Conn) {
	c := &client{
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	if old, ok := h.clients[sessionID]; ok {
		old.close()
	}
	h.clients[sessionID] = c
	queued := h.pending[sessionID]
	delete(h.pending, sessionID)
	h.mu.Unlock()

	logger.Control().Info().Str("session_id", sessionID).Msg("Control channel attached")

	go c.writePump(h)
	go c.readPump(h)

	// Flush messages that raced the reconnect.
	now := time.Now()
	for _, p := range queued {
		if now.Sub(p.queuedAt) > pendingTTL {
			continue
		}
		select {
		case c.send <- p.data:
		default:
			logger.Control().Warn().Str("session_id", sessionID).Msg("Control send buffer full during flush")
		}
	}
}

// Send delivers a control message to the session's host, queuing it
// briefly when the channel is down.
func (h *Hub) Send(sessionID string, msg models.ControlMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.Lock()
	c, ok := h.clients[sessionID]
	if !ok {
		h.pending[sessionID] = append(h.pending[sessionID], pendingMsg{data: data, queuedAt: time.Now()})
		h.mu.Unlock()
		logger.Control().Debug().Str("session_id", sessionID).Msg("Control message queued, host offline")
		return nil
	}
	h.mu.Unlock()

	select {
	case c.send <- data:
		return nil
	default:
		logger.Control().Warn().Str("session_id", sessionID).Msg("Control send buffer full, message dropped")
		return nil
	}
}

// Connected reports whether the session currently holds a control
// channel.
func (h *Hub) Connected(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[sessionID]
	return ok
}

// detach removes the session's client if it is the given one.
func (h *Hub) detach(c *client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.sessionID]; ok && cur == c {
		delete(h.clients, c.sessionID)
	}
	h.mu.Unlock()
	c.close()
}

// CloseAll drops every connection; used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*client)
	h.pending = make(map[string][]pendingMsg)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) writePump(h *Hub) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.detach(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.detach(c)
				return
			}
		}
	}
}

func (c *client) readPump(h *Hub) {
	defer h.detach(c)

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))

		var msg models.ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Control().Warn().
				Str("session_id", c.sessionID).
				Msg("Malformed control message dropped")
			continue
		}
		if h.Inbound != nil {
			h.Inbound(c.sessionID, msg)
		}
	}
}
