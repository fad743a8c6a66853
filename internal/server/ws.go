package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/common/logger"
	"github.com/conveyorhq/conveyor/internal/events"
	eventbus "github.com/conveyorhq/conveyor/internal/events/bus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// The feed is one-way; inbound frames are control traffic only.
	maxMessageSize = 1024

	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsHub fans pipeline events out to every connected websocket client. It
// subscribes to the task, chat, agent-stream and engine subjects and
// forwards each event as one JSON message.
type wsHub struct {
	bus    eventbus.EventBus
	logger *logger.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	subs    []eventbus.Subscription
	closed  bool
}

func newWSHub(eventBus eventbus.EventBus, log *logger.Logger) *wsHub {
	return &wsHub{
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "ws_hub")),
		clients: make(map[*wsClient]struct{}),
	}
}

// start subscribes the hub to the event feed subjects.
func (h *wsHub) start() error {
	subjects := []string{
		events.TaskWildcardSubject(),
		events.ChatWildcardSubject(),
		events.BuildAgentStreamWildcardSubject(),
		events.EngineStarted,
		events.EngineStopped,
	}
	for _, subject := range subjects {
		sub, err := h.bus.Subscribe(subject, h.forward)
		if err != nil {
			h.unsubscribeAll()
			return fmt.Errorf("failed to subscribe ws feed to %s: %w", subject, err)
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// stop detaches the hub from the bus and closes every client.
func (h *wsHub) stop() {
	h.unsubscribeAll()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *wsHub) unsubscribeAll() {
	for _, sub := range h.subs {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("failed to unsubscribe ws feed", zap.Error(err))
		}
	}
	h.subs = nil
}

func (h *wsHub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *wsHub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// forward marshals one bus event and queues it on every client. A client
// with a full buffer misses the event; the ping cycle cleans up dead ones.
func (h *wsHub) forward(_ context.Context, event *eventbus.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal feed event", zap.Error(err))
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			c.logger.Warn("ws client send buffer full, dropping event")
		}
	}
	return nil
}

// wsClient is one websocket connection on the event feed.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	hub    *wsHub
	send   chan []byte
	logger *logger.Logger
}

// readPump discards inbound frames and keeps the pong deadline fresh. It
// exits when the peer closes or the read deadline lapses.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("ws read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump pushes queued events to the peer and pings on a timer.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// handleWebSocket upgrades the connection and attaches it to the event
// feed.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := &wsClient{
		id:     clientID,
		conn:   conn,
		hub:    s.wsHub,
		send:   make(chan []byte, wsSendBuffer),
		logger: s.logger.WithFields(zap.String("client_id", clientID)),
	}
	if !s.wsHub.register(client) {
		conn.Close()
		return
	}
	s.logger.Debug("ws client connected",
		zap.String("client_id", client.id),
		zap.String("remote_addr", c.Request.RemoteAddr))

	go client.writePump()
	client.readPump()
}
