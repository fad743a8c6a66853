package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/events/bus"
	"github.com/conveyorhq/conveyor/internal/streams"
)

// sseHeartbeatInterval keeps idle streams alive through proxies.
const sseHeartbeatInterval = 30 * time.Second

var sseHeartbeatFrame = []byte(": heartbeat\n\n")

func setSSEHeaders(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
}

// handleTaskStream serves a task's agent output as SSE. The fan-out replays
// the task's history first, then live frames as they arrive.
func (s *Server) handleTaskStream(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}

	client := s.fanout.Subscribe(id)
	defer s.fanout.Unsubscribe(id, client)

	s.logger.Debug("task stream client attached", zap.Int64("task_id", id))
	setSSEHeaders(c)
	s.streamFrames(c, client)
}

// handleChatStream serves every chat event on the bus as SSE, one JSON
// event per frame.
func (s *Server) handleChatStream(c *gin.Context) {
	client := s.chatFeed.Subscribe()
	defer s.chatFeed.Unsubscribe(client)

	s.logger.Debug("chat stream client attached")
	setSSEHeaders(c)
	s.streamFrames(c, client)
}

// streamFrames pumps pre-framed SSE bytes to the response until the client
// disconnects, its channel closes, or the server shuts down.
func (s *Server) streamFrames(c *gin.Context, client *streams.Client) {
	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case frame, ok := <-client.Recv():
			if !ok {
				return
			}
			if _, err := c.Writer.Write(frame); err != nil {
				return
			}
			c.Writer.Flush()
		case <-heartbeat.C:
			if _, err := c.Writer.Write(sseHeartbeatFrame); err != nil {
				return
			}
			c.Writer.Flush()
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		}
	}
}

// subscribeChatFeed forwards bus chat events into the SSE chat feed.
func (s *Server) subscribeChatFeed() error {
	sub, err := s.bus.Subscribe(events.ChatWildcardSubject(), func(_ context.Context, event *bus.Event) error {
		payload, err := json.Marshal(event)
		if err != nil {
			s.logger.WithError(err).Error("failed to marshal chat event")
			return err
		}
		s.chatFeed.Publish(string(payload))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe chat feed: %w", err)
	}
	s.chatSub = sub
	return nil
}
