package chat

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/common/config"
	"github.com/conveyorhq/conveyor/internal/common/logger"
	"github.com/conveyorhq/conveyor/internal/common/stringutil"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/events/bus"
)

// Notifier delivers pipeline notifications to the chat front-ends over the
// event bus. Enabled gateways subscribe to the outbound subject and relay
// to their network; the chat SSE stream mirrors the same subject.
type Notifier struct {
	bus      bus.EventBus
	gateways []string
	logger   *logger.Logger
}

// NewNotifier creates a bus-backed notifier. With no gateway enabled the
// outbound events still reach the SSE stream and the log.
func NewNotifier(eventBus bus.EventBus, cfg config.ChatConfig, log *logger.Logger) *Notifier {
	var gateways []string
	if cfg.WhatsAppEnabled {
		gateways = append(gateways, "whatsapp")
	}
	if cfg.DiscordEnabled {
		gateways = append(gateways, "discord")
	}

	n := &Notifier{
		bus:      eventBus,
		gateways: gateways,
		logger:   log.WithFields(zap.String("component", "chat")),
	}
	if len(gateways) == 0 {
		n.logger.Debug("no chat gateways enabled, notifications stay on the bus")
	}
	return n
}

// Notify publishes one outbound message, truncated to the chat byte cap.
// An empty target is a silent no-op so callers can pass a task's
// notify_chat field through unchecked.
func (n *Notifier) Notify(ctx context.Context, target, message string) error {
	if target == "" {
		return nil
	}
	body := stringutil.TruncateWithEllipsis(message, MaxMessageBytes)

	event := bus.NewEvent(events.ChatOutbound, "pipeline", map[string]interface{}{
		"target":   target,
		"body":     body,
		"gateways": n.gateways,
	})
	if err := n.bus.Publish(ctx, events.ChatOutbound, event); err != nil {
		return fmt.Errorf("failed to publish chat notification: %w", err)
	}

	n.logger.Debug("chat notification sent",
		zap.String("target", target),
		zap.Int("bytes", len(body)))
	return nil
}
