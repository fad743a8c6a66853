package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/common/config"
	"github.com/conveyorhq/conveyor/internal/common/logger"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/events/bus"
	"github.com/conveyorhq/conveyor/internal/modes"
	"github.com/conveyorhq/conveyor/internal/queue"
)

// queueName groups intake subscribers so a scaled deployment handles each
// inbound message exactly once.
const queueName = "chat-intake"

// IntakeStore is the slice of the queue store the intake needs.
type IntakeStore interface {
	CreateTask(ctx context.Context, task *queue.Task) error
	CountTasksInStatus(ctx context.Context, status string) (int, error)
	GetRegisteredGroup(ctx context.Context, jid string) (*queue.RegisteredGroup, error)
}

// Intake turns inbound chat messages into queued tasks. Only messages from
// registered groups are accepted; groups flagged requires_trigger must
// additionally open with their trigger word. The chat-created backlog is
// bounded so a busy channel cannot flood the queue.
type Intake struct {
	store   IntakeStore
	bus     bus.EventBus
	chat    Chat
	mode    *modes.Mode
	primary string
	backlog int
	// kick wakes the scheduler after a task is created; optional.
	kick func(ctx context.Context)
	log  *logger.Logger

	mu            sync.Mutex
	running       bool
	subscriptions []bus.Subscription
}

// NewIntake creates a chat intake for one mode. kick may be nil.
func NewIntake(store IntakeStore, eventBus bus.EventBus, notifier Chat, mode *modes.Mode, cfg config.PipelineConfig, kick func(ctx context.Context), log *logger.Logger) *Intake {
	backlog := cfg.MaxBacklogSize
	if backlog < 1 {
		backlog = config.DefaultMaxBacklogSize
	}
	return &Intake{
		store:   store,
		bus:     eventBus,
		chat:    notifier,
		mode:    mode,
		primary: cfg.PrimaryRepo,
		backlog: backlog,
		kick:    kick,
		log:     log.WithFields(zap.String("component", "chat-intake")),
	}
}

// Start subscribes to the inbound chat subject.
func (i *Intake) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.running {
		return fmt.Errorf("chat intake already running")
	}

	sub, err := i.bus.QueueSubscribe(events.ChatInbound, queueName, i.handleInbound)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", events.ChatInbound, err)
	}
	i.subscriptions = append(i.subscriptions, sub)

	i.running = true
	i.log.Info("chat intake started",
		zap.String("mode", i.mode.Name),
		zap.Int("max_backlog", i.backlog))
	return nil
}

// Stop unsubscribes from the bus.
func (i *Intake) Stop() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.running {
		return nil
	}
	i.unsubscribeAll()
	i.running = false
	i.log.Info("chat intake stopped")
	return nil
}

// IsRunning reports whether the intake is subscribed.
func (i *Intake) IsRunning() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running
}

func (i *Intake) unsubscribeAll() {
	for _, sub := range i.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			i.log.WithError(err).Warn("failed to unsubscribe")
		}
	}
	i.subscriptions = nil
}

func (i *Intake) handleInbound(ctx context.Context, event *bus.Event) error {
	var msg Message
	if err := decodeEventData(event, &msg); err != nil {
		return fmt.Errorf("failed to decode chat message: %w", err)
	}
	if msg.Target == "" {
		i.log.Debug("inbound chat message without a target")
		return nil
	}

	group, err := i.store.GetRegisteredGroup(ctx, msg.Target)
	if err != nil {
		return fmt.Errorf("failed to look up chat group: %w", err)
	}
	if group == nil {
		i.log.Debug("message from unregistered chat", zap.String("target", msg.Target))
		return nil
	}

	body := strings.TrimSpace(msg.Body)
	if group.RequiresTrigger && group.Trigger != "" {
		rest, ok := stripTrigger(body, group.Trigger)
		if !ok {
			return nil
		}
		body = rest
	}
	if body == "" {
		i.log.Debug("chat message with no task text", zap.String("target", msg.Target))
		return nil
	}

	count, err := i.store.CountTasksInStatus(ctx, i.mode.InitialStatus)
	if err != nil {
		return fmt.Errorf("failed to count backlog: %w", err)
	}
	if count >= i.backlog {
		i.log.Info("chat task rejected, backlog full",
			zap.String("target", msg.Target),
			zap.Int("backlog", count))
		i.notify(ctx, msg.Target, fmt.Sprintf("Backlog is full (%d tasks queued), try again later.", count))
		return nil
	}

	title, description := splitRequest(body)
	repoPath := group.Folder
	if repoPath == "" {
		repoPath = i.primary
	}

	task := &queue.Task{
		Title:       title,
		Description: description,
		RepoPath:    repoPath,
		Status:      i.mode.InitialStatus,
		MaxAttempts: i.mode.DefaultMaxAttempts,
		CreatedBy:   msg.Sender,
		NotifyChat:  msg.Target,
	}
	if err := i.store.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("failed to create task from chat: %w", err)
	}

	i.log.Info("task created from chat",
		zap.Int64("task_id", task.ID),
		zap.String("created_by", task.CreatedBy),
		zap.String("repo_path", task.RepoPath))

	i.publishCreated(ctx, task)
	i.notify(ctx, msg.Target, fmt.Sprintf("Task #%d queued: %s", task.ID, task.Title))

	if i.kick != nil {
		i.kick(ctx)
	}
	return nil
}

func (i *Intake) publishCreated(ctx context.Context, task *queue.Task) {
	event := bus.NewEvent(events.TaskCreated, "chat-intake", map[string]interface{}{
		"task_id":    task.ID,
		"title":      task.Title,
		"created_by": task.CreatedBy,
		"repo_path":  task.RepoPath,
	})
	if err := i.bus.Publish(ctx, events.TaskCreated, event); err != nil {
		i.log.WithError(err).Warn("failed to publish task created event")
	}
}

func (i *Intake) notify(ctx context.Context, target, message string) {
	if i.chat == nil {
		return
	}
	if err := i.chat.Notify(ctx, target, message); err != nil {
		i.log.WithError(err).Warn("failed to send chat ack", zap.String("target", target))
	}
}

// stripTrigger matches the trigger word case-insensitively at the start of
// the message and returns the remaining request. The trigger must be a whole
// word: "conveyor fix the build" matches trigger "conveyor", "conveyorize"
// does not.
func stripTrigger(body, trigger string) (string, bool) {
	if len(body) < len(trigger) {
		return "", false
	}
	if !strings.EqualFold(body[:len(trigger)], trigger) {
		return "", false
	}
	rest := body[len(trigger):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' && rest[0] != '\n' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// splitRequest uses the first line as the title and the remainder as the
// description.
func splitRequest(body string) (title, description string) {
	if idx := strings.IndexByte(body, '\n'); idx >= 0 {
		return strings.TrimSpace(body[:idx]), strings.TrimSpace(body[idx+1:])
	}
	return body, ""
}

func decodeEventData(event *bus.Event, target interface{}) error {
	jsonData, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, target)
}
