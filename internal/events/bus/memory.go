package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/common/logger"
)

// MemoryEventBus implements EventBus with in-process dispatch. It mirrors
// the NATS subject semantics so the two buses are interchangeable, with one
// deliberate difference: dispatch is synchronous, so a single publisher's
// events reach each handler in publish order. Streamed agent output depends
// on that ordering.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	queues        map[string]*queueGroup
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact-match subjects
	handler EventHandler
	queue   string // empty for regular subscriptions
	active  bool
	mu      sync.Mutex
}

// queueGroup round-robins delivery across its members.
type queueGroup struct {
	subscribers []*memorySubscription
	nextIndex   int
	mu          sync.Mutex
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	if s.queue != "" {
		if qg, ok := s.bus.queues[s.queue+":"+s.subject]; ok {
			qg.mu.Lock()
			for i, sub := range qg.subscribers {
				if sub == s {
					qg.subscribers = append(qg.subscribers[:i], qg.subscribers[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}

	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryEventBus returns an empty in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		queues:        make(map[string]*queueGroup),
		logger:        log.WithFields(zap.String("component", "memory_bus")),
	}
}

// Publish delivers the event to every matching subscription. Queue groups
// receive it once, rotating through their members. Handlers run on the
// publisher's goroutine after the bus lock is released, so they may call
// back into the bus.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}

	var targets []*memorySubscription
	deliveredQueues := make(map[string]bool)

	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			if !sub.IsValid() || !matches(subject, pattern, sub.pattern) {
				continue
			}

			if sub.queue != "" {
				queueKey := sub.queue + ":" + pattern
				if !deliveredQueues[queueKey] {
					deliveredQueues[queueKey] = true
					if next := b.nextQueueSubscriber(queueKey); next != nil {
						targets = append(targets, next)
					}
				}
				continue
			}

			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("event handler failed",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type))

	return nil
}

// nextQueueSubscriber picks the next active member of the group, advancing
// the round-robin cursor. Called with the bus read lock held.
func (b *MemoryEventBus) nextQueueSubscriber(queueKey string) *memorySubscription {
	qg, ok := b.queues[queueKey]
	if !ok {
		return nil
	}

	qg.mu.Lock()
	defer qg.mu.Unlock()

	for i := 0; i < len(qg.subscribers); i++ {
		idx := (qg.nextIndex + i) % len(qg.subscribers)
		sub := qg.subscribers[idx]
		if sub.IsValid() {
			qg.nextIndex = (idx + 1) % len(qg.subscribers)
			return sub
		}
	}
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	b.logger.Debug("subscribed", zap.String("subject", subject))
	return sub, nil
}

// QueueSubscribe registers a handler in a queue group; each published event
// reaches one member of the group.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   queue,
		active:  true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	queueKey := queue + ":" + subject
	if _, ok := b.queues[queueKey]; !ok {
		b.queues[queueKey] = &queueGroup{}
	}
	b.queues[queueKey].subscribers = append(b.queues[queueKey].subscribers, sub)

	b.logger.Debug("queue subscribed",
		zap.String("subject", subject),
		zap.String("queue", queue))
	return sub, nil
}

// Request publishes the event with a private reply subject in its data and
// waits for the first reply.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	replySubject := fmt.Sprintf("_INBOX.%s", event.ID)
	responseChan := make(chan *Event, 1)

	sub, err := b.Subscribe(replySubject, func(ctx context.Context, e *Event) error {
		select {
		case responseChan <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reply subscription: %w", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if event.Data == nil {
		event.Data = make(map[string]interface{})
	}
	event.Data["_reply"] = replySubject

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case response := <-responseChan:
		return response, nil
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("request timeout after %v", timeout)
	}
}

// Close deactivates every subscription and rejects further use.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.queues = make(map[string]*queueGroup)

	b.logger.Debug("memory event bus closed")
}

// IsConnected reports whether the bus still accepts events.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches applies NATS subject semantics: exact match unless the pattern
// carries wildcards, in which case the precompiled regex decides.
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to an anchored regex:
// `*` matches one token, `>` the rest of the subject. Exact subjects
// return nil and skip the regex path. QuoteMeta escapes `*` but leaves
// `>` alone, so the two wildcards are rewritten differently.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)

	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
