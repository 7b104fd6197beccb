// ABOUTME: In-process event bus for real-time conversation delivery
// ABOUTME: Per-channel fan-out with non-blocking sends and context-scoped subscriptions

package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one unit of delivery on a channel key.
type Event struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Event types published on conversation channels.
const (
	EventMessageCreated    = "message_created"
	EventConversationState = "conversation_state"
	EventEscalationChanged = "escalation_changed"
	EventAgentThinking     = "agent_thinking"
	EventAgentDelta        = "agent_delta"
	EventAgentToolCall     = "agent_tool_call"
	EventAgentError        = "agent_error"
)

// Publisher is the publish-only surface handed to producers.
type Publisher interface {
	Publish(channelKey, eventType string, payload map[string]any)
}

// Bus fans events out to subscribers keyed by channel. Publishing to a
// channel with no subscribers is a no-op. Slow subscribers drop events
// rather than block publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event
	bufferSize  int
	logger      *slog.Logger
}

// New creates a bus with the given per-subscriber buffer size.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]map[string]chan *Event),
		bufferSize:  bufferSize,
		logger:      slog.Default().With("component", "bus"),
	}
}

// Publish delivers an event to every current subscriber of the channel key.
func (b *Bus) Publish(channelKey, eventType string, payload map[string]any) {
	ev := &Event{
		ID:        uuid.New().String(),
		Channel:   channelKey,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	subs := b.subscribers[channelKey]
	// Copy under the read lock so sends happen outside it.
	targets := make([]chan *Event, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				"channel", channelKey,
				"event_type", eventType)
		}
	}
}

// Subscribe registers a new subscriber on the channel key. The returned
// channel is closed and the subscription removed when ctx is done. Contexts
// that can never be done (Done() == nil) get no watcher; the caller's
// Unsubscribe is the only cleanup then.
func (b *Bus) Subscribe(ctx context.Context, channelKey string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, b.bufferSize)

	b.mu.Lock()
	if b.subscribers[channelKey] == nil {
		b.subscribers[channelKey] = make(map[string]chan *Event)
	}
	b.subscribers[channelKey][subID] = ch
	b.mu.Unlock()

	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			b.Unsubscribe(channelKey, subID)
		}()
	}

	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(channelKey, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[channelKey]
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(b.subscribers, channelKey)
	}
	close(ch)
}

// SubscriberCount reports the current number of subscribers on a channel key.
func (b *Bus) SubscriberCount(channelKey string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[channelKey])
}
