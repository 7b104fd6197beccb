// ABOUTME: Conversation session manager: find-or-create and serialized message recording
// ABOUTME: Per-conversation keyed locks keep counter updates and event publishes ordered

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helpmesh/omnigate/internal/bus"
	"github.com/helpmesh/omnigate/internal/store"
)

// Service owns conversation lifecycle and message recording.
type Service struct {
	store  store.Store
	bus    bus.Publisher
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates a conversation service.
func NewService(st store.Store, publisher bus.Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		bus:    publisher,
		logger: logger.With("component", "conversation"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing mutations for a key, creating it on
// first use. Locks are never reclaimed; the key space is bounded by live
// conversations.
func (s *Service) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// FindOrCreate returns the single non-terminal conversation for the
// (chatbot, end user) pair, creating one when none exists. Concurrent calls
// for the same pair converge on one conversation.
func (s *Service) FindOrCreate(ctx context.Context, companyID, chatbotID, endUserID string) (*store.Conversation, error) {
	l := s.lockFor("pair:" + chatbotID + ":" + endUserID)
	l.Lock()
	defer l.Unlock()

	conv, err := s.store.FindActiveConversation(ctx, chatbotID, endUserID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up active conversation: %w", err)
	}

	now := time.Now()
	conv = &store.Conversation{
		ID:        uuid.New().String(),
		CompanyID: companyID,
		ChatbotID: chatbotID,
		EndUserID: endUserID,
		Status:    store.ConversationStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		// Lost a race with another process on the unique index; the winner's
		// conversation is the one to use.
		if errors.Is(err, store.ErrDuplicateConversation) {
			return s.store.FindActiveConversation(ctx, chatbotID, endUserID)
		}
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Info("created conversation",
		"conversation_id", conv.ID,
		"chatbot_id", chatbotID,
		"end_user_id", endUserID)
	return conv, nil
}

// RecordMessage appends a message to a conversation, updating counters in the
// same commit, and publishes a message_created event. Calls for the same
// conversation are serialized so subscribers observe messages in commit order.
func (s *Service) RecordMessage(ctx context.Context, conversationID, role, content string) (*store.Message, error) {
	l := s.lockFor("conv:" + conversationID)
	l.Lock()
	defer l.Unlock()

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}

	s.bus.Publish(conversationID, bus.EventMessageCreated, map[string]any{
		"message_id": msg.ID,
		"role":       msg.Role,
		"content":    msg.Content,
		"created_at": msg.CreatedAt.Format(time.RFC3339Nano),
	})
	return msg, nil
}

// Get returns one conversation.
func (s *Service) Get(ctx context.Context, id string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// History returns up to limit messages in conversation order.
func (s *Service) History(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	return s.store.ListMessages(ctx, conversationID, limit)
}

// Transition applies an atomic guarded mutation and publishes the state
// change. Mutations for the same conversation are serialized.
func (s *Service) Transition(ctx context.Context, t *store.Transition) error {
	l := s.lockFor("conv:" + t.ConversationID)
	l.Lock()
	defer l.Unlock()

	if err := s.store.ApplyTransition(ctx, t); err != nil {
		return err
	}

	for _, msg := range t.Messages {
		s.bus.Publish(t.ConversationID, bus.EventMessageCreated, map[string]any{
			"message_id": msg.ID,
			"role":       msg.Role,
			"content":    msg.Content,
			"created_at": msg.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	s.bus.Publish(t.ConversationID, bus.EventConversationState, map[string]any{
		"status": t.NewStatus,
	})
	return nil
}
