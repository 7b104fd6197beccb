// ABOUTME: Escalation state machine governing AI/human handoff on conversations
// ABOUTME: Every transition is a single guarded commit: status, system message, escalation row together

package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/helpmesh/omnigate/internal/conversation"
	"github.com/helpmesh/omnigate/internal/store"
)

// Triggers that open an escalation.
const (
	TriggerUserRequest = "user_request"
	TriggerSentiment   = "sentiment"
	TriggerHandoffTool = "handoff_tool"
)

// Resolution types accepted by Resolve.
const (
	ResolutionAI        = "ai"
	ResolutionHuman     = "human"
	ResolutionAbandoned = "abandoned"
	ResolutionEscalated = "escalated"
)

// Typed transition errors.
var (
	ErrAlreadyEscalated    = errors.New("conversation already has an open escalation")
	ErrNoPendingEscalation = errors.New("no pending escalation to assign")
	ErrNoOpenEscalation    = errors.New("no open escalation")
	ErrSelfTransfer        = errors.New("cannot transfer an escalation to its current assignee")
	ErrBadResolution       = errors.New("unknown resolution type")
	ErrCancelNotAllowed    = errors.New("escalation can only be cancelled before a human claims it")
)

// Machine applies handoff transitions through the conversation service so
// each one commits atomically and publishes its events.
type Machine struct {
	store         store.Store
	conversations *conversation.Service
	logger        *slog.Logger
}

// NewMachine creates an escalation machine.
func NewMachine(st store.Store, convs *conversation.Service, logger *slog.Logger) *Machine {
	return &Machine{
		store:         st,
		conversations: convs,
		logger:        logger.With("component", "escalation"),
	}
}

func systemMessage(conversationID, content string) *store.Message {
	return &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           store.RoleSystem,
		Content:        content,
		CreatedAt:      time.Now(),
	}
}

// Request opens an escalation on an AI-handled conversation: status moves to
// waiting_human and a pending escalation is created in the same commit.
func (m *Machine) Request(ctx context.Context, conversationID, trigger, reason string) (*store.Escalation, error) {
	if _, err := m.store.GetOpenEscalation(ctx, conversationID); err == nil {
		return nil, ErrAlreadyEscalated
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("checking open escalation: %w", err)
	}

	now := time.Now()
	esc := &store.Escalation{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Status:         store.EscalationStatusPending,
		Trigger:        trigger,
		Reason:         reason,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := m.conversations.Transition(ctx, &store.Transition{
		ConversationID: conversationID,
		ExpectStatuses: []string{store.ConversationStatusActive},
		NewStatus:      store.ConversationStatusWaitingHuman,
		Messages:       []*store.Message{systemMessage(conversationID, "Conversation escalated to a human agent")},
		NewEscalation:  esc,
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("escalation requested",
		"conversation_id", conversationID,
		"escalation_id", esc.ID,
		"trigger", trigger)
	return esc, nil
}

// Assign claims a pending escalation for an agent: conversation moves to
// with_human and the assignee is recorded on both rows.
func (m *Machine) Assign(ctx context.Context, conversationID, agentUserID string) error {
	esc, err := m.store.GetOpenEscalation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoPendingEscalation
		}
		return fmt.Errorf("loading escalation: %w", err)
	}
	if esc.Status != store.EscalationStatusPending {
		return ErrNoPendingEscalation
	}

	err = m.conversations.Transition(ctx, &store.Transition{
		ConversationID:     conversationID,
		ExpectStatuses:     []string{store.ConversationStatusWaitingHuman},
		NewStatus:          store.ConversationStatusWithHuman,
		SetAssignedUser:    &agentUserID,
		Messages:           []*store.Message{systemMessage(conversationID, "A human agent joined the conversation")},
		EscalationID:       esc.ID,
		EscalationStatus:   store.EscalationStatusAssigned,
		EscalationAssignee: &agentUserID,
	})
	if err != nil {
		return err
	}

	m.logger.Info("escalation assigned",
		"conversation_id", conversationID,
		"escalation_id", esc.ID,
		"agent_user_id", agentUserID)
	return nil
}

// Transfer reassigns an assigned escalation to a different agent. Transfers
// to the current assignee are rejected.
func (m *Machine) Transfer(ctx context.Context, conversationID, toAgentUserID string) error {
	esc, err := m.store.GetOpenEscalation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoOpenEscalation
		}
		return fmt.Errorf("loading escalation: %w", err)
	}
	if esc.Status != store.EscalationStatusAssigned || esc.AssignedUserID == nil {
		return ErrNoOpenEscalation
	}
	if *esc.AssignedUserID == toAgentUserID {
		return ErrSelfTransfer
	}

	err = m.conversations.Transition(ctx, &store.Transition{
		ConversationID:     conversationID,
		ExpectStatuses:     []string{store.ConversationStatusWithHuman},
		NewStatus:          store.ConversationStatusWithHuman,
		SetAssignedUser:    &toAgentUserID,
		Messages:           []*store.Message{systemMessage(conversationID, "Conversation transferred to another agent")},
		EscalationID:       esc.ID,
		EscalationStatus:   store.EscalationStatusAssigned,
		EscalationAssignee: &toAgentUserID,
	})
	if err != nil {
		return err
	}

	m.logger.Info("escalation transferred",
		"conversation_id", conversationID,
		"escalation_id", esc.ID,
		"to_agent_user_id", toAgentUserID)
	return nil
}

// Resolve closes the conversation. An open escalation, if any, is resolved
// in the same commit; the optional closing message is appended first.
func (m *Machine) Resolve(ctx context.Context, conversationID, resolutionType, closingMessage string) error {
	switch resolutionType {
	case ResolutionAI, ResolutionHuman, ResolutionAbandoned, ResolutionEscalated:
	default:
		return fmt.Errorf("%w: %s", ErrBadResolution, resolutionType)
	}

	tr := &store.Transition{
		ConversationID: conversationID,
		ExpectStatuses: []string{
			store.ConversationStatusActive,
			store.ConversationStatusWaitingHuman,
			store.ConversationStatusWithHuman,
		},
		NewStatus: store.ConversationStatusResolved,
	}
	if closingMessage != "" {
		role := store.RoleAssistant
		if resolutionType == ResolutionHuman {
			role = store.RoleHumanAgent
		}
		tr.Messages = append(tr.Messages, &store.Message{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			Role:           role,
			Content:        closingMessage,
			CreatedAt:      time.Now(),
		})
	}
	tr.Messages = append(tr.Messages, systemMessage(conversationID, "Conversation resolved"))

	if esc, err := m.store.GetOpenEscalation(ctx, conversationID); err == nil {
		tr.EscalationID = esc.ID
		tr.EscalationStatus = store.EscalationStatusResolved
		tr.EscalationResolution = &resolutionType
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("checking open escalation: %w", err)
	}

	if err := m.conversations.Transition(ctx, tr); err != nil {
		return err
	}

	m.logger.Info("conversation resolved",
		"conversation_id", conversationID,
		"resolution_type", resolutionType)
	return nil
}

// ReturnToAI hands an escalated conversation back to the chatbot: assignment
// cleared, status back to active, escalation marked returned_to_ai.
func (m *Machine) ReturnToAI(ctx context.Context, conversationID string) error {
	esc, err := m.store.GetOpenEscalation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoOpenEscalation
		}
		return fmt.Errorf("loading escalation: %w", err)
	}

	err = m.conversations.Transition(ctx, &store.Transition{
		ConversationID: conversationID,
		ExpectStatuses: []string{
			store.ConversationStatusWaitingHuman,
			store.ConversationStatusWithHuman,
		},
		NewStatus:        store.ConversationStatusActive,
		ClearAssignment:  true,
		Messages:         []*store.Message{systemMessage(conversationID, "Conversation returned to the AI assistant")},
		EscalationID:     esc.ID,
		EscalationStatus: store.EscalationStatusReturnedToAI,
	})
	if err != nil {
		return err
	}

	m.logger.Info("conversation returned to AI",
		"conversation_id", conversationID,
		"escalation_id", esc.ID)
	return nil
}

// Cancel withdraws a user-requested escalation before any human claims it.
// Cancelling an already-active conversation is a no-op; any other status is
// rejected.
func (m *Machine) Cancel(ctx context.Context, conversationID string) error {
	conv, err := m.conversations.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}

	switch conv.Status {
	case store.ConversationStatusActive:
		return nil
	case store.ConversationStatusWaitingHuman:
	default:
		return ErrCancelNotAllowed
	}

	esc, err := m.store.GetOpenEscalation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoOpenEscalation
		}
		return fmt.Errorf("loading escalation: %w", err)
	}

	err = m.conversations.Transition(ctx, &store.Transition{
		ConversationID:   conversationID,
		ExpectStatuses:   []string{store.ConversationStatusWaitingHuman},
		NewStatus:        store.ConversationStatusActive,
		Messages:         []*store.Message{systemMessage(conversationID, "Escalation cancelled by the user")},
		EscalationID:     esc.ID,
		EscalationStatus: store.EscalationStatusReturnedToAI,
	})
	if err != nil {
		return err
	}

	m.logger.Info("escalation cancelled",
		"conversation_id", conversationID,
		"escalation_id", esc.ID)
	return nil
}

// Queue lists a company's pending escalations for the console, oldest first.
func (m *Machine) Queue(ctx context.Context, companyID string, limit int) ([]*store.Escalation, error) {
	return m.store.ListEscalationsByStatus(ctx, companyID, store.EscalationStatusPending, limit)
}
