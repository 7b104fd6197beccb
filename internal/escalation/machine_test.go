// ABOUTME: Tests for the escalation state machine
// ABOUTME: Covers the full handoff lifecycle and every rejected transition

package escalation

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpmesh/omnigate/internal/bus"
	"github.com/helpmesh/omnigate/internal/conversation"
	"github.com/helpmesh/omnigate/internal/store"
)

type testEnv struct {
	machine   *Machine
	convs     *conversation.Service
	store     store.Store
	companyID string
	convID    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	companyID := uuid.New().String()
	require.NoError(t, st.CreateCompany(ctx, &store.Company{
		ID: companyID, Name: "Test Co", Status: store.CompanyStatusActive,
	}))

	chatbotID := uuid.New().String()
	require.NoError(t, st.CreateChatbot(ctx, &store.Chatbot{
		ID: chatbotID, CompanyID: companyID, Name: "Bot",
		Status: store.ChatbotStatusActive, Model: "gpt-4o-mini",
	}))

	endUser, err := st.UpsertEndUser(ctx, &store.EndUser{
		ID: uuid.New().String(), CompanyID: companyID,
		Channel: "widget", ChannelUserID: "v1", LastSeenAt: time.Now(),
	})
	require.NoError(t, err)

	convs := conversation.NewService(st, bus.New(16), slog.Default())
	conv, err := convs.FindOrCreate(ctx, companyID, chatbotID, endUser.ID)
	require.NoError(t, err)

	return &testEnv{
		machine:   NewMachine(st, convs, slog.Default()),
		convs:     convs,
		store:     st,
		companyID: companyID,
		convID:    conv.ID,
	}
}

func TestEscalationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Request: active -> waiting_human, pending escalation.
	esc, err := env.machine.Request(ctx, env.convID, TriggerUserRequest, "user asked for a person")
	require.NoError(t, err)
	assert.Equal(t, store.EscalationStatusPending, esc.Status)

	conv, err := env.store.GetConversation(ctx, env.convID)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationStatusWaitingHuman, conv.Status)

	// Assign: waiting_human -> with_human, assignee set.
	require.NoError(t, env.machine.Assign(ctx, env.convID, "agent-1"))

	conv, err = env.store.GetConversation(ctx, env.convID)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationStatusWithHuman, conv.Status)
	require.NotNil(t, conv.AssignedUserID)
	assert.Equal(t, "agent-1", *conv.AssignedUserID)

	// Resolve(human): escalation resolved, conversation resolved.
	require.NoError(t, env.machine.Resolve(ctx, env.convID, ResolutionHuman, "Glad we could help!"))

	conv, err = env.store.GetConversation(ctx, env.convID)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationStatusResolved, conv.Status)

	got, err := env.store.GetEscalation(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EscalationStatusResolved, got.Status)
	require.NotNil(t, got.ResolutionType)
	assert.Equal(t, ResolutionHuman, *got.ResolutionType)

	// Closing message carries the human agent role.
	msgs, err := env.store.ListMessages(ctx, env.convID, 50)
	require.NoError(t, err)
	var sawClosing bool
	for _, m := range msgs {
		if m.Content == "Glad we could help!" {
			sawClosing = true
			assert.Equal(t, store.RoleHumanAgent, m.Role)
		}
	}
	assert.True(t, sawClosing)
}

func TestRequest_SecondOpenRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.machine.Request(ctx, env.convID, TriggerSentiment, "frustrated")
	require.NoError(t, err)

	_, err = env.machine.Request(ctx, env.convID, TriggerHandoffTool, "tool asked")
	assert.ErrorIs(t, err, ErrAlreadyEscalated)
}

func TestAssign_WithoutPendingEscalation(t *testing.T) {
	env := newTestEnv(t)

	err := env.machine.Assign(context.Background(), env.convID, "agent-1")
	assert.ErrorIs(t, err, ErrNoPendingEscalation)
}

func TestTransfer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.machine.Request(ctx, env.convID, TriggerUserRequest, "")
	require.NoError(t, err)
	require.NoError(t, env.machine.Assign(ctx, env.convID, "agent-1"))

	t.Run("self transfer rejected", func(t *testing.T) {
		err := env.machine.Transfer(ctx, env.convID, "agent-1")
		assert.ErrorIs(t, err, ErrSelfTransfer)
	})

	t.Run("transfer reassigns and appends system message", func(t *testing.T) {
		require.NoError(t, env.machine.Transfer(ctx, env.convID, "agent-2"))

		conv, err := env.store.GetConversation(ctx, env.convID)
		require.NoError(t, err)
		require.NotNil(t, conv.AssignedUserID)
		assert.Equal(t, "agent-2", *conv.AssignedUserID)

		msgs, err := env.store.ListMessages(ctx, env.convID, 50)
		require.NoError(t, err)
		last := msgs[len(msgs)-1]
		assert.Equal(t, store.RoleSystem, last.Role)
		assert.Contains(t, last.Content, "transferred")
	})
}

func TestResolve_IsTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.machine.Resolve(ctx, env.convID, ResolutionAI, ""))

	err := env.machine.Resolve(ctx, env.convID, ResolutionAI, "")
	assert.ErrorIs(t, err, store.ErrStaleTransition, "double resolve must be rejected")

	_, err = env.machine.Request(ctx, env.convID, TriggerUserRequest, "")
	assert.ErrorIs(t, err, store.ErrStaleTransition, "no transitions after resolve")
}

func TestResolve_UnknownResolutionType(t *testing.T) {
	env := newTestEnv(t)

	err := env.machine.Resolve(context.Background(), env.convID, "sideways", "")
	assert.ErrorIs(t, err, ErrBadResolution)
}

func TestReturnToAI(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	esc, err := env.machine.Request(ctx, env.convID, TriggerHandoffTool, "")
	require.NoError(t, err)
	require.NoError(t, env.machine.Assign(ctx, env.convID, "agent-1"))

	require.NoError(t, env.machine.ReturnToAI(ctx, env.convID))

	conv, err := env.store.GetConversation(ctx, env.convID)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationStatusActive, conv.Status)
	assert.Nil(t, conv.AssignedUserID, "assignment must be cleared")

	got, err := env.store.GetEscalation(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EscalationStatusReturnedToAI, got.Status)

	// With the escalation closed a new one may open.
	_, err = env.machine.Request(ctx, env.convID, TriggerUserRequest, "")
	assert.NoError(t, err)
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("idempotent on active conversation", func(t *testing.T) {
		assert.NoError(t, env.machine.Cancel(ctx, env.convID))
	})

	t.Run("cancels before claim", func(t *testing.T) {
		esc, err := env.machine.Request(ctx, env.convID, TriggerUserRequest, "")
		require.NoError(t, err)

		require.NoError(t, env.machine.Cancel(ctx, env.convID))

		conv, err := env.store.GetConversation(ctx, env.convID)
		require.NoError(t, err)
		assert.Equal(t, store.ConversationStatusActive, conv.Status)

		got, err := env.store.GetEscalation(ctx, esc.ID)
		require.NoError(t, err)
		assert.Equal(t, store.EscalationStatusReturnedToAI, got.Status)
	})

	t.Run("rejected after claim", func(t *testing.T) {
		_, err := env.machine.Request(ctx, env.convID, TriggerUserRequest, "")
		require.NoError(t, err)
		require.NoError(t, env.machine.Assign(ctx, env.convID, "agent-1"))

		err = env.machine.Cancel(ctx, env.convID)
		assert.ErrorIs(t, err, ErrCancelNotAllowed)
	})
}

func TestQueue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.machine.Request(ctx, env.convID, TriggerUserRequest, "first")
	require.NoError(t, err)

	pending, err := env.machine.Queue(ctx, env.companyID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "first", pending[0].Reason)

	// Other companies never see it.
	other, err := env.machine.Queue(ctx, uuid.New().String(), 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}
