// ABOUTME: Background pipeline for an authenticated inbound message
// ABOUTME: Identity, conversation, persistence, AI response, outbound delivery

package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/helpmesh/omnigate/internal/ai"
	"github.com/helpmesh/omnigate/internal/bus"
	"github.com/helpmesh/omnigate/internal/channel"
	"github.com/helpmesh/omnigate/internal/escalation"
	"github.com/helpmesh/omnigate/internal/store"
)

const pipelineTimeout = 2 * time.Minute

// runPipeline carries one inbound message from identity resolution through
// AI response and outbound send. The webhook has already been ACKed; all
// failures end here, in the log.
func (g *Gateway) runPipeline(ctx context.Context, integration *store.Integration, settings *channel.Settings, adapter channel.Adapter, msg *channel.InboundMessage) {
	ctx, cancel := context.WithTimeout(ctx, pipelineTimeout)
	defer cancel()

	logger := g.logger.With(
		"integration_id", integration.ID,
		"provider", integration.Provider)

	endUser, err := g.identities.Resolve(ctx, integration.CompanyID, integration.Provider, msg.SenderID, msg.SenderName)
	if err != nil {
		logger.Error("pipeline: resolving identity", "error", err)
		return
	}

	conv, err := g.conversations.FindOrCreate(ctx, integration.CompanyID, integration.ChatbotID, endUser.ID)
	if err != nil {
		logger.Error("pipeline: finding conversation", "error", err)
		return
	}
	logger = logger.With("conversation_id", conv.ID)

	if _, err := g.conversations.RecordMessage(ctx, conv.ID, store.RoleUser, msg.Text); err != nil {
		logger.Error("pipeline: recording inbound message", "error", err)
		return
	}

	// Only AI-handled conversations get a generated reply; escalated ones
	// belong to a human until returned.
	if conv.Status != store.ConversationStatusActive {
		logger.Debug("pipeline: conversation not AI-handled, message recorded only",
			"status", conv.Status)
		return
	}

	reply := g.generateReply(ctx, logger, conv)
	if reply == "" {
		return
	}

	if _, err := g.conversations.RecordMessage(ctx, conv.ID, store.RoleAssistant, reply); err != nil {
		logger.Error("pipeline: recording outbound message", "error", err)
		return
	}
	if err := adapter.SendMessage(ctx, settings, msg.SenderID, reply); err != nil {
		logger.Error("pipeline: outbound send failed", "error", err)
	}
}

// generateReply runs the AI runner for the conversation and returns the final
// text, or "" when no reply should be sent (handoff or failure). A handoff
// opens an escalation.
func (g *Gateway) generateReply(ctx context.Context, logger *slog.Logger, conv *store.Conversation) string {
	chatbot, err := g.store.GetChatbot(ctx, conv.ChatbotID)
	if err != nil {
		logger.Error("pipeline: loading chatbot", "error", err)
		return ""
	}
	history, err := g.conversations.History(ctx, conv.ID, 100)
	if err != nil {
		logger.Error("pipeline: loading history", "error", err)
		return ""
	}

	events, err := g.runner.Respond(ctx, chatbot, history)
	if err != nil {
		logger.Error("pipeline: starting AI response", "error", err)
		g.bus.Publish(conv.ID, bus.EventAgentError, map[string]any{"error": "response generation failed"})
		return ""
	}

	for ev := range events {
		switch ev.Type {
		case ai.EventThinking:
			g.bus.Publish(conv.ID, bus.EventAgentThinking, nil)
		case ai.EventDelta:
			g.bus.Publish(conv.ID, bus.EventAgentDelta, map[string]any{"text": ev.Text})
		case ai.EventToolCall:
			g.bus.Publish(conv.ID, bus.EventAgentToolCall, map[string]any{"name": ev.ToolName})
		case ai.EventHandoff:
			if _, err := g.escalations.Request(ctx, conv.ID, escalation.TriggerHandoffTool, ev.Reason); err != nil {
				logger.Error("pipeline: opening handoff escalation", "error", err)
			}
			return ""
		case ai.EventError:
			logger.Error("pipeline: AI response failed", "error", ev.Text)
			g.bus.Publish(conv.ID, bus.EventAgentError, map[string]any{"error": ev.Text})
			return ""
		case ai.EventComplete:
			return ev.Text
		}
	}
	return ""
}
