// ABOUTME: Widget-facing handlers: session issue, streamed message send, event stream, cancel
// ABOUTME: Origins are enforced per company; the session token pins company, chatbot and visitor

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/helpmesh/omnigate/internal/auth"
	"github.com/helpmesh/omnigate/internal/bus"
	"github.com/helpmesh/omnigate/internal/escalation"
	"github.com/helpmesh/omnigate/internal/store"
)

func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		// Non-browser clients carry no origin; the session token is the gate.
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// handleWidgetSession issues a visitor session for a company's chatbot.
func (g *Gateway) handleWidgetSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CompanyID string `json:"company_id"`
		ChatbotID string `json:"chatbot_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CompanyID == "" || req.ChatbotID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "company_id and chatbot_id are required")
		return
	}

	company, err := g.store.GetCompany(r.Context(), req.CompanyID)
	if err != nil || company.Status != store.CompanyStatusActive {
		g.sendJSONError(w, http.StatusNotFound, "unknown company")
		return
	}
	if !originAllowed(r.Header.Get("Origin"), company.AllowedOrigins) {
		g.sendJSONError(w, http.StatusForbidden, "origin not allowed")
		return
	}

	chatbot, err := g.store.GetChatbot(r.Context(), req.ChatbotID)
	if err != nil || chatbot.CompanyID != company.ID || chatbot.Status != store.ChatbotStatusActive {
		g.sendJSONError(w, http.StatusNotFound, "unknown chatbot")
		return
	}

	visitorID := uuid.New().String()
	token, err := g.sessions.IssueWidget(company.ID, chatbot.ID, visitorID)
	if err != nil {
		g.logger.Error("issuing widget session", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	g.sendJSON(w, http.StatusOK, map[string]string{"token": token})
}

// widgetConversation loads a conversation and checks it belongs to the
// session's visitor.
func (g *Gateway) widgetConversation(ctx context.Context, claims *auth.SessionClaims, conversationID string) (*store.Conversation, bool) {
	conv, err := g.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, false
	}
	endUser, err := g.store.GetEndUser(ctx, conv.EndUserID)
	if err != nil {
		return nil, false
	}
	if conv.CompanyID != claims.CompanyID ||
		endUser.Channel != "widget" ||
		endUser.ChannelUserID != claims.ConversationKey {
		return nil, false
	}
	return conv, true
}

// handleWidgetSend records a visitor message and streams the response as
// typed SSE events. Generation runs detached from the request: a closed tab
// never discards an answer already underway.
func (g *Gateway) handleWidgetSend(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		g.sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	endUser, err := g.identities.Resolve(ctx, claims.CompanyID, "widget", claims.ConversationKey, "")
	if err != nil {
		g.logger.Error("widget send: resolving visitor", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	conv, err := g.conversations.FindOrCreate(ctx, claims.CompanyID, claims.ChatbotID, endUser.ID)
	if err != nil {
		g.logger.Error("widget send: finding conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Subscribe before recording so no generated event is missed. The
	// subscription follows the request; only generation runs detached.
	events, subID := g.bus.Subscribe(ctx, conv.ID)
	defer g.bus.Unsubscribe(conv.ID, subID)
	bg := context.WithoutCancel(ctx)

	if _, err := g.conversations.RecordMessage(ctx, conv.ID, store.RoleUser, req.Content); err != nil {
		g.logger.Error("widget send: recording message", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	sseHeaders(w)
	g.writeSSEEvent(w, "ack", map[string]string{"conversation_id": conv.ID})
	flusher.Flush()

	if conv.Status != store.ConversationStatusActive {
		// A human owns this conversation; their reply arrives on the event
		// stream, not here.
		g.writeSSEEvent(w, "done", map[string]string{})
		flusher.Flush()
		return
	}

	done := make(chan string, 1)
	go func() {
		reply := g.generateReply(bg, g.logger.With("conversation_id", conv.ID), conv)
		if reply != "" {
			if _, err := g.conversations.RecordMessage(bg, conv.ID, store.RoleAssistant, reply); err != nil {
				g.logger.Error("widget send: recording reply", "error", err)
			}
		}
		done <- reply
	}()

	g.streamWidgetResponse(r.Context(), w, flusher, events, done)
}

// streamWidgetResponse relays bus events for one generation to the SSE
// stream, ending with complete/error and a final done event.
func (g *Gateway) streamWidgetResponse(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, events <-chan *bus.Event, done <-chan string) {
	finished := false
	for !finished {
		select {
		case <-ctx.Done():
			// Viewer left; generation continues in the background.
			return
		case reply := <-done:
			if reply != "" {
				g.writeSSEEvent(w, "complete", map[string]string{"text": reply})
			}
			finished = true
		case ev, ok := <-events:
			if !ok {
				finished = true
				break
			}
			switch ev.Type {
			case bus.EventAgentThinking:
				g.writeSSEEvent(w, "thinking", map[string]string{})
			case bus.EventAgentDelta:
				g.writeSSEEvent(w, "delta", ev.Payload)
			case bus.EventAgentToolCall:
				g.writeSSEEvent(w, "tool_call", ev.Payload)
			case bus.EventAgentError:
				g.writeSSEEvent(w, "error", ev.Payload)
			case bus.EventEscalationChanged:
				g.writeSSEEvent(w, "escalation", ev.Payload)
			}
			flusher.Flush()
		}
	}

	g.writeSSEEvent(w, "done", map[string]string{})
	flusher.Flush()
}

// handleWidgetEvents serves the long-lived event stream for one conversation.
func (g *Gateway) handleWidgetEvents(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if _, ok := g.widgetConversation(r.Context(), claims, conversationID); !ok {
		g.sendJSONError(w, http.StatusNotFound, "unknown conversation")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, subID := g.bus.Subscribe(r.Context(), conversationID)
	defer g.bus.Unsubscribe(conversationID, subID)

	sseHeaders(w)
	g.writeSSEEvent(w, "connected", map[string]string{"conversation_id": conversationID})
	flusher.Flush()

	heartbeat := time.NewTicker(g.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			g.writeSSEEvent(w, "heartbeat", map[string]int64{"ts": time.Now().Unix()})
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, ev.Type, ev.Payload)
			flusher.Flush()
		}
	}
}

// handleWidgetCancelEscalation withdraws a pending escalation. Idempotent
// when the conversation is already back with the AI.
func (g *Gateway) handleWidgetCancelEscalation(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())

	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if _, ok := g.widgetConversation(r.Context(), claims, req.ConversationID); !ok {
		g.sendJSONError(w, http.StatusNotFound, "unknown conversation")
		return
	}

	switch err := g.escalations.Cancel(r.Context(), req.ConversationID); {
	case err == nil:
		g.sendJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case errors.Is(err, escalation.ErrCancelNotAllowed):
		g.sendJSONError(w, http.StatusConflict, "escalation already claimed")
	default:
		g.logger.Error("cancelling escalation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
