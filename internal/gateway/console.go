// ABOUTME: Agent console handlers: escalation queue, assignment, transfer, resolution, history

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/helpmesh/omnigate/internal/auth"
	"github.com/helpmesh/omnigate/internal/escalation"
	"github.com/helpmesh/omnigate/internal/store"
)

// escalationView is the queue listing shape.
type escalationView struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	Trigger        string `json:"trigger"`
	Reason         string `json:"reason,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func (g *Gateway) handleConsoleQueue(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())

	pending, err := g.escalations.Queue(r.Context(), claims.CompanyID, 100)
	if err != nil {
		g.logger.Error("listing escalation queue", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]escalationView, 0, len(pending))
	for _, e := range pending {
		views = append(views, escalationView{
			ID:             e.ID,
			ConversationID: e.ConversationID,
			Status:         e.Status,
			Trigger:        e.Trigger,
			Reason:         e.Reason,
			CreatedAt:      e.CreatedAt.Format(time.RFC3339),
		})
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"escalations": views})
}

// consoleOwns reports whether the conversation belongs to the agent token's
// company. Conversations outside it look exactly like missing ones.
func (g *Gateway) consoleOwns(r *http.Request, conversationID string) bool {
	claims, _ := auth.ClaimsFrom(r.Context())
	conv, err := g.conversations.Get(r.Context(), conversationID)
	return err == nil && conv.CompanyID == claims.CompanyID
}

// consoleError maps state machine errors to HTTP responses.
func (g *Gateway) consoleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escalation.ErrNoPendingEscalation),
		errors.Is(err, escalation.ErrNoOpenEscalation),
		errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escalation.ErrSelfTransfer),
		errors.Is(err, escalation.ErrBadResolution):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrStaleTransition):
		g.sendJSONError(w, http.StatusConflict, "conversation state changed, reload and retry")
	default:
		g.logger.Error("console operation failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func (g *Gateway) handleConsoleAssign(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())
	conversationID := chi.URLParam(r, "conversationID")
	if !g.consoleOwns(r, conversationID) {
		g.sendJSONError(w, http.StatusNotFound, "unknown conversation")
		return
	}

	if err := g.escalations.Assign(r.Context(), conversationID, claims.AgentUserID); err != nil {
		g.consoleError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "assigned"})
}

func (g *Gateway) handleConsoleTransfer(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if !g.consoleOwns(r, conversationID) {
		g.sendJSONError(w, http.StatusNotFound, "unknown conversation")
		return
	}

	var req struct {
		ToAgentUserID string `json:"to_agent_user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ToAgentUserID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "to_agent_user_id is required")
		return
	}

	if err := g.escalations.Transfer(r.Context(), conversationID, req.ToAgentUserID); err != nil {
		g.consoleError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "transferred"})
}

func (g *Gateway) handleConsoleResolve(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if !g.consoleOwns(r, conversationID) {
		g.sendJSONError(w, http.StatusNotFound, "unknown conversation")
		return
	}

	var req struct {
		ResolutionType string `json:"resolution_type"`
		ClosingMessage string `json:"closing_message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ResolutionType == "" {
		g.sendJSONError(w, http.StatusBadRequest, "resolution_type is required")
		return
	}

	if err := g.escalations.Resolve(r.Context(), conversationID, req.ResolutionType, req.ClosingMessage); err != nil {
		g.consoleError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (g *Gateway) handleConsoleReturn(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if !g.consoleOwns(r, conversationID) {
		g.sendJSONError(w, http.StatusNotFound, "unknown conversation")
		return
	}

	if err := g.escalations.ReturnToAI(r.Context(), conversationID); err != nil {
		g.consoleError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "returned"})
}

// messageView is the history listing shape.
type messageView struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func (g *Gateway) handleConversationHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if !g.consoleOwns(r, conversationID) {
		g.sendJSONError(w, http.StatusNotFound, "unknown conversation")
		return
	}

	msgs, err := g.conversations.History(r.Context(), conversationID, 200)
	if err != nil {
		g.logger.Error("loading history", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"messages": views})
}
