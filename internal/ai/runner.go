// ABOUTME: AI runner interface and the typed event stream it produces
// ABOUTME: Runners stream thinking/delta/tool-call events and finish with complete or error

package ai

import (
	"context"

	"github.com/helpmesh/omnigate/internal/store"
)

// Event types emitted while generating a response.
const (
	EventThinking = "thinking"
	EventDelta    = "delta"
	EventToolCall = "tool_call"
	EventHandoff  = "handoff"
	EventComplete = "complete"
	EventError    = "error"
)

// Event is one unit of runner output. Complete carries the full final text;
// Handoff carries the model-supplied reason for requesting a human.
type Event struct {
	Type     string
	Text     string
	ToolName string
	Reason   string
}

// Runner generates an assistant response for a conversation. Events are sent
// on the returned channel, which is closed after a terminal complete, handoff
// or error event. Generation is not cancelled by viewer disconnect; callers
// pass a context detached from the originating request.
type Runner interface {
	Respond(ctx context.Context, chatbot *store.Chatbot, history []*store.Message) (<-chan *Event, error)
}
