// ABOUTME: Tests for the OpenAI runner against a fake completions endpoint
// ABOUTME: Covers delta streaming, handoff tool detection, and system-message filtering

package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpmesh/omnigate/internal/store"
)

func fakeCompletionsServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func collect(t *testing.T, events <-chan *Event) []*Event {
	t.Helper()
	var out []*Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestRespond_StreamsDeltas(t *testing.T) {
	srv := fakeCompletionsServer(t, []string{
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo!"}}]}`,
	})
	defer srv.Close()

	r := NewOpenAIRunner("test-key", srv.URL+"/v1")
	chatbot := &store.Chatbot{Model: "gpt-4o-mini", SystemPrompt: "Be helpful."}

	events, err := r.Respond(context.Background(), chatbot, []*store.Message{
		{Role: store.RoleUser, Content: "hi"},
	})
	require.NoError(t, err)

	got := collect(t, events)
	require.GreaterOrEqual(t, len(got), 4)

	assert.Equal(t, EventThinking, got[0].Type)
	assert.Equal(t, EventDelta, got[1].Type)
	assert.Equal(t, "Hel", got[1].Text)
	assert.Equal(t, EventDelta, got[2].Type)

	last := got[len(got)-1]
	assert.Equal(t, EventComplete, last.Type)
	assert.Equal(t, "Hello!", last.Text)
}

func TestRespond_DetectsHandoffTool(t *testing.T) {
	srv := fakeCompletionsServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"name":"request_human_handoff","arguments":"{\"rea"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"son\":\"user asked for a person\"}"}}]}}]}`,
	})
	defer srv.Close()

	r := NewOpenAIRunner("test-key", srv.URL+"/v1")
	chatbot := &store.Chatbot{Model: "gpt-4o-mini"}

	events, err := r.Respond(context.Background(), chatbot, []*store.Message{
		{Role: store.RoleUser, Content: "let me talk to a human"},
	})
	require.NoError(t, err)

	got := collect(t, events)
	last := got[len(got)-1]
	require.Equal(t, EventHandoff, last.Type)
	assert.Equal(t, "request_human_handoff", last.ToolName)
	assert.Equal(t, "user asked for a person", last.Reason)
}

func TestToChatMessages_FiltersSystemNarration(t *testing.T) {
	chatbot := &store.Chatbot{SystemPrompt: "Be helpful."}
	history := []*store.Message{
		{Role: store.RoleUser, Content: "hi"},
		{Role: store.RoleSystem, Content: "Conversation escalated to a human agent"},
		{Role: store.RoleHumanAgent, Content: "hello from support"},
	}

	msgs := toChatMessages(chatbot, history)
	require.Len(t, msgs, 3)
	assert.Equal(t, "Be helpful.", msgs[0].Content)
	assert.Equal(t, "hi", msgs[1].Content)
	assert.Equal(t, "assistant", msgs[2].Role)
}
