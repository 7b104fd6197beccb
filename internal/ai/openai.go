// ABOUTME: OpenAI-backed runner: streams completion deltas as typed events
// ABOUTME: Exposes a handoff tool the model invokes to request a human agent

package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/helpmesh/omnigate/internal/store"
)

const handoffToolName = "request_human_handoff"

var handoffTool = openai.Tool{
	Type: openai.ToolTypeFunction,
	Function: &openai.FunctionDefinition{
		Name:        handoffToolName,
		Description: "Hand the conversation to a human support agent when the user asks for one or the issue is beyond your ability.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"reason": {"type": "string", "description": "Why a human is needed"}
			},
			"required": ["reason"]
		}`),
	},
}

// OpenAIRunner streams responses from the OpenAI chat completions API.
type OpenAIRunner struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIRunner creates a runner for the given API key. An optional base
// URL overrides the endpoint, for tests and proxies.
func NewOpenAIRunner(apiKey, baseURL string) *OpenAIRunner {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIRunner{
		client: openai.NewClientWithConfig(cfg),
		logger: slog.Default().With("component", "ai"),
	}
}

func toChatMessages(chatbot *store.Chatbot, history []*store.Message) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if chatbot.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: chatbot.SystemPrompt,
		})
	}
	for _, m := range history {
		switch m.Role {
		case store.RoleUser:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleUser, Content: m.Content,
			})
		case store.RoleAssistant, store.RoleHumanAgent:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant, Content: m.Content,
			})
		}
		// System messages are conversation narration, not model input.
	}
	return msgs
}

// Respond streams a completion for the conversation history.
func (r *OpenAIRunner) Respond(ctx context.Context, chatbot *store.Chatbot, history []*store.Message) (<-chan *Event, error) {
	model := chatbot.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	stream, err := r.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: toChatMessages(chatbot, history),
		Tools:    []openai.Tool{handoffTool},
	})
	if err != nil {
		return nil, fmt.Errorf("starting completion stream: %w", err)
	}

	events := make(chan *Event, 16)
	go func() {
		defer close(events)
		defer stream.Close()

		events <- &Event{Type: EventThinking}

		var full strings.Builder
		var toolName string
		var toolArgs strings.Builder

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				r.logger.Error("completion stream failed", "error", err)
				events <- &Event{Type: EventError, Text: "response generation failed"}
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta

			if delta.Content != "" {
				full.WriteString(delta.Content)
				events <- &Event{Type: EventDelta, Text: delta.Content}
			}
			for _, tc := range delta.ToolCalls {
				if tc.Function.Name != "" {
					toolName = tc.Function.Name
					events <- &Event{Type: EventToolCall, ToolName: toolName}
				}
				toolArgs.WriteString(tc.Function.Arguments)
			}
		}

		if toolName == handoffToolName {
			var args struct {
				Reason string `json:"reason"`
			}
			if err := json.Unmarshal([]byte(toolArgs.String()), &args); err != nil {
				r.logger.Warn("unparseable handoff arguments", "error", err)
			}
			events <- &Event{Type: EventHandoff, ToolName: toolName, Reason: args.Reason}
			return
		}

		events <- &Event{Type: EventComplete, Text: full.String()}
	}()

	return events, nil
}
