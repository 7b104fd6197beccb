// ABOUTME: Gateway tests: webhook ingest end-to-end, widget streaming, console flow
// ABOUTME: Uses a stub channel adapter and a scripted AI runner

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpmesh/omnigate/internal/ai"
	"github.com/helpmesh/omnigate/internal/auth"
	"github.com/helpmesh/omnigate/internal/bus"
	"github.com/helpmesh/omnigate/internal/channel"
	"github.com/helpmesh/omnigate/internal/conversation"
	"github.com/helpmesh/omnigate/internal/escalation"
	"github.com/helpmesh/omnigate/internal/guard"
	"github.com/helpmesh/omnigate/internal/identity"
	"github.com/helpmesh/omnigate/internal/store"
	"github.com/helpmesh/omnigate/internal/voice"
)

// stubAdapter behaves like the WhatsApp adapter for signatures but records
// outbound sends instead of calling a provider.
type stubAdapter struct {
	mu    sync.Mutex
	sends []string
}

func (s *stubAdapter) Provider() channel.Provider { return channel.ProviderWhatsApp }

func (s *stubAdapter) ValidateSignature(body []byte, signature, secret string) bool {
	if secret == "" {
		return false
	}
	sig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

func (s *stubAdapter) ParseMessage(payload []byte) (*channel.InboundMessage, error) {
	var p struct {
		MessageID string `json:"message_id"`
		Sender    string `json:"sender"`
		Name      string `json:"name"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	if p.Text == "" {
		return nil, nil
	}
	return &channel.InboundMessage{
		ProviderMessageID: p.MessageID,
		SenderID:          p.Sender,
		SenderName:        p.Name,
		Text:              p.Text,
		Timestamp:         time.Now(),
	}, nil
}

func (s *stubAdapter) SendMessage(_ context.Context, _ *channel.Settings, recipientID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, recipientID+": "+text)
	return nil
}

func (s *stubAdapter) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

// scriptedRunner emits a fixed event sequence for every Respond call.
type scriptedRunner struct {
	script []*ai.Event
}

func (r *scriptedRunner) Respond(context.Context, *store.Chatbot, []*store.Message) (<-chan *ai.Event, error) {
	out := make(chan *ai.Event, len(r.script))
	for _, ev := range r.script {
		out <- ev
	}
	close(out)
	return out, nil
}

type fixture struct {
	gw        *Gateway
	store     store.Store
	bus       *bus.Bus
	adapter   *stubAdapter
	sessions  *auth.Sessions
	companyID string
	chatbotID string
	webhookID string
}

func replyRunner(text string) *scriptedRunner {
	return &scriptedRunner{script: []*ai.Event{
		{Type: ai.EventThinking},
		{Type: ai.EventDelta, Text: text},
		{Type: ai.EventComplete, Text: text},
	}}
}

func newFixture(t *testing.T, runner ai.Runner) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	companyID := uuid.New().String()
	require.NoError(t, st.CreateCompany(ctx, &store.Company{
		ID: companyID, Name: "Test Co", Status: store.CompanyStatusActive,
		AllowedOrigins: []string{"https://app.example.com"},
	}))

	chatbotID := uuid.New().String()
	require.NoError(t, st.CreateChatbot(ctx, &store.Chatbot{
		ID: chatbotID, CompanyID: companyID, Name: "Bot",
		Status: store.ChatbotStatusActive, Model: "gpt-4o-mini",
	}))

	webhookID := uuid.New().String()
	settings, _ := json.Marshal(map[string]string{
		"phone_number_id": "pn-1",
		"access_token":    "tok",
		"app_secret":      "wa-secret",
	})
	require.NoError(t, st.CreateIntegration(ctx, &store.Integration{
		ID: uuid.New().String(), CompanyID: companyID, ChatbotID: chatbotID,
		Provider: "whatsapp", WebhookID: webhookID,
		Status: store.IntegrationStatusActive, Settings: settings,
	}))

	logger := slog.Default()
	b := bus.New(64)
	convs := conversation.NewService(st, b, logger)
	machine := escalation.NewMachine(st, convs, logger)
	sessions, err := auth.NewSessions("test-secret", time.Hour)
	require.NoError(t, err)

	adapter := &stubAdapter{}
	gw := New(Options{
		Store:         st,
		Adapters:      []channel.Adapter{adapter},
		Identities:    identity.NewResolver(st, logger),
		Conversations: convs,
		Escalations:   machine,
		Bus:           b,
		Runner:        runner,
		Deduper:       guard.NewDeduper(time.Minute),
		Limiter:       guard.NewLimiter(600, 100),
		Sessions:      sessions,
		VoiceBoot:     voice.NewBootstrap(st, "wss://gw.example.com/voice/stream", "", logger),
		VoiceStream:   voice.NewStreamHandler(st, logger),
		Heartbeat:     50 * time.Millisecond,

		WhatsAppFallback: "wa-global-secret",
		TelegramFallback: "tg-global-token",
		Logger:           logger,
	})

	return &fixture{
		gw: gw, store: st, bus: b, adapter: adapter, sessions: sessions,
		companyID: companyID, chatbotID: chatbotID, webhookID: webhookID,
	}
}

func (f *fixture) webhookPath() string {
	return fmt.Sprintf("/hooks/%s/%s/whatsapp/%s", f.companyID, f.chatbotID, f.webhookID)
}

func (f *fixture) postWebhook(t *testing.T, router http.Handler, body []byte, secret string) *httptest.ResponseRecorder {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, f.webhookPath(), bytes.NewReader(body))
	req.Header.Set(channel.SignatureHeaderWhatsApp, sig)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWebhook_InboundMessageEndToEnd(t *testing.T) {
	f := newFixture(t, replyRunner("Hello! How can I help?"))
	router := f.gw.Router()

	body := []byte(`{"message_id":"m-1","sender":"15550001111","name":"Jo","text":"hi there"}`)
	rec := f.postWebhook(t, router, body, "wa-secret")
	require.Equal(t, http.StatusOK, rec.Code, "webhook must ACK immediately")

	// The background pipeline records the user message, generates a reply,
	// and sends it outbound.
	waitFor(t, func() bool { return f.adapter.sendCount() == 1 }, "outbound send never happened")

	ctx := context.Background()
	endUser, err := f.store.UpsertEndUser(ctx, &store.EndUser{
		ID: uuid.New().String(), CompanyID: f.companyID,
		Channel: "whatsapp", ChannelUserID: "15550001111", LastSeenAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "Jo", endUser.DisplayName, "display name captured from the message")

	conv, err := f.store.FindActiveConversation(ctx, f.chatbotID, endUser.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationStatusActive, conv.Status)
	assert.Equal(t, 1, conv.UserMessageCount)
	assert.Equal(t, 1, conv.AssistantMessageCount)
	assert.Equal(t, conv.MessageCount,
		conv.UserMessageCount+conv.AssistantMessageCount+conv.HumanAgentMessageCount)

	f.adapter.mu.Lock()
	defer f.adapter.mu.Unlock()
	assert.Equal(t, "15550001111: Hello! How can I help?", f.adapter.sends[0])
}

func TestWebhook_BadSignatureRejected(t *testing.T) {
	f := newFixture(t, replyRunner("never sent"))
	router := f.gw.Router()

	body := []byte(`{"message_id":"m-1","sender":"1","text":"hi"}`)
	rec := f.postWebhook(t, router, body, "wrong-secret")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.adapter.sendCount(), "rejected webhook must have no side effects")
}

func TestWebhook_UnknownIntegrationSameAsBadSignature(t *testing.T) {
	f := newFixture(t, replyRunner("never sent"))
	router := f.gw.Router()

	body := []byte(`{"text":"hi"}`)
	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/hooks/%s/%s/whatsapp/%s", f.companyID, f.chatbotID, uuid.New().String()),
		bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	badSig := f.postWebhook(t, router, body, "wrong-secret")
	assert.Equal(t, badSig.Code, rec.Code, "unknown integration must be indistinguishable from bad signature")
}

func TestWebhook_DuplicateDeliveryDropped(t *testing.T) {
	f := newFixture(t, replyRunner("only once"))
	router := f.gw.Router()

	body := []byte(`{"message_id":"dup-1","sender":"2","text":"hello"}`)
	require.Equal(t, http.StatusOK, f.postWebhook(t, router, body, "wa-secret").Code)
	require.Equal(t, http.StatusOK, f.postWebhook(t, router, body, "wa-secret").Code)

	waitFor(t, func() bool { return f.adapter.sendCount() >= 1 }, "first delivery never processed")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.adapter.sendCount(), "duplicate delivery must not be processed twice")
}

func TestWebhook_NonMessageEventAcked(t *testing.T) {
	f := newFixture(t, replyRunner("never sent"))
	router := f.gw.Router()

	body := []byte(`{"message_id":"s-1","sender":"3"}`) // no text: status update
	rec := f.postWebhook(t, router, body, "wa-secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.adapter.sendCount())
}

func TestWebhook_SuspendedCompanySilentAck(t *testing.T) {
	f := newFixture(t, replyRunner("never sent"))
	ctx := context.Background()

	suspendedID := uuid.New().String()
	require.NoError(t, f.store.CreateCompany(ctx, &store.Company{
		ID: suspendedID, Name: "Suspended Co", Status: store.CompanyStatusSuspended,
	}))
	botID := uuid.New().String()
	require.NoError(t, f.store.CreateChatbot(ctx, &store.Chatbot{
		ID: botID, CompanyID: suspendedID, Name: "Bot", Status: store.ChatbotStatusActive,
	}))
	hookID := uuid.New().String()
	settings, _ := json.Marshal(map[string]string{"phone_number_id": "pn-2", "app_secret": "wa-secret"})
	require.NoError(t, f.store.CreateIntegration(ctx, &store.Integration{
		ID: uuid.New().String(), CompanyID: suspendedID, ChatbotID: botID,
		Provider: "whatsapp", WebhookID: hookID,
		Status: store.IntegrationStatusActive, Settings: settings,
	}))

	router := f.gw.Router()
	body := []byte(`{"message_id":"m-9","sender":"4","text":"anyone there?"}`)
	mac := hmac.New(sha256.New, []byte("wa-secret"))
	mac.Write(body)
	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/hooks/%s/%s/whatsapp/%s", suspendedID, botID, hookID),
		bytes.NewReader(body))
	req.Header.Set(channel.SignatureHeaderWhatsApp, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, "suspended tenant gets a silent ACK")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.adapter.sendCount())
}

func widgetToken(t *testing.T, f *fixture, router http.Handler) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{
		"company_id": f.companyID, "chatbot_id": f.chatbotID,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/widget/session", bytes.NewReader(body))
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestWidgetSession_OriginEnforced(t *testing.T) {
	f := newFixture(t, replyRunner(""))
	router := f.gw.Router()

	body, _ := json.Marshal(map[string]string{
		"company_id": f.companyID, "chatbot_id": f.chatbotID,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/widget/session", bytes.NewReader(body))
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWidgetSend_StreamsTypedEvents(t *testing.T) {
	f := newFixture(t, replyRunner("Sure, I can help with that."))
	router := f.gw.Router()
	token := widgetToken(t, f, router)

	body, _ := json.Marshal(map[string]string{"content": "I need help"})
	req := httptest.NewRequest(http.MethodPost, "/api/widget/messages", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	out := rec.Body.String()
	ackIdx := strings.Index(out, "event: ack")
	completeIdx := strings.Index(out, "event: complete")
	doneIdx := strings.Index(out, "event: done")
	require.GreaterOrEqual(t, ackIdx, 0, "missing ack event: %s", out)
	require.Greater(t, completeIdx, ackIdx, "complete must follow ack: %s", out)
	require.Greater(t, doneIdx, completeIdx, "done must be last: %s", out)
	assert.Contains(t, out, "Sure, I can help with that.")
}

func TestWidgetSend_HandoffOpensEscalation(t *testing.T) {
	f := newFixture(t, &scriptedRunner{script: []*ai.Event{
		{Type: ai.EventThinking},
		{Type: ai.EventToolCall, ToolName: "request_human_handoff"},
		{Type: ai.EventHandoff, ToolName: "request_human_handoff", Reason: "user asked"},
	}})
	router := f.gw.Router()
	token := widgetToken(t, f, router)

	body, _ := json.Marshal(map[string]string{"content": "give me a human"})
	req := httptest.NewRequest(http.MethodPost, "/api/widget/messages", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var convID string
	for _, line := range strings.SplitAfter(rec.Body.String(), "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok && strings.Contains(data, "conversation_id") {
			var ack struct {
				ConversationID string `json:"conversation_id"`
			}
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(data)), &ack))
			convID = ack.ConversationID
			break
		}
	}
	require.NotEmpty(t, convID)

	waitFor(t, func() bool {
		conv, err := f.store.GetConversation(context.Background(), convID)
		return err == nil && conv.Status == store.ConversationStatusWaitingHuman
	}, "handoff never escalated the conversation")

	esc, err := f.store.GetOpenEscalation(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, escalation.TriggerHandoffTool, esc.Trigger)
	assert.Equal(t, "user asked", esc.Reason)
}

func TestWidgetEvents_HeartbeatAndCleanup(t *testing.T) {
	f := newFixture(t, replyRunner("ok"))
	router := f.gw.Router()
	token := widgetToken(t, f, router)

	// Create the conversation via a send first.
	body, _ := json.Marshal(map[string]string{"content": "hello"})
	req := httptest.NewRequest(http.MethodPost, "/api/widget/messages", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var ack struct {
		ConversationID string `json:"conversation_id"`
	}
	for _, line := range strings.SplitAfter(rec.Body.String(), "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok && strings.Contains(data, "conversation_id") {
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(data)), &ack))
			break
		}
	}
	require.NotEmpty(t, ack.ConversationID)

	srv := httptest.NewServer(router)
	defer srv.Close()

	streamReq, err := http.NewRequest(http.MethodGet,
		srv.URL+"/api/widget/events?conversation_id="+ack.ConversationID+"&token="+token, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(streamReq)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	sawConnected := false
	sawHeartbeat := false
	deadline := time.After(3 * time.Second)
	lines := make(chan string)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- line
		}
	}()
	for !(sawConnected && sawHeartbeat) {
		select {
		case line := <-lines:
			if strings.HasPrefix(line, "event: connected") {
				sawConnected = true
			}
			if strings.HasPrefix(line, "event: heartbeat") {
				sawHeartbeat = true
			}
		case <-deadline:
			t.Fatalf("never saw connected+heartbeat (connected=%v heartbeat=%v)", sawConnected, sawHeartbeat)
		}
	}

	require.Equal(t, 1, f.bus.SubscriberCount(ack.ConversationID))

	// Disconnect: the subscription must be torn down.
	resp.Body.Close()
	waitFor(t, func() bool {
		return f.bus.SubscriberCount(ack.ConversationID) == 0
	}, "subscription not removed after client disconnect")
}

func TestConsoleFlow(t *testing.T) {
	f := newFixture(t, replyRunner("ok"))
	router := f.gw.Router()
	widgetTok := widgetToken(t, f, router)

	// Open a conversation and escalate it.
	body, _ := json.Marshal(map[string]string{"content": "help"})
	req := httptest.NewRequest(http.MethodPost, "/api/widget/messages", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+widgetTok)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var ack struct {
		ConversationID string `json:"conversation_id"`
	}
	for _, line := range strings.SplitAfter(rec.Body.String(), "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok && strings.Contains(data, "conversation_id") {
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(data)), &ack))
			break
		}
	}
	require.NotEmpty(t, ack.ConversationID)

	// Wait for the detached generation to settle before transitioning.
	waitFor(t, func() bool {
		conv, err := f.store.GetConversation(context.Background(), ack.ConversationID)
		return err == nil && conv.AssistantMessageCount == 1
	}, "assistant reply never recorded")

	_, err := f.gw.escalations.Request(context.Background(), ack.ConversationID, escalation.TriggerUserRequest, "wants human")
	require.NoError(t, err)

	agentTok, err := f.sessions.IssueAgent(f.companyID, "agent-1")
	require.NoError(t, err)

	do := func(method, path string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+agentTok)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	// Queue shows the pending escalation.
	rec = do(http.MethodGet, "/api/console/escalations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), ack.ConversationID)

	// Assign to self.
	rec = do(http.MethodPost, "/api/console/escalations/"+ack.ConversationID+"/assign", []byte(`{}`))
	require.Equal(t, http.StatusOK, rec.Code)

	// Self-transfer rejected.
	rec = do(http.MethodPost, "/api/console/escalations/"+ack.ConversationID+"/transfer",
		[]byte(`{"to_agent_user_id":"agent-1"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Resolve as human.
	rec = do(http.MethodPost, "/api/console/escalations/"+ack.ConversationID+"/resolve",
		[]byte(`{"resolution_type":"human","closing_message":"All sorted."}`))
	require.Equal(t, http.StatusOK, rec.Code)

	conv, err := f.store.GetConversation(context.Background(), ack.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationStatusResolved, conv.Status)

	// History shows the closing message.
	rec = do(http.MethodGet, "/api/conversations/"+ack.ConversationID+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "All sorted.")

	// Double resolve conflicts.
	rec = do(http.MethodPost, "/api/console/escalations/"+ack.ConversationID+"/resolve",
		[]byte(`{"resolution_type":"human"}`))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWebhook_FallbackSecretWhenIntegrationHasNone(t *testing.T) {
	f := newFixture(t, replyRunner("fallback works"))
	ctx := context.Background()

	hookID := uuid.New().String()
	settings, _ := json.Marshal(map[string]string{"phone_number_id": "pn-3", "access_token": "tok"})
	require.NoError(t, f.store.CreateIntegration(ctx, &store.Integration{
		ID: uuid.New().String(), CompanyID: f.companyID, ChatbotID: f.chatbotID,
		Provider: "whatsapp", WebhookID: hookID,
		Status: store.IntegrationStatusActive, Settings: settings,
	}))

	router := f.gw.Router()
	sign := func(body []byte, secret string) *httptest.ResponseRecorder {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		req := httptest.NewRequest(http.MethodPost,
			fmt.Sprintf("/hooks/%s/%s/whatsapp/%s", f.companyID, f.chatbotID, hookID),
			bytes.NewReader(body))
		req.Header.Set(channel.SignatureHeaderWhatsApp, "sha256="+hex.EncodeToString(mac.Sum(nil)))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	// Without its own secret the integration authenticates against the
	// provider-wide fallback.
	body := []byte(`{"message_id":"fb-1","sender":"5","text":"hi"}`)
	require.Equal(t, http.StatusOK, sign(body, "wa-global-secret").Code)
	waitFor(t, func() bool { return f.adapter.sendCount() == 1 }, "fallback-authenticated message never processed")

	// The fallback is still a real secret, not a bypass.
	rec := sign([]byte(`{"message_id":"fb-2","sender":"5","text":"again"}`), "some-other-secret")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConsole_CompanyIsolation(t *testing.T) {
	f := newFixture(t, replyRunner("ok"))
	router := f.gw.Router()
	widgetTok := widgetToken(t, f, router)

	// Open and escalate a conversation in the fixture company.
	body, _ := json.Marshal(map[string]string{"content": "help"})
	req := httptest.NewRequest(http.MethodPost, "/api/widget/messages", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+widgetTok)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var ack struct {
		ConversationID string `json:"conversation_id"`
	}
	for _, line := range strings.SplitAfter(rec.Body.String(), "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok && strings.Contains(data, "conversation_id") {
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(data)), &ack))
			break
		}
	}
	require.NotEmpty(t, ack.ConversationID)

	waitFor(t, func() bool {
		conv, err := f.store.GetConversation(context.Background(), ack.ConversationID)
		return err == nil && conv.AssistantMessageCount == 1
	}, "assistant reply never recorded")

	_, err := f.gw.escalations.Request(context.Background(), ack.ConversationID, escalation.TriggerUserRequest, "wants human")
	require.NoError(t, err)

	otherCompanyID := uuid.New().String()
	require.NoError(t, f.store.CreateCompany(context.Background(), &store.Company{
		ID: otherCompanyID, Name: "Other Co", Status: store.CompanyStatusActive,
	}))
	otherTok, err := f.sessions.IssueAgent(otherCompanyID, "other-agent")
	require.NoError(t, err)

	do := func(tok, method, path string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	// The other company's queue does not contain the escalation.
	rec = do(otherTok, http.MethodGet, "/api/console/escalations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), ack.ConversationID)

	// Every operation on the foreign conversation reads as not found.
	foreign := []struct {
		method, path string
		body         []byte
	}{
		{http.MethodPost, "/api/console/escalations/" + ack.ConversationID + "/assign", []byte(`{}`)},
		{http.MethodPost, "/api/console/escalations/" + ack.ConversationID + "/transfer", []byte(`{"to_agent_user_id":"x"}`)},
		{http.MethodPost, "/api/console/escalations/" + ack.ConversationID + "/resolve", []byte(`{"resolution_type":"human"}`)},
		{http.MethodPost, "/api/console/escalations/" + ack.ConversationID + "/return", nil},
		{http.MethodGet, "/api/conversations/" + ack.ConversationID + "/messages", nil},
	}
	for _, op := range foreign {
		rec := do(otherTok, op.method, op.path, op.body)
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s must not cross tenants", op.method, op.path)
	}

	// The owning company's agent still sees and claims it.
	ownTok, err := f.sessions.IssueAgent(f.companyID, "agent-1")
	require.NoError(t, err)

	rec = do(ownTok, http.MethodGet, "/api/console/escalations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), ack.ConversationID)

	rec = do(ownTok, http.MethodPost, "/api/console/escalations/"+ack.ConversationID+"/assign", []byte(`{}`))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVoiceInbound_UnconfiguredNumberMarkup(t *testing.T) {
	f := newFixture(t, replyRunner("ok"))
	router := f.gw.Router()

	form := "To=%2B15550009999&From=%2B15551112222&CallSid=CA-1&AccountSid=AC1&Direction=inbound"
	req := httptest.NewRequest(http.MethodPost, "/hooks/voice/inbound", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<Hangup>")
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, replyRunner("ok"))
	router := f.gw.Router()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}
