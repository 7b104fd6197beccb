// ABOUTME: Inbound call bootstrap: integration lookup, signature check, call session, connect markup
// ABOUTME: Every path terminates in well-formed markup; panics degrade to an audible error

package voice

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/helpmesh/omnigate/internal/channel"
	"github.com/helpmesh/omnigate/internal/store"
)

// Form fields the provider posts on an inbound call.
const (
	FormTo         = "To"
	FormFrom       = "From"
	FormCallSID    = "CallSid"
	FormAccountSID = "AccountSid"
	FormDirection  = "Direction"
)

// Result is the outcome of bootstrapping one inbound call. Markup is empty
// only when the request is rejected outright (Status == 403).
type Result struct {
	Status int
	Markup string
}

// Bootstrap handles the provider's inbound-call webhook.
type Bootstrap struct {
	store          store.Store
	streamURL      string
	fallbackSecret string
	logger         *slog.Logger
}

// NewBootstrap creates a call bootstrap. streamURL is the public websocket
// endpoint the provider connects audio to; fallbackSecret validates requests
// for integrations without an account-specific auth token.
func NewBootstrap(st store.Store, streamURL, fallbackSecret string, logger *slog.Logger) *Bootstrap {
	return &Bootstrap{
		store:          st,
		streamURL:      streamURL,
		fallbackSecret: fallbackSecret,
		logger:         logger.With("component", "voice"),
	}
}

// normalizeNumber strips everything but digits and a leading plus so stored
// and provider-formatted numbers compare equal.
func normalizeNumber(n string) string {
	var b strings.Builder
	for i, r := range n {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// HandleInboundCall runs the bootstrap sequence. The returned markup must be
// served as text/xml; a 403 result carries no body.
func (b *Bootstrap) HandleInboundCall(ctx context.Context, requestURL string, form url.Values, signature string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic bootstrapping call", "panic", r)
			res = Result{Status: http.StatusOK, Markup: ErrorMarkup()}
		}
	}()

	to := form.Get(FormTo)
	from := form.Get(FormFrom)
	callID := form.Get(FormCallSID)
	if to == "" || from == "" || callID == "" {
		b.logger.Warn("inbound call missing correlation fields")
		return Result{Status: http.StatusOK, Markup: ErrorMarkup()}
	}

	integration, settings := b.findIntegration(ctx, to)
	if integration == nil {
		b.logger.Warn("inbound call to unconfigured number", "to", to)
		return Result{Status: http.StatusOK, Markup: DeclineMarkup("This number is not configured to receive calls. Goodbye.")}
	}

	secret := b.fallbackSecret
	if settings.Voice.AuthToken != "" {
		secret = settings.Voice.AuthToken
	}
	if !ValidateSignature(requestURL, form, signature, secret) {
		b.logger.Warn("inbound call signature rejected",
			"integration_id", integration.ID)
		return Result{Status: http.StatusForbidden}
	}

	chatbot, err := b.store.FindCallChatbot(ctx, integration.CompanyID)
	if err != nil {
		b.logger.Warn("no call-enabled chatbot for inbound call",
			"company_id", integration.CompanyID, "error", err)
		return Result{Status: http.StatusOK, Markup: DeclineMarkup("No assistant is available to take your call. Goodbye.")}
	}

	session := &store.CallSession{
		ID:                uuid.New().String(),
		CompanyID:         integration.CompanyID,
		ChatbotID:         chatbot.ID,
		IntegrationID:     integration.ID,
		ProviderCallID:    callID,
		ProviderAccountID: form.Get(FormAccountSID),
		Direction:         form.Get(FormDirection),
		CreatedAt:         time.Now(),
	}
	if err := b.store.CreateCallSession(ctx, session); err != nil {
		b.logger.Error("creating call session", "error", err)
		return Result{Status: http.StatusOK, Markup: ErrorMarkup()}
	}

	b.logger.Info("inbound call accepted",
		"call_session_id", session.ID,
		"chatbot_id", chatbot.ID,
		"company_id", integration.CompanyID)

	return Result{
		Status: http.StatusOK,
		Markup: ConnectMarkup(b.streamURL, session.ID, callID, chatbot.ID),
	}
}

// findIntegration matches the destination number against active voice
// integrations, comparing normalized numbers.
func (b *Bootstrap) findIntegration(ctx context.Context, to string) (*store.Integration, *channel.Settings) {
	integrations, err := b.store.ListActiveIntegrations(ctx, string(channel.ProviderVoice))
	if err != nil {
		b.logger.Error("listing voice integrations", "error", err)
		return nil, nil
	}

	want := normalizeNumber(to)
	for _, in := range integrations {
		settings, err := channel.DecodeSettings(channel.ProviderVoice, in.Settings)
		if err != nil {
			b.logger.Warn("skipping integration with bad settings",
				"integration_id", in.ID, "error", err)
			continue
		}
		if normalizeNumber(settings.Voice.PhoneNumber) == want {
			return in, settings
		}
	}
	return nil, nil
}
