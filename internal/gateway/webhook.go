// ABOUTME: Chat webhook handlers: GET provider handshake, POST inbound messages
// ABOUTME: Authenticates, guards, ACKs fast, then hands off to the background pipeline

package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/helpmesh/omnigate/internal/channel"
	"github.com/helpmesh/omnigate/internal/store"
)

// maxWebhookBody caps inbound payload reads.
const maxWebhookBody = 1 << 20

func signatureHeader(provider channel.Provider) string {
	switch provider {
	case channel.ProviderWhatsApp:
		return channel.SignatureHeaderWhatsApp
	case channel.ProviderTelegram:
		return channel.SignatureHeaderTelegram
	}
	return ""
}

// resolveIntegration loads and checks the integration addressed by the
// webhook URL. All mismatches collapse to nil so responses cannot distinguish
// unknown integrations from bad credentials.
func (g *Gateway) resolveIntegration(ctx context.Context, r *http.Request) (*store.Integration, *channel.Settings) {
	provider := channel.Provider(chi.URLParam(r, "provider"))
	webhookID := chi.URLParam(r, "webhookID")

	integration, err := g.store.GetIntegrationByWebhookID(ctx, string(provider), webhookID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Error("loading integration", "error", err)
		}
		return nil, nil
	}
	if integration.CompanyID != chi.URLParam(r, "companyID") ||
		integration.ChatbotID != chi.URLParam(r, "chatbotID") ||
		integration.Status != store.IntegrationStatusActive {
		return nil, nil
	}

	settings, err := channel.DecodeSettings(provider, integration.Settings)
	if err != nil {
		g.logger.Error("integration has undecodable settings",
			"integration_id", integration.ID, "error", err)
		return nil, nil
	}
	return integration, settings
}

// handleWebhookVerification answers the provider's GET handshake.
func (g *Gateway) handleWebhookVerification(w http.ResponseWriter, r *http.Request) {
	provider := channel.Provider(chi.URLParam(r, "provider"))
	adapter, ok := g.adapters[provider]
	if !ok {
		http.NotFound(w, r)
		return
	}

	verifier, ok := adapter.(channel.Verifier)
	if !ok {
		// Providers without a handshake just get a 200 on registration checks.
		w.WriteHeader(http.StatusOK)
		return
	}

	integration, settings := g.resolveIntegration(r.Context(), r)
	if integration == nil {
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}

	token := ""
	if settings.WhatsApp != nil {
		token = settings.WhatsApp.VerifyToken
	}

	challenge, ok := verifier.HandleVerification(r.URL.Query(), token)
	if !ok {
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.Write([]byte(challenge))
}

// handleWebhook ingests one inbound POST. The provider is ACKed as soon as
// the message is authenticated and parsed; AI processing and outbound
// delivery continue in the background.
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := channel.Provider(chi.URLParam(r, "provider"))
	adapter, ok := g.adapters[provider]
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	integration, settings := g.resolveIntegration(r.Context(), r)
	if integration == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	secret := settings.SignatureSecret()
	if secret == "" {
		secret = g.fallbackSecrets[provider]
	}
	if !adapter.ValidateSignature(body, r.Header.Get(signatureHeader(provider)), secret) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	company, err := g.store.GetCompany(r.Context(), integration.CompanyID)
	if err != nil {
		g.logger.Error("loading company", "company_id", integration.CompanyID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	// Suspended tenants get a silent ACK so the provider stops retrying.
	if company.Status != store.CompanyStatusActive {
		w.WriteHeader(http.StatusOK)
		return
	}

	if !g.limiter.Allow(integration.ID) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	msg, err := adapter.ParseMessage(body)
	if err != nil {
		http.Error(w, "unparseable payload", http.StatusBadRequest)
		return
	}
	// Non-message events are ACKed without side effects.
	if msg == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	if msg.ProviderMessageID != "" &&
		g.deduper.Duplicate(string(provider)+":"+msg.ProviderMessageID) {
		g.logger.Debug("duplicate delivery dropped",
			"provider", provider, "provider_message_id", msg.ProviderMessageID)
		w.WriteHeader(http.StatusOK)
		return
	}

	// ACK before the pipeline runs; a detached context survives the request.
	w.WriteHeader(http.StatusOK)
	go g.runPipeline(context.WithoutCancel(r.Context()), integration, settings, adapter, msg)
}

// handleVoiceInbound serves the telephony provider's call webhook.
func (g *Gateway) handleVoiceInbound(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "unparseable form", http.StatusBadRequest)
		return
	}

	requestURL := "https://" + r.Host + r.URL.RequestURI()
	res := g.voiceBoot.HandleInboundCall(r.Context(), requestURL, r.PostForm, r.Header.Get("X-Twilio-Signature"))

	if res.Markup == "" {
		w.WriteHeader(res.Status)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(res.Status)
	w.Write([]byte(res.Markup))
}
