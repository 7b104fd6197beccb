// ABOUTME: Channel adapter capability set and the typed per-provider settings union
// ABOUTME: Providers differ in signature scheme, payload shape and outbound API

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Provider identifies an external messaging surface.
type Provider string

const (
	ProviderWidget   Provider = "widget"
	ProviderWhatsApp Provider = "whatsapp"
	ProviderTelegram Provider = "telegram"
	ProviderVoice    Provider = "voice"
)

// ErrUnknownProvider is returned when decoding settings for a provider no
// adapter handles.
var ErrUnknownProvider = errors.New("unknown channel provider")

// InboundMessage is the canonical form every adapter normalizes provider
// payloads into. A nil InboundMessage (with nil error) from ParseMessage
// means the payload carried no user message and must be acknowledged without
// creating any conversation state.
type InboundMessage struct {
	ProviderMessageID string
	SenderID          string
	SenderName        string
	Text              string
	Timestamp         time.Time
}

// Adapter is the per-provider capability set.
type Adapter interface {
	Provider() Provider

	// ValidateSignature checks provider authentication over the raw request
	// body. Comparison is constant-time. An empty secret fails closed.
	ValidateSignature(body []byte, signature, secret string) bool

	// ParseMessage normalizes a provider payload. Returns (nil, nil) for
	// payloads that are valid but carry no message (status updates, edits).
	ParseMessage(payload []byte) (*InboundMessage, error)

	// SendMessage delivers text to a recipient through the provider's API
	// using the integration's stored credentials.
	SendMessage(ctx context.Context, settings *Settings, recipientID, text string) error
}

// Verifier is implemented by adapters whose provider performs a GET
// verification handshake when the webhook is registered.
type Verifier interface {
	// HandleVerification returns the challenge response and whether the
	// handshake is valid for the configured token.
	HandleVerification(query url.Values, token string) (string, bool)
}

// WhatsAppSettings configures a WhatsApp-style Graph API integration.
type WhatsAppSettings struct {
	PhoneNumberID string `json:"phone_number_id"`
	AccessToken   string `json:"access_token"`
	AppSecret     string `json:"app_secret"`
	VerifyToken   string `json:"verify_token"`
}

// TelegramSettings configures a Telegram-style bot API integration.
type TelegramSettings struct {
	BotToken    string `json:"bot_token"`
	SecretToken string `json:"secret_token"`
}

// VoiceSettings configures an inbound telephony integration.
type VoiceSettings struct {
	AccountSID  string `json:"account_sid"`
	AuthToken   string `json:"auth_token"`
	PhoneNumber string `json:"phone_number"`
}

// Settings is the tagged union of provider configuration. Exactly one branch
// is populated, matching Provider. Decoded and validated once at the
// integration boundary; nothing downstream touches raw blobs.
type Settings struct {
	Provider Provider
	WhatsApp *WhatsAppSettings
	Telegram *TelegramSettings
	Voice    *VoiceSettings
}

// DecodeSettings parses an integration's raw settings blob into the typed
// union for its provider and validates required fields.
func DecodeSettings(provider Provider, raw []byte) (*Settings, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	s := &Settings{Provider: provider}

	switch provider {
	case ProviderWhatsApp:
		var wa WhatsAppSettings
		if err := json.Unmarshal(raw, &wa); err != nil {
			return nil, fmt.Errorf("decoding whatsapp settings: %w", err)
		}
		if wa.PhoneNumberID == "" {
			return nil, errors.New("whatsapp settings: phone_number_id is required")
		}
		s.WhatsApp = &wa

	case ProviderTelegram:
		var tg TelegramSettings
		if err := json.Unmarshal(raw, &tg); err != nil {
			return nil, fmt.Errorf("decoding telegram settings: %w", err)
		}
		if tg.BotToken == "" {
			return nil, errors.New("telegram settings: bot_token is required")
		}
		s.Telegram = &tg

	case ProviderVoice:
		var v VoiceSettings
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding voice settings: %w", err)
		}
		if v.PhoneNumber == "" {
			return nil, errors.New("voice settings: phone_number is required")
		}
		s.Voice = &v

	case ProviderWidget:
		// The widget has no provider-side settings; auth is the session token.

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	return s, nil
}

// SignatureSecret returns the integration-configured secret an adapter
// validates inbound requests with, or "" when none is configured.
func (s *Settings) SignatureSecret() string {
	switch s.Provider {
	case ProviderWhatsApp:
		return s.WhatsApp.AppSecret
	case ProviderTelegram:
		return s.Telegram.SecretToken
	case ProviderVoice:
		return s.Voice.AuthToken
	}
	return ""
}
