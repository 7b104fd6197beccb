// ABOUTME: Telegram-style channel adapter: shared-secret header auth, bot API sends
// ABOUTME: Non-message updates (edits, callbacks) are acknowledged without routing

package channel

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SignatureHeaderTelegram is the request header carrying the shared secret.
const SignatureHeaderTelegram = "X-Telegram-Bot-Api-Secret-Token"

const defaultTelegramBaseURL = "https://api.telegram.org"

// TelegramAdapter implements Adapter for Telegram-style webhook providers.
type TelegramAdapter struct {
	BaseURL string
	Client  *http.Client
}

// NewTelegramAdapter creates an adapter with default endpoint and client.
func NewTelegramAdapter() *TelegramAdapter {
	return &TelegramAdapter{
		BaseURL: defaultTelegramBaseURL,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Provider returns ProviderTelegram.
func (a *TelegramAdapter) Provider() Provider { return ProviderTelegram }

// ValidateSignature compares the secret-token header against the configured
// secret in constant time. Empty secret fails closed.
func (a *TelegramAdapter) ValidateSignature(_ []byte, signature, secret string) bool {
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(signature), []byte(secret)) == 1
}

// telegramUpdate mirrors the slice of the update envelope this adapter
// consumes.
type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		From      struct {
			ID        int64  `json:"id"`
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Date int64  `json:"date"`
		Text string `json:"text"`
	} `json:"message"`
}

// ParseMessage extracts a new text message from an update. Edits, channel
// posts and service updates yield (nil, nil).
func (a *TelegramAdapter) ParseMessage(payload []byte) (*InboundMessage, error) {
	var u telegramUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		return nil, fmt.Errorf("decoding update: %w", err)
	}

	if u.Message == nil || u.Message.Text == "" {
		return nil, nil
	}

	name := strings.TrimSpace(u.Message.From.FirstName + " " + u.Message.From.LastName)
	ts := time.Now()
	if u.Message.Date > 0 {
		ts = time.Unix(u.Message.Date, 0)
	}

	return &InboundMessage{
		ProviderMessageID: strconv.FormatInt(u.Message.MessageID, 10),
		SenderID:          strconv.FormatInt(u.Message.Chat.ID, 10),
		SenderName:        name,
		Text:              u.Message.Text,
		Timestamp:         ts,
	}, nil
}

// SendMessage posts text through the bot API's sendMessage method.
func (a *TelegramAdapter) SendMessage(ctx context.Context, settings *Settings, recipientID, text string) error {
	tg := settings.Telegram
	if tg == nil {
		return fmt.Errorf("settings are not telegram settings")
	}

	reqBody, err := json.Marshal(map[string]string{
		"chat_id": recipientID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("encoding send request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", a.BaseURL, tg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("building send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider rejected send: status %d: %s", resp.StatusCode, body)
	}
	return nil
}
