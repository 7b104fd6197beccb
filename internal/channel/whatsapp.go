// ABOUTME: WhatsApp-style channel adapter: HMAC-SHA256 body signatures, Graph API sends
// ABOUTME: Handles the hub.challenge GET verification handshake

package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SignatureHeaderWhatsApp is the request header carrying the body signature.
const SignatureHeaderWhatsApp = "X-Hub-Signature-256"

const defaultGraphBaseURL = "https://graph.facebook.com/v19.0"

// WhatsAppAdapter implements Adapter for WhatsApp-style webhook providers.
type WhatsAppAdapter struct {
	// BaseURL overrides the Graph API endpoint, for tests.
	BaseURL string
	Client  *http.Client
}

// NewWhatsAppAdapter creates an adapter with default endpoint and client.
func NewWhatsAppAdapter() *WhatsAppAdapter {
	return &WhatsAppAdapter{
		BaseURL: defaultGraphBaseURL,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Provider returns ProviderWhatsApp.
func (a *WhatsAppAdapter) Provider() Provider { return ProviderWhatsApp }

// ValidateSignature checks "sha256=<hex>" against an HMAC-SHA256 of the raw
// body. Empty secret fails closed.
func (a *WhatsAppAdapter) ValidateSignature(body []byte, signature, secret string) bool {
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

// whatsappPayload mirrors the slice of the webhook envelope this adapter
// consumes.
type whatsappPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					ID        string `json:"id"`
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseMessage extracts the first text message from the webhook envelope.
// Status callbacks and non-text message types yield (nil, nil).
func (a *WhatsAppAdapter) ParseMessage(payload []byte) (*InboundMessage, error) {
	var p whatsappPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding webhook payload: %w", err)
	}

	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			for _, msg := range v.Messages {
				if msg.Type != "text" || msg.Text.Body == "" {
					continue
				}

				name := ""
				for _, c := range v.Contacts {
					if c.WaID == msg.From {
						name = c.Profile.Name
						break
					}
				}

				ts := time.Now()
				if unix, err := strconv.ParseInt(msg.Timestamp, 10, 64); err == nil {
					ts = time.Unix(unix, 0)
				}

				return &InboundMessage{
					ProviderMessageID: msg.ID,
					SenderID:          msg.From,
					SenderName:        name,
					Text:              msg.Text.Body,
					Timestamp:         ts,
				}, nil
			}
		}
	}

	// Delivery receipts, read statuses, etc. — nothing to route.
	return nil, nil
}

// HandleVerification answers the provider's GET handshake: subscribe mode
// with a matching verify token echoes hub.challenge back.
func (a *WhatsAppAdapter) HandleVerification(query url.Values, token string) (string, bool) {
	if token == "" {
		return "", false
	}
	if query.Get("hub.mode") != "subscribe" {
		return "", false
	}
	got := query.Get("hub.verify_token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
		return "", false
	}
	return query.Get("hub.challenge"), true
}

// SendMessage posts a text message through the Graph API.
func (a *WhatsAppAdapter) SendMessage(ctx context.Context, settings *Settings, recipientID, text string) error {
	wa := settings.WhatsApp
	if wa == nil {
		return fmt.Errorf("settings are not whatsapp settings")
	}

	reqBody, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"to":                recipientID,
		"type":              "text",
		"text":              map[string]string{"body": text},
	})
	if err != nil {
		return fmt.Errorf("encoding send request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/messages", a.BaseURL, wa.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("building send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+wa.AccessToken)

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
