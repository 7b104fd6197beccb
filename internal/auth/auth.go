// ABOUTME: Session token issuing and verification for widget visitors and console agents
// ABOUTME: HS256 JWTs; the widget token pins the conversation key it may stream

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in session tokens.
const (
	RoleWidget = "widget"
	RoleAgent  = "agent"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid session token")

// SessionClaims are the claims omnigate issues and accepts.
type SessionClaims struct {
	jwt.RegisteredClaims
	CompanyID       string `json:"cid"`
	Role            string `json:"role"`
	ChatbotID       string `json:"bid,omitempty"`
	ConversationKey string `json:"ck,omitempty"`
	AgentUserID     string `json:"aid,omitempty"`
}

// Sessions issues and verifies session tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration
}

// NewSessions creates a session authority with the given signing secret.
func NewSessions(secret string, ttl time.Duration) (*Sessions, error) {
	if secret == "" {
		return nil, errors.New("session secret must not be empty")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Sessions{secret: []byte(secret), ttl: ttl}, nil
}

func (s *Sessions) issue(claims *SessionClaims) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}
	return signed, nil
}

// IssueWidget issues a visitor token bound to one company, one chatbot and
// one conversation key.
func (s *Sessions) IssueWidget(companyID, chatbotID, conversationKey string) (string, error) {
	return s.issue(&SessionClaims{
		CompanyID:       companyID,
		Role:            RoleWidget,
		ChatbotID:       chatbotID,
		ConversationKey: conversationKey,
	})
}

// IssueAgent issues a console token for a human agent.
func (s *Sessions) IssueAgent(companyID, agentUserID string) (string, error) {
	return s.issue(&SessionClaims{
		CompanyID:   companyID,
		Role:        RoleAgent,
		AgentUserID: agentUserID,
	})
}

// Verify parses and validates a token, returning its claims.
func (s *Sessions) Verify(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
