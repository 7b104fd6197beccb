// ABOUTME: Store interface and data types for omnigate persistence
// ABOUTME: Defines EndUser, Conversation, Message, Escalation, CallSession and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a second non-terminal conversation
// would exist for the same (chatbot, end user) pair
var ErrDuplicateConversation = errors.New("active conversation already exists")

// ErrStaleTransition is returned when a guarded transition finds the
// conversation no longer in any of the expected statuses
var ErrStaleTransition = errors.New("conversation status changed concurrently")

// Company status values
const (
	CompanyStatusActive    = "active"
	CompanyStatusSuspended = "suspended"
)

// Company is a tenant. Only the fields the routing core consumes are modeled;
// billing and plan data live with their own collaborators.
type Company struct {
	ID             string
	Name           string
	Status         string
	AllowedOrigins []string
	CreatedAt      time.Time
}

// Integration status values
const (
	IntegrationStatusActive   = "active"
	IntegrationStatusDisabled = "disabled"
)

// Integration binds a company's chatbot to one external channel endpoint.
// Settings is the raw provider-specific configuration blob; it is decoded
// into a typed settings union at the channel boundary, never cast ad hoc.
type Integration struct {
	ID        string
	CompanyID string
	ChatbotID string
	Provider  string
	WebhookID string
	Status    string
	Settings  []byte
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Chatbot status values
const (
	ChatbotStatusActive   = "active"
	ChatbotStatusDisabled = "disabled"
)

// Chatbot is the AI agent a conversation is routed to.
type Chatbot struct {
	ID           string
	CompanyID    string
	Name         string
	Status       string
	CallEnabled  bool
	Model        string
	SystemPrompt string
	CreatedAt    time.Time
}

// EndUser is the durable identity of a customer on one channel.
// Identity is unique per (company, channel, channel_user_id).
type EndUser struct {
	ID                 string
	CompanyID          string
	Channel            string
	ChannelUserID      string
	DisplayName        string
	LastSeenAt         time.Time
	TotalConversations int
	CreatedAt          time.Time
}

// Conversation status values
const (
	ConversationStatusActive       = "active"
	ConversationStatusWaitingHuman = "waiting_human"
	ConversationStatusWithHuman    = "with_human"
	ConversationStatusResolved     = "resolved"
	ConversationStatusAbandoned    = "abandoned"
)

// Conversation is one bounded interaction between an end user and a chatbot.
// Invariant: MessageCount == UserMessageCount + AssistantMessageCount + HumanAgentMessageCount.
type Conversation struct {
	ID                     string
	CompanyID              string
	ChatbotID              string
	EndUserID              string
	Status                 string
	AssignedUserID         *string
	MessageCount           int
	UserMessageCount       int
	AssistantMessageCount  int
	HumanAgentMessageCount int
	LastMessageAt          *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Terminal reports whether no further transition is accepted for the status.
func Terminal(status string) bool {
	return status == ConversationStatusResolved || status == ConversationStatusAbandoned
}

// Message roles
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleHumanAgent = "human_agent"
	RoleSystem     = "system"
)

// Message is immutable once created and ordered by creation within its
// conversation.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// Escalation status values
const (
	EscalationStatusPending      = "pending"
	EscalationStatusAssigned     = "assigned"
	EscalationStatusResolved     = "resolved"
	EscalationStatusReturnedToAI = "returned_to_ai"
)

// Escalation is a request to hand a conversation to a human. At most one
// escalation in {pending, assigned} exists per conversation.
type Escalation struct {
	ID             string
	ConversationID string
	Status         string
	Trigger        string
	Reason         string
	AssignedUserID *string
	ResolutionType *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CallSession is server-side state for one inbound telephony call leg. It
// exists for the lifetime of the audio stream and is deleted afterwards.
type CallSession struct {
	ID                string
	CompanyID         string
	ChatbotID         string
	IntegrationID     string
	ProviderCallID    string
	ProviderAccountID string
	Direction         string
	CreatedAt         time.Time
}

// Transition is an atomic conversation mutation: a guarded status change, an
// optional assignment change, accompanying messages, and an escalation
// create/update. Everything commits together or not at all.
type Transition struct {
	ConversationID string

	// ExpectStatuses guards the update: if the conversation is no longer in
	// one of these statuses the transition fails with ErrStaleTransition.
	ExpectStatuses []string
	NewStatus      string

	// SetAssignedUser replaces the assignee when non-nil; ClearAssignment
	// removes it. At most one of the two is set.
	SetAssignedUser *string
	ClearAssignment bool

	// Messages appended in order, with counters updated in the same commit.
	Messages []*Message

	// NewEscalation inserts a fresh escalation row.
	NewEscalation *Escalation

	// EscalationID plus the fields below update an existing escalation.
	EscalationID         string
	EscalationStatus     string
	EscalationAssignee   *string
	EscalationResolution *string
}

// Store is the persistence surface the routing core depends on.
type Store interface {
	// Companies
	CreateCompany(ctx context.Context, c *Company) error
	GetCompany(ctx context.Context, id string) (*Company, error)

	// Integrations
	CreateIntegration(ctx context.Context, in *Integration) error
	GetIntegrationByWebhookID(ctx context.Context, provider, webhookID string) (*Integration, error)
	ListActiveIntegrations(ctx context.Context, provider string) ([]*Integration, error)

	// Chatbots
	CreateChatbot(ctx context.Context, cb *Chatbot) error
	GetChatbot(ctx context.Context, id string) (*Chatbot, error)
	FindCallChatbot(ctx context.Context, companyID string) (*Chatbot, error)

	// End users. UpsertEndUser is a single atomic upsert keyed on
	// (company, channel, channel_user_id); safe under concurrent duplicate
	// webhook delivery.
	UpsertEndUser(ctx context.Context, u *EndUser) (*EndUser, error)
	GetEndUser(ctx context.Context, id string) (*EndUser, error)

	// Conversations
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindActiveConversation(ctx context.Context, chatbotID, endUserID string) (*Conversation, error)
	AppendMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	ApplyTransition(ctx context.Context, t *Transition) error

	// Escalations
	GetEscalation(ctx context.Context, id string) (*Escalation, error)
	GetOpenEscalation(ctx context.Context, conversationID string) (*Escalation, error)
	ListEscalationsByStatus(ctx context.Context, companyID, status string, limit int) ([]*Escalation, error)

	// Call sessions
	CreateCallSession(ctx context.Context, cs *CallSession) error
	GetCallSession(ctx context.Context, id string) (*CallSession, error)
	DeleteCallSession(ctx context.Context, id string) error
	DeleteStaleCallSessions(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases any resources held by the store
	Close() error
}
