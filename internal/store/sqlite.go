// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides tenant/conversation persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Serialize writes at the driver level; SQLite allows one writer anyway
	// and a single connection avoids SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS companies (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'active',
			allowed_origins TEXT NOT NULL DEFAULT '[]',
			created_at      TEXT NOT NULL,

			CHECK (status IN ('active', 'suspended'))
		);

		CREATE TABLE IF NOT EXISTS chatbots (
			id            TEXT PRIMARY KEY,
			company_id    TEXT NOT NULL REFERENCES companies(id),
			name          TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'active',
			call_enabled  INTEGER NOT NULL DEFAULT 0,
			model         TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL,

			CHECK (status IN ('active', 'disabled'))
		);

		CREATE INDEX IF NOT EXISTS idx_chatbots_company ON chatbots(company_id, status);

		CREATE TABLE IF NOT EXISTS integrations (
			id         TEXT PRIMARY KEY,
			company_id TEXT NOT NULL REFERENCES companies(id),
			chatbot_id TEXT NOT NULL REFERENCES chatbots(id),
			provider   TEXT NOT NULL,
			webhook_id TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'active',
			settings   TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			deleted_at TEXT,

			CHECK (status IN ('active', 'disabled'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_integrations_webhook
			ON integrations(provider, webhook_id) WHERE deleted_at IS NULL;
		CREATE INDEX IF NOT EXISTS idx_integrations_provider
			ON integrations(provider, status);

		CREATE TABLE IF NOT EXISTS end_users (
			id                  TEXT PRIMARY KEY,
			company_id          TEXT NOT NULL REFERENCES companies(id),
			channel             TEXT NOT NULL,
			channel_user_id     TEXT NOT NULL,
			display_name        TEXT NOT NULL DEFAULT '',
			last_seen_at        TEXT NOT NULL,
			total_conversations INTEGER NOT NULL DEFAULT 0,
			created_at          TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_end_users_identity
			ON end_users(company_id, channel, channel_user_id);

		CREATE TABLE IF NOT EXISTS conversations (
			id                        TEXT PRIMARY KEY,
			company_id                TEXT NOT NULL REFERENCES companies(id),
			chatbot_id                TEXT NOT NULL REFERENCES chatbots(id),
			end_user_id               TEXT NOT NULL REFERENCES end_users(id),
			status                    TEXT NOT NULL DEFAULT 'active',
			assigned_user_id          TEXT,
			message_count             INTEGER NOT NULL DEFAULT 0,
			user_message_count        INTEGER NOT NULL DEFAULT 0,
			assistant_message_count   INTEGER NOT NULL DEFAULT 0,
			human_agent_message_count INTEGER NOT NULL DEFAULT 0,
			last_message_at           TEXT,
			created_at                TEXT NOT NULL,
			updated_at                TEXT NOT NULL,

			CHECK (status IN ('active', 'waiting_human', 'with_human', 'resolved', 'abandoned'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_open_pair
			ON conversations(chatbot_id, end_user_id)
			WHERE status NOT IN ('resolved', 'abandoned');
		CREATE INDEX IF NOT EXISTS idx_conversations_company
			ON conversations(company_id, status);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TEXT NOT NULL,

			CHECK (role IN ('user', 'assistant', 'human_agent', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS escalations (
			id               TEXT PRIMARY KEY,
			conversation_id  TEXT NOT NULL REFERENCES conversations(id),
			status           TEXT NOT NULL DEFAULT 'pending',
			trigger_type     TEXT NOT NULL,
			reason           TEXT NOT NULL DEFAULT '',
			assigned_user_id TEXT,
			resolution_type  TEXT,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,

			CHECK (status IN ('pending', 'assigned', 'resolved', 'returned_to_ai'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_escalations_open
			ON escalations(conversation_id)
			WHERE status IN ('pending', 'assigned');
		CREATE INDEX IF NOT EXISTS idx_escalations_status
			ON escalations(status, created_at);

		CREATE TABLE IF NOT EXISTS call_sessions (
			id                  TEXT PRIMARY KEY,
			company_id          TEXT NOT NULL,
			chatbot_id          TEXT NOT NULL,
			integration_id      TEXT NOT NULL,
			provider_call_id    TEXT NOT NULL,
			provider_account_id TEXT NOT NULL DEFAULT '',
			direction           TEXT NOT NULL DEFAULT 'inbound',
			created_at          TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_call_sessions_created ON call_sessions(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// --- Companies ---

// CreateCompany inserts a tenant row.
func (s *SQLiteStore) CreateCompany(ctx context.Context, c *Company) error {
	origins, err := json.Marshal(c.AllowedOrigins)
	if err != nil {
		return fmt.Errorf("encoding allowed origins: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO companies (id, name, status, allowed_origins, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Status, string(origins), fmtTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting company: %w", err)
	}
	return nil
}

// GetCompany retrieves a company by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetCompany(ctx context.Context, id string) (*Company, error) {
	var c Company
	var origins, createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, allowed_origins, created_at
		FROM companies WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Status, &origins, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying company: %w", err)
	}

	if err := json.Unmarshal([]byte(origins), &c.AllowedOrigins); err != nil {
		return nil, fmt.Errorf("decoding allowed origins: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &c, nil
}

// --- Integrations ---

// CreateIntegration inserts an integration row.
func (s *SQLiteStore) CreateIntegration(ctx context.Context, in *Integration) error {
	settings := in.Settings
	if len(settings) == 0 {
		settings = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integrations (id, company_id, chatbot_id, provider, webhook_id, status, settings, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.CompanyID, in.ChatbotID, in.Provider, in.WebhookID,
		in.Status, string(settings), fmtTime(in.CreatedAt), fmtTimePtr(in.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting integration: %w", err)
	}
	return nil
}

func scanIntegration(row interface{ Scan(...any) error }) (*Integration, error) {
	var in Integration
	var settings, createdAt string
	var deletedAt sql.NullString

	err := row.Scan(&in.ID, &in.CompanyID, &in.ChatbotID, &in.Provider,
		&in.WebhookID, &in.Status, &settings, &createdAt, &deletedAt)
	if err != nil {
		return nil, err
	}

	in.Settings = []byte(settings)
	if in.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if deletedAt.Valid {
		t, err := parseTime(deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing deleted_at: %w", err)
		}
		in.DeletedAt = &t
	}
	return &in, nil
}

const integrationCols = `id, company_id, chatbot_id, provider, webhook_id, status, settings, created_at, deleted_at`

// GetIntegrationByWebhookID looks up the live integration behind a webhook
// endpoint. Soft-deleted rows are invisible.
func (s *SQLiteStore) GetIntegrationByWebhookID(ctx context.Context, provider, webhookID string) (*Integration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+integrationCols+` FROM integrations
		WHERE provider = ? AND webhook_id = ? AND deleted_at IS NULL`,
		provider, webhookID,
	)
	in, err := scanIntegration(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying integration: %w", err)
	}
	return in, nil
}

// ListActiveIntegrations returns all active, non-deleted integrations for a
// provider. Used by the voice path to match inbound destination numbers.
func (s *SQLiteStore) ListActiveIntegrations(ctx context.Context, provider string) ([]*Integration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+integrationCols+` FROM integrations
		WHERE provider = ? AND status = 'active' AND deleted_at IS NULL
		ORDER BY created_at`,
		provider,
	)
	if err != nil {
		return nil, fmt.Errorf("querying integrations: %w", err)
	}
	defer rows.Close()

	var out []*Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning integration: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// --- Chatbots ---

// CreateChatbot inserts a chatbot row.
func (s *SQLiteStore) CreateChatbot(ctx context.Context, cb *Chatbot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chatbots (id, company_id, name, status, call_enabled, model, system_prompt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cb.ID, cb.CompanyID, cb.Name, cb.Status, boolToInt(cb.CallEnabled),
		cb.Model, cb.SystemPrompt, fmtTime(cb.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting chatbot: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) scanChatbot(row *sql.Row) (*Chatbot, error) {
	var cb Chatbot
	var callEnabled int
	var createdAt string

	err := row.Scan(&cb.ID, &cb.CompanyID, &cb.Name, &cb.Status,
		&callEnabled, &cb.Model, &cb.SystemPrompt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chatbot: %w", err)
	}

	cb.CallEnabled = callEnabled != 0
	if cb.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &cb, nil
}

// GetChatbot retrieves a chatbot by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetChatbot(ctx context.Context, id string) (*Chatbot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, name, status, call_enabled, model, system_prompt, created_at
		FROM chatbots WHERE id = ?`, id)
	return s.scanChatbot(row)
}

// FindCallChatbot returns the oldest active, call-enabled chatbot for a
// company. Returns ErrNotFound when the company has none.
func (s *SQLiteStore) FindCallChatbot(ctx context.Context, companyID string) (*Chatbot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, name, status, call_enabled, model, system_prompt, created_at
		FROM chatbots
		WHERE company_id = ? AND status = 'active' AND call_enabled = 1
		ORDER BY created_at LIMIT 1`, companyID)
	return s.scanChatbot(row)
}

// --- End users ---

// UpsertEndUser inserts the identity row if it is new, otherwise refreshes
// last_seen_at (and display_name when a non-empty one is provided). A single
// statement keyed on the identity tuple, so concurrent duplicate webhook
// deliveries converge on one row.
func (s *SQLiteStore) UpsertEndUser(ctx context.Context, u *EndUser) (*EndUser, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO end_users (id, company_id, channel, channel_user_id, display_name, last_seen_at, total_conversations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(company_id, channel, channel_user_id) DO UPDATE SET
			last_seen_at = excluded.last_seen_at,
			display_name = CASE
				WHEN excluded.display_name != '' THEN excluded.display_name
				ELSE end_users.display_name
			END
		RETURNING id, company_id, channel, channel_user_id, display_name, last_seen_at, total_conversations, created_at`,
		u.ID, u.CompanyID, u.Channel, u.ChannelUserID, u.DisplayName,
		fmtTime(u.LastSeenAt), fmtTime(u.CreatedAt),
	)
	out, err := scanEndUser(row)
	if err != nil {
		return nil, fmt.Errorf("upserting end user: %w", err)
	}
	return out, nil
}

func scanEndUser(row interface{ Scan(...any) error }) (*EndUser, error) {
	var u EndUser
	var lastSeen, createdAt string

	err := row.Scan(&u.ID, &u.CompanyID, &u.Channel, &u.ChannelUserID,
		&u.DisplayName, &lastSeen, &u.TotalConversations, &createdAt)
	if err != nil {
		return nil, err
	}

	if u.LastSeenAt, err = parseTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen_at: %w", err)
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &u, nil
}

// GetEndUser retrieves an end user by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetEndUser(ctx context.Context, id string) (*EndUser, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, channel, channel_user_id, display_name, last_seen_at, total_conversations, created_at
		FROM end_users WHERE id = ?`, id)
	u, err := scanEndUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying end user: %w", err)
	}
	return u, nil
}

// --- Conversations ---

// CreateConversation inserts a conversation and bumps the end user's
// conversation counter in the same transaction. Returns
// ErrDuplicateConversation if a non-terminal conversation already exists for
// the (chatbot, end user) pair.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, company_id, chatbot_id, end_user_id, status, assigned_user_id,
			message_count, user_message_count, assistant_message_count, human_agent_message_count,
			last_message_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, 0, NULL, ?, ?)`,
		c.ID, c.CompanyID, c.ChatbotID, c.EndUserID, c.Status, c.AssignedUserID,
		fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE end_users SET total_conversations = total_conversations + 1 WHERE id = ?`,
		c.EndUserID,
	)
	if err != nil {
		return fmt.Errorf("updating end user counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", c.ID, "chatbot_id", c.ChatbotID)
	return nil
}

const conversationCols = `id, company_id, chatbot_id, end_user_id, status, assigned_user_id,
	message_count, user_message_count, assistant_message_count, human_agent_message_count,
	last_message_at, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var c Conversation
	var assigned, lastMsg sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&c.ID, &c.CompanyID, &c.ChatbotID, &c.EndUserID, &c.Status, &assigned,
		&c.MessageCount, &c.UserMessageCount, &c.AssistantMessageCount, &c.HumanAgentMessageCount,
		&lastMsg, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if assigned.Valid {
		c.AssignedUserID = &assigned.String
	}
	if lastMsg.Valid {
		t, err := parseTime(lastMsg.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_message_at: %w", err)
		}
		c.LastMessageAt = &t
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// GetConversation retrieves a conversation by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationCols+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return c, nil
}

// FindActiveConversation returns the non-terminal conversation for the
// (chatbot, end user) pair, or ErrNotFound. The partial unique index
// guarantees at most one such row.
func (s *SQLiteStore) FindActiveConversation(ctx context.Context, chatbotID, endUserID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationCols+` FROM conversations
		WHERE chatbot_id = ? AND end_user_id = ?
		  AND status NOT IN ('resolved', 'abandoned')`,
		chatbotID, endUserID,
	)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying active conversation: %w", err)
	}
	return c, nil
}

// counterColumn maps a message role to the role-specific counter it bumps.
// message_count == user + assistant + human_agent must hold, so system
// messages bump no counter and stay out of message_count.
func counterColumn(role string) string {
	switch role {
	case RoleUser:
		return "user_message_count"
	case RoleAssistant:
		return "assistant_message_count"
	case RoleHumanAgent:
		return "human_agent_message_count"
	default:
		return ""
	}
}

// appendMessageTx inserts a message and updates the conversation counters and
// last_message_at inside the caller's transaction.
func appendMessageTx(ctx context.Context, tx *sql.Tx, m *Message) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, fmtTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	col := counterColumn(m.Role)
	query := `UPDATE conversations SET last_message_at = ?, updated_at = ? WHERE id = ?`
	if col != "" {
		query = `UPDATE conversations SET message_count = message_count + 1, ` +
			col + ` = ` + col + ` + 1, last_message_at = ?, updated_at = ? WHERE id = ?`
	}
	ts := fmtTime(m.CreatedAt)
	if _, err := tx.ExecContext(ctx, query, ts, ts, m.ConversationID); err != nil {
		return fmt.Errorf("updating conversation counters: %w", err)
	}
	return nil
}

// AppendMessage appends one message and updates the matching counters
// atomically.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := appendMessageTx(ctx, tx, m); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}
	return nil
}

// ListMessages returns up to limit messages for a conversation in arrival
// order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at, rowid
		LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ApplyTransition commits a guarded status change, its accompanying messages,
// and the escalation change in one transaction. Returns ErrStaleTransition
// when the conversation is no longer in an expected status.
func (s *SQLiteStore) ApplyTransition(ctx context.Context, t *Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Guarded status update. The WHERE clause is the optimistic check: zero
	// rows means a concurrent transition won.
	placeholders := make([]string, len(t.ExpectStatuses))
	args := []any{t.NewStatus}

	assignClause := ""
	if t.SetAssignedUser != nil {
		assignClause = ", assigned_user_id = ?"
		args = append(args, *t.SetAssignedUser)
	} else if t.ClearAssignment {
		assignClause = ", assigned_user_id = NULL"
	}
	args = append(args, fmtTime(time.Now()), t.ConversationID)

	for i, st := range t.ExpectStatuses {
		placeholders[i] = "?"
		args = append(args, st)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET status = ?`+assignClause+`, updated_at = ?
		WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("updating conversation status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if affected == 0 {
		return ErrStaleTransition
	}

	for _, m := range t.Messages {
		if err := appendMessageTx(ctx, tx, m); err != nil {
			return err
		}
	}

	if t.NewEscalation != nil {
		e := t.NewEscalation
		_, err := tx.ExecContext(ctx, `
			INSERT INTO escalations (id, conversation_id, status, trigger_type, reason, assigned_user_id, resolution_type, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.ConversationID, e.Status, e.Trigger, e.Reason,
			e.AssignedUserID, e.ResolutionType, fmtTime(e.CreatedAt), fmtTime(e.UpdatedAt),
		)
		if err != nil {
			if isConstraintViolation(err) {
				return ErrStaleTransition
			}
			return fmt.Errorf("inserting escalation: %w", err)
		}
	}

	if t.EscalationID != "" {
		_, err := tx.ExecContext(ctx, `
			UPDATE escalations
			SET status = ?, assigned_user_id = COALESCE(?, assigned_user_id),
				resolution_type = COALESCE(?, resolution_type), updated_at = ?
			WHERE id = ?`,
			t.EscalationStatus, t.EscalationAssignee, t.EscalationResolution,
			fmtTime(time.Now()), t.EscalationID,
		)
		if err != nil {
			return fmt.Errorf("updating escalation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transition: %w", err)
	}

	s.logger.Debug("applied transition",
		"conversation_id", t.ConversationID,
		"status", t.NewStatus)
	return nil
}

// --- Escalations ---

const escalationCols = `id, conversation_id, status, trigger_type, reason, assigned_user_id, resolution_type, created_at, updated_at`

func scanEscalation(row interface{ Scan(...any) error }) (*Escalation, error) {
	var e Escalation
	var assigned, resolution sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&e.ID, &e.ConversationID, &e.Status, &e.Trigger, &e.Reason,
		&assigned, &resolution, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if assigned.Valid {
		e.AssignedUserID = &assigned.String
	}
	if resolution.Valid {
		e.ResolutionType = &resolution.String
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &e, nil
}

// GetEscalation retrieves an escalation by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetEscalation(ctx context.Context, id string) (*Escalation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+escalationCols+` FROM escalations WHERE id = ?`, id)
	e, err := scanEscalation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying escalation: %w", err)
	}
	return e, nil
}

// GetOpenEscalation returns the pending or assigned escalation for a
// conversation, or ErrNotFound.
func (s *SQLiteStore) GetOpenEscalation(ctx context.Context, conversationID string) (*Escalation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+escalationCols+` FROM escalations
		WHERE conversation_id = ? AND status IN ('pending', 'assigned')`,
		conversationID,
	)
	e, err := scanEscalation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying open escalation: %w", err)
	}
	return e, nil
}

// ListEscalationsByStatus returns a company's escalations in a given status,
// oldest first. Escalations carry no company column, so the tenant filter
// joins through the owning conversation.
func (s *SQLiteStore) ListEscalationsByStatus(ctx context.Context, companyID, status string, limit int) ([]*Escalation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.conversation_id, e.status, e.trigger_type, e.reason,
		       e.assigned_user_id, e.resolution_type, e.created_at, e.updated_at
		FROM escalations e
		JOIN conversations c ON c.id = e.conversation_id
		WHERE c.company_id = ? AND e.status = ?
		ORDER BY e.created_at LIMIT ?`,
		companyID, status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying escalations: %w", err)
	}
	defer rows.Close()

	var out []*Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning escalation: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Call sessions ---

// CreateCallSession inserts a call session row.
func (s *SQLiteStore) CreateCallSession(ctx context.Context, cs *CallSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_sessions (id, company_id, chatbot_id, integration_id, provider_call_id, provider_account_id, direction, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cs.ID, cs.CompanyID, cs.ChatbotID, cs.IntegrationID,
		cs.ProviderCallID, cs.ProviderAccountID, cs.Direction, fmtTime(cs.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting call session: %w", err)
	}
	return nil
}

// GetCallSession retrieves a call session by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetCallSession(ctx context.Context, id string) (*CallSession, error) {
	var cs CallSession
	var createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, chatbot_id, integration_id, provider_call_id, provider_account_id, direction, created_at
		FROM call_sessions WHERE id = ?`, id,
	).Scan(&cs.ID, &cs.CompanyID, &cs.ChatbotID, &cs.IntegrationID,
		&cs.ProviderCallID, &cs.ProviderAccountID, &cs.Direction, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying call session: %w", err)
	}

	if cs.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &cs, nil
}

// DeleteCallSession removes a call session once its audio stream ends.
func (s *SQLiteStore) DeleteCallSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM call_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting call session: %w", err)
	}
	return nil
}

// DeleteStaleCallSessions removes sessions created before olderThan. The
// janitor calls this for streams that never connected.
func (s *SQLiteStore) DeleteStaleCallSessions(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM call_sessions WHERE created_at < ?`, fmtTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("deleting stale call sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking affected rows: %w", err)
	}
	return int(n), nil
}
