// ABOUTME: Identity resolver: maps (company, channel, native sender ID) to a durable end user
// ABOUTME: One atomic upsert, safe under duplicate webhook delivery

package identity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/helpmesh/omnigate/internal/store"
)

// Resolver resolves channel-native sender identities to durable end users.
type Resolver struct {
	store  store.Store
	logger *slog.Logger
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(st store.Store, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:  st,
		logger: logger.With("component", "identity"),
	}
}

// Resolve finds or creates the end user for a channel-native sender. The
// display name is refreshed when the provider supplies one; an empty name
// never clobbers a stored one. Last-seen is always advanced.
func (r *Resolver) Resolve(ctx context.Context, companyID, channel, channelUserID, displayName string) (*store.EndUser, error) {
	now := time.Now()
	u, err := r.store.UpsertEndUser(ctx, &store.EndUser{
		ID:            uuid.New().String(),
		CompanyID:     companyID,
		Channel:       channel,
		ChannelUserID: channelUserID,
		DisplayName:   displayName,
		CreatedAt:     now,
		LastSeenAt:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("resolving end user: %w", err)
	}

	r.logger.Debug("resolved end user",
		"end_user_id", u.ID,
		"channel", channel,
		"company_id", companyID)
	return u, nil
}
