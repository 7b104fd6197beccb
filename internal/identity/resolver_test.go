// ABOUTME: Tests for the identity resolver
// ABOUTME: Verifies stable identity across repeated and concurrent resolves

package identity

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpmesh/omnigate/internal/store"
)

func newTestResolver(t *testing.T) (*Resolver, store.Store, string) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	companyID := uuid.New().String()
	require.NoError(t, st.CreateCompany(context.Background(), &store.Company{
		ID:     companyID,
		Name:   "Test Co",
		Status: store.CompanyStatusActive,
	}))

	return NewResolver(st, slog.Default()), st, companyID
}

func TestResolve_SameIdentityReturnsSameUser(t *testing.T) {
	r, _, companyID := newTestResolver(t)
	ctx := context.Background()

	first, err := r.Resolve(ctx, companyID, "whatsapp", "15550001111", "Jo")
	require.NoError(t, err)

	second, err := r.Resolve(ctx, companyID, "whatsapp", "15550001111", "Jo")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestResolve_DistinctChannelsAreDistinctUsers(t *testing.T) {
	r, _, companyID := newTestResolver(t)
	ctx := context.Background()

	wa, err := r.Resolve(ctx, companyID, "whatsapp", "777", "Ada")
	require.NoError(t, err)

	tg, err := r.Resolve(ctx, companyID, "telegram", "777", "Ada")
	require.NoError(t, err)

	assert.NotEqual(t, wa.ID, tg.ID, "same native ID on different channels is a different person")
}

func TestResolve_Concurrent(t *testing.T) {
	r, _, companyID := newTestResolver(t)
	ctx := context.Background()

	const workers = 12
	ids := make([]string, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := r.Resolve(ctx, companyID, "telegram", "42", "Racer")
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = u.ID
		}()
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Equal(t, ids[0], ids[i], "concurrent resolves must converge on one identity")
	}
}

func TestResolve_FirstContactStampsCreatedAt(t *testing.T) {
	r, _, companyID := newTestResolver(t)
	ctx := context.Background()

	first, err := r.Resolve(ctx, companyID, "whatsapp", "15550002222", "Sam")
	require.NoError(t, err)
	require.False(t, first.CreatedAt.IsZero(), "first contact must persist a creation time")
	assert.WithinDuration(t, time.Now(), first.CreatedAt, time.Minute)

	// A later contact advances last-seen but keeps the original creation time.
	again, err := r.Resolve(ctx, companyID, "whatsapp", "15550002222", "Sam")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt.UTC(), again.CreatedAt.UTC())
}

func TestResolve_EmptyNamePreservesStored(t *testing.T) {
	r, _, companyID := newTestResolver(t)
	ctx := context.Background()

	_, err := r.Resolve(ctx, companyID, "whatsapp", "111", "Named User")
	require.NoError(t, err)

	u, err := r.Resolve(ctx, companyID, "whatsapp", "111", "")
	require.NoError(t, err)

	assert.Equal(t, "Named User", u.DisplayName)
}
