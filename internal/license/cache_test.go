package license

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "entitlementd/internal/errors"
	"entitlementd/internal/store"
	"entitlementd/pkg/contracts/domain"
)

type failingStore struct{ store.MemoryStore }

func (f *failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk gone")
}

func TestCache_UserAndToken(t *testing.T) {
	ctx := context.Background()
	c := NewCache(store.NewMemoryStore())

	u, err := c.LoadUser(ctx)
	require.NoError(t, err)
	assert.Nil(t, u)

	want := domain.User{Email: "a@b.com", DisplayName: "A", Tier: domain.TierPro}
	require.NoError(t, c.SaveUser(ctx, want))
	require.NoError(t, c.SaveToken(ctx, "tok"))

	u, err = c.LoadUser(ctx)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.True(t, want.Equal(*u))

	tok, err := c.LoadToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)

	require.NoError(t, c.ClearSession(ctx))
	u, err = c.LoadUser(ctx)
	require.NoError(t, err)
	assert.Nil(t, u)
	tok, err = c.LoadToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestCache_Verification(t *testing.T) {
	ctx := context.Background()
	c := NewCache(store.NewMemoryStore())
	verifiedAt := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	cv := domain.CachedVerification{
		VerifiedAt: verifiedAt,
		Fields:     domain.VerificationFields{Valid: true, Tier: domain.TierPro},
		User:       &domain.User{Email: "a@b.com", Tier: domain.TierPro},
	}
	require.NoError(t, c.SaveVerification(ctx, cv))

	got, err := c.LoadVerification(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, verifiedAt.Equal(got.VerifiedAt))
	assert.Equal(t, domain.TierPro, got.User.Tier)

	require.NoError(t, c.ClearAll(ctx))
	rec, err := c.LoadRecord(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCache_ClearAllRemovesRecord(t *testing.T) {
	ctx := context.Background()
	c := NewCache(store.NewMemoryStore())

	require.NoError(t, c.SaveRecord(ctx, domain.LicenseRecord{
		LicenseKey: "ABCD-1234-EFGH",
		Type:       domain.LicenseTypeYearly,
		Cache:      &domain.CachedVerification{VerifiedAt: time.Now()},
	}))
	require.NoError(t, c.SaveUser(ctx, domain.User{Email: "a@b.com", Tier: domain.TierPro}))

	require.NoError(t, c.ClearAll(ctx))

	rec, err := c.LoadRecord(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
	user, err := c.LoadUser(ctx)
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestCache_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.Set(ctx, KeyRecord, []byte("{not json")))
	c := NewCache(s)

	_, err := c.LoadRecord(ctx)
	assert.Error(t, err)

	require.NoError(t, c.ClearAll(ctx))
	raw, err := s.Get(ctx, KeyRecord)
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestCache_StoreFailure(t *testing.T) {
	c := NewCache(&failingStore{})

	_, err := c.LoadUser(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
}
