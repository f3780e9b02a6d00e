package license

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "entitlementd/internal/errors"
	"entitlementd/internal/store"
	"entitlementd/pkg/contracts/domain"
)

// Persisted keys
const (
	KeyUser   = "session.user"
	KeyToken  = "session.token"
	KeyRecord = "license.record"
)

// Cache reads and writes the entitlement snapshot through a key-value store.
// Absent keys load as zero values with a nil error.
type Cache struct {
	store store.Store
}

// NewCache creates a cache over s
func NewCache(s store.Store) *Cache {
	return &Cache{store: s}
}

// LoadUser returns the persisted user, or nil
func (c *Cache) LoadUser(ctx context.Context) (*domain.User, error) {
	var u domain.User
	found, err := c.load(ctx, KeyUser, &u)
	if err != nil || !found {
		return nil, err
	}
	return &u, nil
}

// SaveUser persists u as a whole value
func (c *Cache) SaveUser(ctx context.Context, u domain.User) error {
	return c.save(ctx, KeyUser, u)
}

// LoadToken returns the persisted login credential, or ""
func (c *Cache) LoadToken(ctx context.Context) (string, error) {
	raw, err := c.store.Get(ctx, KeyToken)
	if err != nil {
		return "", fmt.Errorf("load %s: %w: %w", KeyToken, apperrors.ErrStoreUnavailable, err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// SaveToken persists the login credential
func (c *Cache) SaveToken(ctx context.Context, token string) error {
	if err := c.store.Set(ctx, KeyToken, []byte(token)); err != nil {
		return fmt.Errorf("save %s: %w: %w", KeyToken, apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

// LoadRecord returns the persisted license record, or nil
func (c *Cache) LoadRecord(ctx context.Context) (*domain.LicenseRecord, error) {
	var rec domain.LicenseRecord
	found, err := c.load(ctx, KeyRecord, &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// SaveRecord persists rec including its embedded verification
func (c *Cache) SaveRecord(ctx context.Context, rec domain.LicenseRecord) error {
	return c.save(ctx, KeyRecord, rec)
}

// LoadVerification returns the cached verification, or nil
func (c *Cache) LoadVerification(ctx context.Context) (*domain.CachedVerification, error) {
	rec, err := c.LoadRecord(ctx)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Cache, nil
}

// SaveVerification replaces the cached verification, creating a
// keyless record when none exists yet
func (c *Cache) SaveVerification(ctx context.Context, cv domain.CachedVerification) error {
	rec, err := c.LoadRecord(ctx)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &domain.LicenseRecord{}
	}
	rec.Cache = &cv
	return c.SaveRecord(ctx, *rec)
}

// ClearSession erases the stored user and login credential
func (c *Cache) ClearSession(ctx context.Context) error {
	if err := c.delete(ctx, KeyUser); err != nil {
		return err
	}
	return c.delete(ctx, KeyToken)
}

// ClearAll erases every key this cache owns
func (c *Cache) ClearAll(ctx context.Context) error {
	if err := c.ClearSession(ctx); err != nil {
		return err
	}
	return c.delete(ctx, KeyRecord)
}

// Ping checks the underlying store
func (c *Cache) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

func (c *Cache) load(ctx context.Context, key string, v interface{}) (bool, error) {
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("load %s: %w: %w", key, apperrors.ErrStoreUnavailable, err)
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (c *Cache) save(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.store.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("save %s: %w: %w", key, apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

func (c *Cache) delete(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w: %w", key, apperrors.ErrStoreUnavailable, err)
	}
	return nil
}
