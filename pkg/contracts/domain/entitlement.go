// Package domain contains the core domain models for entitlementd.
// These types are shared by the session manager, the verifier, the cache and
// every transport that reports entitlement to the outside world.
package domain

import (
	"strings"
	"time"
)

// StalenessWindow is how long a cached verification may be trusted for
// optimistic offline display.
const StalenessWindow = 7 * 24 * time.Hour

// Tier represents the access level of a user
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierLifetime Tier = "lifetime"
)

// ParseTier converts a server or persisted value into a Tier.
// Unknown values map to TierFree.
func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pro", "premium", "yearly", "subscription", "monthly":
		return TierPro
	case "lifetime":
		return TierLifetime
	default:
		return TierFree
	}
}

// Rank orders tiers for minimum-tier checks
func (t Tier) Rank() int {
	switch t {
	case TierLifetime:
		return 2
	case TierPro:
		return 1
	default:
		return 0
	}
}

// IsPaid reports whether the tier unlocks premium features
func (t Tier) IsPaid() bool {
	return t == TierPro || t == TierLifetime
}

// Satisfies reports whether t grants at least the minimum tier
func (t Tier) Satisfies(minimum Tier) bool {
	return t.Rank() >= minimum.Rank()
}

// User is the active identity. It is always replaced as a whole value.
type User struct {
	Email       string `json:"email" validate:"omitempty,email"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Tier        Tier   `json:"tier"`
}

// Equal reports whether two users carry identical values
func (u User) Equal(other User) bool {
	return u == other
}

// LicenseType is the kind of a legacy license key
type LicenseType string

const (
	LicenseTypeYearly   LicenseType = "yearly"
	LicenseTypeLifetime LicenseType = "lifetime"
)

// ParseLicenseType normalizes server license types. Subscription spellings map to yearly.
func ParseLicenseType(s string) LicenseType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lifetime":
		return LicenseTypeLifetime
	case "":
		return ""
	default:
		return LicenseTypeYearly
	}
}

// Tier returns the tier granted by a license of this type
func (t LicenseType) Tier() Tier {
	switch t {
	case LicenseTypeLifetime:
		return TierLifetime
	case LicenseTypeYearly:
		return TierPro
	default:
		return TierFree
	}
}

// DefaultMaxDevices is used when the server omits the device limit
func (t LicenseType) DefaultMaxDevices() int {
	if t == LicenseTypeLifetime {
		return 2
	}
	return 3
}

// VerificationFields are the normalized fields of a verification response
type VerificationFields struct {
	Valid       bool        `json:"valid"`
	Tier        Tier        `json:"tier,omitempty"`
	Type        LicenseType `json:"type,omitempty"`
	Email       string      `json:"email,omitempty"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
	MaxDevices  int         `json:"max_devices,omitempty"`
	DeviceCount int         `json:"device_count,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// CachedVerification is the last known verification result
type CachedVerification struct {
	VerifiedAt time.Time          `json:"verified_at"`
	Fields     VerificationFields `json:"fields"`
	User       *User              `json:"user,omitempty"`
}

// Age returns how old the verification is at now
func (c *CachedVerification) Age(now time.Time) time.Duration {
	return now.Sub(c.VerifiedAt)
}

// IsFresh reports whether the cache is inside the staleness window
func (c *CachedVerification) IsFresh(now time.Time, window time.Duration) bool {
	if c == nil || c.VerifiedAt.IsZero() {
		return false
	}
	return c.Age(now) <= window
}

// Trusted reports whether the cache may back an optimistic authenticated display
func (c *CachedVerification) Trusted(now time.Time, window time.Duration) bool {
	return c.IsFresh(now, window) && c.Fields.Valid && c.User != nil
}

// LicenseRecord is the persisted legacy license plus its cached verification.
// Login-based sessions keep a record with an empty key to hold the cache.
type LicenseRecord struct {
	LicenseKey  string              `json:"license_key,omitempty"`
	Type        LicenseType         `json:"type,omitempty"`
	Email       string              `json:"email,omitempty"`
	ExpiresAt   *time.Time          `json:"expires_at,omitempty"`
	MaxDevices  int                 `json:"max_devices,omitempty"`
	DeviceCount int                 `json:"device_count,omitempty"`
	Cache       *CachedVerification `json:"cache,omitempty"`
}

// DaysLeft returns the whole days until expiry, or -1 when the license does not expire
func (r *LicenseRecord) DaysLeft(now time.Time) int {
	if r == nil || r.ExpiresAt == nil {
		return -1
	}
	if now.After(*r.ExpiresAt) {
		return 0
	}
	return int(r.ExpiresAt.Sub(now).Hours() / 24)
}
