// Package api contains the contract of the local entitlement control API.
// Version v1 is shared by the HTTP handlers and the entitlementctl client.
package api

import (
	"time"

	"entitlementd/pkg/contracts/domain"
)

// Session API Requests

// LoginCompleteRequest carries the token issued by the external login flow
type LoginCompleteRequest struct {
	Token string `json:"token" validate:"required,min=8"`
}

// LogoutRequest represents a logout request
type LogoutRequest struct {
	KeepLocal bool `json:"keep_local"`
}

// License API Requests

// LicenseActivateRequest represents a license activation request
type LicenseActivateRequest struct {
	LicenseKey string `json:"license_key" validate:"required,license_key"`
}

// Session API Responses

// StatusResponse is the current entitlement state
type StatusResponse struct {
	Status       string       `json:"status"`
	User         *domain.User `json:"user,omitempty"`
	IsLoggedIn   bool         `json:"is_logged_in"`
	IsPro        bool         `json:"is_pro"`
	Tier         domain.Tier  `json:"tier"`
	Optimistic   bool         `json:"optimistic,omitempty"`
	Rejection    string       `json:"rejection,omitempty"`
	MaxDevices   int          `json:"max_devices,omitempty"`
	RefreshArmed bool         `json:"refresh_armed"`
	Message      string       `json:"message,omitempty"`
	License      *LicenseInfo `json:"license,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// LicenseInfo summarizes the stored legacy license. The key is masked.
type LicenseInfo struct {
	MaskedKey   string             `json:"masked_key,omitempty"`
	Type        domain.LicenseType `json:"type,omitempty"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`
	DaysLeft    int                `json:"days_left"`
	MaxDevices  int                `json:"max_devices,omitempty"`
	DeviceCount int                `json:"device_count,omitempty"`
	VerifiedAt  *time.Time         `json:"verified_at,omitempty"`
}

// LoginStartResponse points the user at the external login page
type LoginStartResponse struct {
	URL string `json:"url"`
}

// RefreshResponse reports whether a refresh changed the state
type RefreshResponse struct {
	Updated bool           `json:"updated"`
	Outcome string         `json:"outcome"`
	State   StatusResponse `json:"state"`
}

// FeatureResponse is returned by gated feature probes
type FeatureResponse struct {
	Feature string      `json:"feature"`
	Allowed bool        `json:"allowed"`
	Tier    domain.Tier `json:"tier"`
}

// HealthResponse is the daemon health report
type HealthResponse struct {
	Status        string    `json:"status"`
	Version       string    `json:"version"`
	Store         string    `json:"store"`
	SessionStatus string    `json:"session_status"`
	Uptime        string    `json:"uptime"`
	Timestamp     time.Time `json:"timestamp"`
}
