package config

import "time"

// Application defaults
const (
	DefaultPort = 47820

	DefaultVerifyURL     = "https://api.entitlement.local/v1/license/verify"
	DefaultDeactivateURL = "https://api.entitlement.local/v1/license/deactivate"

	DefaultVerifyTimeout   = 10 * time.Second
	DefaultRefreshInterval = 24 * time.Hour
	DefaultStalenessWindow = 7 * 24 * time.Hour
)

// Storage drivers
const (
	StorageDriverFile   = "file"
	StorageDriverSQLite = "sqlite"
)

// API endpoints
const (
	APIBasePath       = "/api"
	HealthEndpoint    = "/healthz"
	MetricsEndpoint   = "/metrics"
	WebSocketEndpoint = "/ws"
)

// User-facing messages
const (
	MsgNotLoggedIn     = "No active session. Sign in or activate a license key."
	MsgLicenseExpired  = "Your license has expired. Renew to keep using premium features."
	MsgLicenseInvalid  = "The license key was not recognized."
	MsgDeviceLimit     = "This license is already active on the maximum number of devices."
	MsgUpgradeRequired = "This feature requires a Pro or Lifetime plan."
)
