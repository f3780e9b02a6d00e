// Package config provides centralized configuration management for entitlementd.
//
// # Configuration Sources
//
// Values are resolved in the following order, later sources winning:
//
//	1. Default() values
//	2. An optional YAML file (ENTITLEMENT_CONFIG_FILE, ./entitlement.yaml or ./configs/entitlement.yaml)
//	3. Environment variables prefixed with ENTITLEMENT_
//
// # Environment Variables
//
//	ENTITLEMENT_SERVER_PORT=47820
//	ENTITLEMENT_VERIFIER_VERIFY_URL=https://api.example.com/v1/license/verify
//	ENTITLEMENT_SESSION_REFRESH_INTERVAL=24h
//	ENTITLEMENT_STORAGE_DRIVER=sqlite
//	ENTITLEMENT_LOGGING_LEVEL=debug
//
// Relative directories are anchored at Paths.BaseDir, which defaults to the
// per-user configuration directory.
package config
