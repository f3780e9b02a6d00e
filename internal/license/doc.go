// Package license verifies credentials against the remote license server
// and persists the last known verification.
//
// Verify never fails with a Go error. Every outcome, including transport
// failure, is a Result value tagged with one of the ErrorKind constants.
// Only NETWORK_ERROR is non-authoritative.
package license
