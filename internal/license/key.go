package license

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"

	apperrors "entitlementd/internal/errors"
)

var keyPattern = regexp.MustCompile(`^[A-Z0-9]+(-[A-Z0-9]+)*$`)

const minKeyChars = 8

// NormalizeKey upper-cases a user-typed license key and strips whitespace.
// Dashes are kept since the server matches on the printed form.
func NormalizeKey(key string) (string, error) {
	normalized := strings.ToUpper(strings.Join(strings.Fields(key), ""))
	if !keyPattern.MatchString(normalized) {
		return "", fmt.Errorf("%w: %q", apperrors.ErrInvalidLicenseFormat, MaskKey(normalized))
	}
	if len(strings.ReplaceAll(normalized, "-", "")) < minKeyChars {
		return "", fmt.Errorf("%w: too short", apperrors.ErrInvalidLicenseFormat)
	}
	return normalized, nil
}

// MaskKey hides all but the first and last four characters
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// maskEmail keeps the domain for support correlation
func maskEmail(email string) string {
	if email == "" {
		return ""
	}

	at := strings.Index(email, "@")
	if at == -1 {
		return "****"
	}

	username, domain := email[:at], email[at:]
	if len(username) <= 2 {
		return "**" + domain
	}
	return username[:1] + "****" + username[len(username)-1:] + domain
}

// hashKey is a short stable digest for correlating logs and spans
func hashKey(key string) string {
	if key == "" {
		return ""
	}
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", h)[:16]
}
