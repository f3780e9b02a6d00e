package session

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"entitlementd/pkg/contracts/domain"
)

// displayClaims are the profile claims login tokens usually carry
type displayClaims struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	jwt.RegisteredClaims
}

// parseDisplayClaims reads profile fields from a login token without
// verifying its signature. The result is only used to fill display fields
// the license server left empty; entitlement never depends on it.
func parseDisplayClaims(token string) (domain.User, bool) {
	var claims displayClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return domain.User{}, false
	}

	email := strings.TrimSpace(claims.Email)
	if email == "" && strings.Contains(claims.Subject, "@") {
		email = claims.Subject
	}
	return domain.User{
		Email:       email,
		DisplayName: strings.TrimSpace(claims.Name),
		AvatarURL:   strings.TrimSpace(claims.Picture),
	}, true
}

func fillDisplay(u, claims domain.User) domain.User {
	if u.Email == "" {
		u.Email = claims.Email
	}
	if u.DisplayName == "" {
		u.DisplayName = claims.DisplayName
	}
	if u.AvatarURL == "" {
		u.AvatarURL = claims.AvatarURL
	}
	return u
}
