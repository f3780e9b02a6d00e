package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	apperrors "entitlementd/internal/errors"
	"entitlementd/internal/license"
	"entitlementd/pkg/contracts/domain"
)

// reconcile applies an Init verification result against what was cached.
//
//	valid          -> overwrite cache, publish AUTHENTICATED
//	EXPIRED        -> publish EXPIRED whatever the cache age
//	NETWORK_ERROR  -> trusted cache: keep the optimistic state; else ANONYMOUS
//	other rejects  -> erase local state, publish ANONYMOUS with the rejection
//
// A fresh cache does not outvote an authoritative rejection.
func (m *Manager) reconcile(ctx context.Context, gen uint64, cred *credential, cached *domain.CachedVerification, res license.Result) {
	switch {
	case res.Valid:
		m.applyValid(ctx, gen, cred, cached, res, true)

	case res.Error == license.ErrorExpired:
		user := expiredUser(cred, cached, res)
		m.commit(gen, func() {
			cv := domain.CachedVerification{VerifiedAt: m.now(), Fields: res.Fields(), User: user}
			if err := m.cache.SaveVerification(ctx, cv); err != nil {
				m.logger.ErrorContext(ctx, "Failed to record expiry", slog.String("error", err.Error()))
			}
			m.scheduler.Stop()
			m.publish(ctx, StatusExpired, user, &Rejection{Kind: license.ErrorExpired}, false, "expired")
		})

	case !res.Error.Authoritative():
		if cached.Trusted(m.now(), m.window) {
			m.logger.WarnContext(ctx, "License server unreachable, keeping cached entitlement",
				slog.String("reason", res.Message),
			)
			m.commit(gen, m.armRefresh)
			return
		}
		m.logger.WarnContext(ctx, "License server unreachable and no usable cache",
			slog.String("reason", res.Message),
			slog.Bool("cache_present", cached != nil),
		)
		m.commit(gen, func() {
			m.publish(ctx, StatusAnonymous, nil, nil, false, "offline")
		})

	default:
		m.logger.WarnContext(ctx, "License server rejected stored credential",
			slog.String("kind", string(res.Error)),
			slog.String("credential", string(cred.kind)),
			slog.Int("max_devices", res.MaxDevices),
		)
		m.commit(gen, func() {
			if err := m.cache.ClearAll(ctx); err != nil {
				m.logger.ErrorContext(ctx, "Failed to erase rejected session", slog.String("error", err.Error()))
			}
			m.scheduler.Stop()
			rejection := &Rejection{Kind: res.Error, MaxDevices: res.MaxDevices}
			m.publish(ctx, StatusAnonymous, nil, rejection, false, strings.ToLower(string(res.Error)))
		})
	}
}

// applyValid persists a valid verification and publishes AUTHENTICATED.
// It reports false when the session was replaced while verifying.
func (m *Manager) applyValid(ctx context.Context, gen uint64, cred *credential, cached *domain.CachedVerification, res license.Result, rearm bool) bool {
	prior := cred.user
	if prior == nil && cached != nil {
		prior = cached.User
	}
	user := mergeUser(res, prior)
	if prior != nil && !prior.Equal(user) {
		m.logger.InfoContext(ctx, "Server updated user",
			slog.String("old_tier", string(prior.Tier)),
			slog.String("new_tier", string(user.Tier)),
		)
	}

	return m.commit(gen, func() {
		switch cred.kind {
		case credentialLogin:
			if err := m.cache.SaveUser(ctx, user); err != nil {
				m.logger.ErrorContext(ctx, "Failed to save user", slog.String("error", err.Error()))
			}
			m.saveVerification(ctx, res, user)
		case credentialLicense:
			rec := recordFrom(*cred.record, res)
			rec.Cache = &domain.CachedVerification{VerifiedAt: m.now(), Fields: res.Fields(), User: &user}
			if err := m.cache.SaveRecord(ctx, rec); err != nil {
				m.logger.ErrorContext(ctx, "Failed to save license record", slog.String("error", err.Error()))
			}
		}

		m.publish(ctx, StatusAuthenticated, &user, nil, false, "verified")
		if rearm {
			m.armRefresh()
		}
	})
}

func (m *Manager) saveVerification(ctx context.Context, res license.Result, user domain.User) {
	cv := domain.CachedVerification{VerifiedAt: m.now(), Fields: res.Fields(), User: &user}
	if err := m.cache.SaveVerification(ctx, cv); err != nil {
		m.logger.ErrorContext(ctx, "Failed to save verification", slog.String("error", err.Error()))
	}
}

// mergeUser builds the new user from a valid result, keeping prior
// display fields the server did not send. The tier always comes from res.
func mergeUser(res license.Result, prior *domain.User) domain.User {
	var u domain.User
	if prior != nil {
		u = *prior
	}
	if res.User != nil {
		if res.User.DisplayName != "" {
			u.DisplayName = res.User.DisplayName
		}
		if res.User.AvatarURL != "" {
			u.AvatarURL = res.User.AvatarURL
		}
	}
	if res.Email != "" {
		u.Email = res.Email
	}
	u.Tier = res.Tier
	return u
}

// expiredUser keeps who the user was but strips the paid tier
func expiredUser(cred *credential, cached *domain.CachedVerification, res license.Result) *domain.User {
	var base *domain.User
	switch {
	case cred.user != nil:
		base = cred.user
	case cached != nil && cached.User != nil:
		base = cached.User
	}

	var u domain.User
	if base != nil {
		u = *base
	}
	if u.Email == "" {
		u.Email = res.Email
	}
	if u.Email == "" && cred.record != nil {
		u.Email = cred.record.Email
	}
	if base == nil && u.Email == "" {
		return nil
	}
	u.Tier = domain.TierFree
	return &u
}

// recordFrom copies the verified license facts onto rec
func recordFrom(rec domain.LicenseRecord, res license.Result) domain.LicenseRecord {
	if res.Type != "" {
		rec.Type = res.Type
	}
	if res.Email != "" {
		rec.Email = res.Email
	}
	rec.ExpiresAt = res.ExpiresAt
	rec.MaxDevices = res.MaxDevices
	rec.DeviceCount = res.DeviceCount
	return rec
}

// RejectionError is returned by interactive operations the server refused.
// It unwraps to the matching sentinel in internal/errors.
type RejectionError struct {
	Kind       license.ErrorKind
	MaxDevices int
}

func (e *RejectionError) Error() string {
	if e.Kind == license.ErrorDeviceLimit {
		return fmt.Sprintf("device limit reached (max %d)", e.MaxDevices)
	}
	return "verification failed: " + strings.ToLower(string(e.Kind))
}

func (e *RejectionError) Unwrap() error {
	switch e.Kind {
	case license.ErrorNetwork:
		return apperrors.ErrNetworkError
	case license.ErrorExpired:
		return apperrors.ErrLicenseExpired
	case license.ErrorDeviceLimit:
		return apperrors.ErrDeviceLimit
	default:
		return apperrors.ErrLicenseRejected
	}
}

func rejectionError(res license.Result) error {
	return &RejectionError{Kind: res.Error, MaxDevices: res.MaxDevices}
}
