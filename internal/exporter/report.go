package exporter

import (
	"time"

	"entitlementd/internal/license"
	"entitlementd/internal/session"
	"entitlementd/pkg/contracts/domain"
)

// Headers are the report columns, in order
var Headers = []string{
	"generated_at",
	"status",
	"email",
	"tier",
	"optimistic",
	"rejection",
	"license_key",
	"license_type",
	"expires_at",
	"days_left",
	"max_devices",
	"device_count",
	"verified_at",
}

// Report is the exported view of the session. The license key is masked.
type Report struct {
	GeneratedAt time.Time
	Status      session.Status
	Email       string
	Tier        domain.Tier
	Optimistic  bool
	Rejection   string
	MaskedKey   string
	LicenseType domain.LicenseType
	ExpiresAt   *time.Time
	DaysLeft    int
	MaxDevices  int
	DeviceCount int
	VerifiedAt  *time.Time
}

// NewReport combines a snapshot with the stored record, which may be nil
func NewReport(snap session.Snapshot, rec *domain.LicenseRecord, now time.Time) Report {
	r := Report{
		GeneratedAt: now,
		Status:      snap.Status,
		Tier:        snap.Tier(),
		Optimistic:  snap.Optimistic,
		DaysLeft:    -1,
	}
	if snap.User != nil {
		r.Email = snap.User.Email
	}
	if snap.Rejection != nil {
		r.Rejection = string(snap.Rejection.Kind)
	}

	if rec != nil {
		if rec.LicenseKey != "" {
			r.MaskedKey = license.MaskKey(rec.LicenseKey)
			r.LicenseType = rec.Type
			r.ExpiresAt = rec.ExpiresAt
			r.DaysLeft = rec.DaysLeft(now)
			r.MaxDevices = rec.MaxDevices
			r.DeviceCount = rec.DeviceCount
		}
		if rec.Cache != nil && !rec.Cache.VerifiedAt.IsZero() {
			verified := rec.Cache.VerifiedAt
			r.VerifiedAt = &verified
		}
	}
	return r
}

// Record returns the report as one row matching Headers
func (r Report) Record() []string {
	generated := r.GeneratedAt
	return []string{
		formatTime(&generated),
		string(r.Status),
		r.Email,
		string(r.Tier),
		formatBool(r.Optimistic),
		r.Rejection,
		r.MaskedKey,
		string(r.LicenseType),
		formatTime(r.ExpiresAt),
		formatInt(r.DaysLeft),
		formatInt(r.MaxDevices),
		formatInt(r.DeviceCount),
		formatTime(r.VerifiedAt),
	}
}
