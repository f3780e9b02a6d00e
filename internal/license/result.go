package license

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"entitlementd/pkg/contracts/domain"
)

// ErrorKind enumerates why a verification did not succeed
type ErrorKind string

const (
	ErrorNone        ErrorKind = ""
	ErrorInvalidKey  ErrorKind = "INVALID_KEY"
	ErrorExpired     ErrorKind = "EXPIRED"
	ErrorCancelled   ErrorKind = "CANCELLED"
	ErrorDeviceLimit ErrorKind = "DEVICE_LIMIT"
	ErrorNetwork     ErrorKind = "NETWORK_ERROR"
)

// Authoritative reports whether the server actually decided the outcome.
// NETWORK_ERROR is the only non-authoritative kind.
func (k ErrorKind) Authoritative() bool {
	return k != ErrorNone && k != ErrorNetwork
}

// ParseErrorKind maps server error strings onto the five kinds.
// Anything unrecognised is an INVALID_KEY.
func ParseErrorKind(s string) ErrorKind {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)

	switch norm {
	case "EXPIRED", "LICENSE_EXPIRED", "SUBSCRIPTION_EXPIRED":
		return ErrorExpired
	case "CANCELLED", "CANCELED", "REVOKED", "SUBSCRIPTION_CANCELLED", "SUBSCRIPTION_CANCELED":
		return ErrorCancelled
	case "DEVICE_LIMIT", "DEVICE_LIMIT_REACHED", "TOO_MANY_DEVICES", "MAX_DEVICES":
		return ErrorDeviceLimit
	case "NETWORK_ERROR", "NETWORK", "TIMEOUT", "SERVER_ERROR":
		return ErrorNetwork
	default:
		return ErrorInvalidKey
	}
}

// Result is the outcome of one verification. Valid and Error are exclusive:
// a valid result has ErrorNone, an invalid one always carries a kind.
type Result struct {
	Valid       bool               `json:"valid"`
	Tier        domain.Tier        `json:"tier,omitempty"`
	Type        domain.LicenseType `json:"type,omitempty"`
	Email       string             `json:"email,omitempty"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`
	MaxDevices  int                `json:"max_devices,omitempty"`
	DeviceCount int                `json:"device_count,omitempty"`
	User        *domain.User       `json:"user,omitempty"`
	Error       ErrorKind          `json:"error,omitempty"`
	Message     string             `json:"message,omitempty"`
}

// NetworkFailure builds the NETWORK_ERROR result
func NetworkFailure(format string, args ...interface{}) Result {
	return Result{Error: ErrorNetwork, Message: fmt.Sprintf(format, args...)}
}

// Rejected builds an authoritative failure
func Rejected(kind ErrorKind, maxDevices int) Result {
	return Result{Error: kind, MaxDevices: maxDevices}
}

// Fields returns the normalized fields stored with a cached verification
func (r Result) Fields() domain.VerificationFields {
	return domain.VerificationFields{
		Valid:       r.Valid,
		Tier:        r.Tier,
		Type:        r.Type,
		Email:       r.Email,
		ExpiresAt:   r.ExpiresAt,
		MaxDevices:  r.MaxDevices,
		DeviceCount: r.DeviceCount,
		Error:       string(r.Error),
	}
}

// Outcome is the metric/log label for r
func (r Result) Outcome() string {
	if r.Valid {
		return "valid"
	}
	return strings.ToLower(string(r.Error))
}

// wireResponse accepts every field spelling the verification servers have used
type wireResponse struct {
	Valid *bool `json:"valid"`

	Type             string `json:"type"`
	LicenseType      string `json:"licenseType"`
	LicenseTypeSnake string `json:"license_type"`
	Tier             string `json:"tier"`

	Email              string `json:"email"`
	CustomerEmail      string `json:"customerEmail"`
	CustomerEmailSnake string `json:"customer_email"`

	ExpiresAt      flexTime `json:"expiresAt"`
	ExpiresAtSnake flexTime `json:"expires_at"`

	MaxDevices       flexInt `json:"maxDevices"`
	MaxDevicesSnake  flexInt `json:"max_devices"`
	DeviceCount      flexInt `json:"deviceCount"`
	DeviceCountSnake flexInt `json:"device_count"`

	User *wireUser `json:"user"`

	Error   string `json:"error"`
	Message string `json:"message"`
}

type wireUser struct {
	Email            string `json:"email"`
	Name             string `json:"name"`
	DisplayName      string `json:"displayName"`
	DisplayNameSnake string `json:"display_name"`
	Avatar           string `json:"avatar"`
	AvatarURL        string `json:"avatarUrl"`
	AvatarURLSnake   string `json:"avatar_url"`
	Picture          string `json:"picture"`
	Tier             string `json:"tier"`
}

// ParseResponse converts a verification response body into a Result.
// Bodies that are not JSON objects, or that state neither validity nor an
// error, are NETWORK_ERROR: they say nothing authoritative. Optional fields
// with unreadable values are left unset.
func ParseResponse(body []byte) Result {
	res, _ := parseResponse(body)
	return res
}

// parseResponse is ParseResponse plus the names of optional fields that
// were present but unreadable
func parseResponse(body []byte) (Result, []string) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return NetworkFailure("malformed verification response"), nil
	}

	var w wireResponse
	if err := json.Unmarshal(body, &w); err != nil {
		return NetworkFailure("malformed verification response: %v", err), nil
	}
	ignored := w.unreadable()

	licenseType := domain.ParseLicenseType(firstNonEmpty(w.Type, w.LicenseType, w.LicenseTypeSnake))
	maxDevices := w.MaxDevices.or(w.MaxDevicesSnake)

	switch {
	case w.Valid != nil && *w.Valid:
		// fall through to the valid branch below
	case w.Error != "" || w.Valid != nil:
		return Result{
			Error:      ParseErrorKind(w.Error),
			MaxDevices: maxDevices,
			Message:    w.Message,
		}, ignored
	default:
		return NetworkFailure("verification response has neither valid nor error"), ignored
	}

	user := w.User.toDomain()

	tier := domain.TierFree
	switch {
	case strings.TrimSpace(w.Tier) != "":
		tier = domain.ParseTier(w.Tier)
	case user != nil && strings.TrimSpace(w.User.Tier) != "":
		tier = user.Tier
	case licenseType != "":
		tier = licenseType.Tier()
	}
	if licenseType == "" && tier == domain.TierLifetime {
		licenseType = domain.LicenseTypeLifetime
	}

	if maxDevices <= 0 {
		if tier == domain.TierLifetime {
			maxDevices = domain.LicenseTypeLifetime.DefaultMaxDevices()
		} else {
			maxDevices = licenseType.DefaultMaxDevices()
		}
	}

	email := firstNonEmpty(w.Email, w.CustomerEmail, w.CustomerEmailSnake)
	if email == "" && user != nil {
		email = user.Email
	}
	if user != nil {
		if user.Email == "" {
			user.Email = email
		}
		user.Tier = tier
	}

	return Result{
		Valid:       true,
		Tier:        tier,
		Type:        licenseType,
		Email:       email,
		ExpiresAt:   w.ExpiresAt.or(w.ExpiresAtSnake),
		MaxDevices:  maxDevices,
		DeviceCount: w.DeviceCount.or(w.DeviceCountSnake),
		User:        user,
	}, ignored
}

// unreadable lists the optional fields whose values could not be decoded
func (w *wireResponse) unreadable() []string {
	var names []string
	for name, bad := range map[string]bool{
		"expiresAt":    w.ExpiresAt.bad != "",
		"expires_at":   w.ExpiresAtSnake.bad != "",
		"maxDevices":   w.MaxDevices.bad != "",
		"max_devices":  w.MaxDevicesSnake.bad != "",
		"deviceCount":  w.DeviceCount.bad != "",
		"device_count": w.DeviceCountSnake.bad != "",
	} {
		if bad {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (u *wireUser) toDomain() *domain.User {
	if u == nil {
		return nil
	}
	return &domain.User{
		Email:       strings.TrimSpace(u.Email),
		DisplayName: firstNonEmpty(u.DisplayName, u.DisplayNameSnake, u.Name),
		AvatarURL:   firstNonEmpty(u.AvatarURL, u.AvatarURLSnake, u.Avatar, u.Picture),
		Tier:        domain.ParseTier(u.Tier),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// flexInt accepts a JSON number or a numeric string. Anything else is
// kept in bad and the value stays unset.
type flexInt struct {
	value int
	set   bool
	bad   string
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(strings.Trim(string(b), `"`))
	if s == "" || s == "null" {
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		f.bad = string(b)
		return nil
	}
	f.value, f.set = int(n), true
	return nil
}

func (f flexInt) or(other flexInt) int {
	if f.set {
		return f.value
	}
	return other.value
}

// timeLayouts are the string forms servers have sent for expiry dates
var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// flexTime accepts RFC 3339 strings, plain dates, or epoch milliseconds.
// Anything else is kept in bad and the time stays unset.
type flexTime struct {
	t   *time.Time
	bad string
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		return nil
	}

	if !strings.HasPrefix(s, `"`) {
		ms, err := strconv.ParseFloat(s, 64)
		if err != nil || ms <= 0 {
			f.bad = s
			return nil
		}
		t := time.UnixMilli(int64(ms)).UTC()
		f.t = &t
		return nil
	}

	s = strings.Trim(s, `"`)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			f.t = &t
			return nil
		}
	}
	f.bad = string(b)
	return nil
}

func (f flexTime) or(other flexTime) *time.Time {
	if f.t != nil {
		return f.t
	}
	return other.t
}
