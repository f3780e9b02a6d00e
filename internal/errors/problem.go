package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Sentinel errors for operations that fail outside the verification result.
// Verification outcomes themselves are values, not errors.
var (
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrNoCredential         = errors.New("no stored credential")
	ErrInvalidLicenseFormat = errors.New("invalid license key format")
	ErrLicenseExpired       = errors.New("license expired")
	ErrLicenseRejected      = errors.New("license rejected")
	ErrDeviceLimit          = errors.New("device limit reached")
	ErrNetworkError         = errors.New("network error")
	ErrUpgradeRequired      = errors.New("upgrade required")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrLoginUnavailable     = errors.New("login flow unavailable")
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, len(pd.Extensions)+5)
	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	if pd.Extensions == nil {
		pd.Extensions = make(map[string]interface{})
	}
	pd.Extensions[key] = value
	return pd
}

// NewUpgradeRequired is returned by gated routes when the current tier is insufficient
func NewUpgradeRequired(feature, requiredTier, currentTier, instance string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusPaymentRequired,
		TypeUpgradeRequired,
		"Upgrade Required",
		fmt.Sprintf("%s requires the %s tier", feature, requiredTier),
		instance,
	).WithExtension("error_code", "UPGRADE_REQUIRED").
		WithExtension("feature", feature).
		WithExtension("required_tier", requiredTier).
		WithExtension("current_tier", currentTier)
}

// MapEntitlementError maps domain errors to HTTP problem details
func MapEntitlementError(err error, traceID, instance string) render.Renderer {
	var problem *ProblemDetails

	switch {
	case errors.Is(err, ErrInvalidLicenseFormat):
		problem = NewProblemDetails(
			http.StatusBadRequest,
			TypeInvalidLicense,
			"Invalid License Format",
			"License keys contain letters and digits in groups separated by dashes.",
			instance,
		).WithExtension("error_code", "INVALID_LICENSE_FORMAT")

	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrNoCredential):
		problem = NewProblemDetails(
			http.StatusUnauthorized,
			TypeUnauthorized,
			"Not Authenticated",
			"Sign in or activate a license to continue.",
			instance,
		).WithExtension("error_code", "NOT_AUTHENTICATED")

	case errors.Is(err, ErrLicenseExpired):
		problem = NewProblemDetails(
			http.StatusForbidden,
			TypeLicenseExpired,
			"License Expired",
			"Your license has expired. Please renew to continue.",
			instance,
		).WithExtension("error_code", "LICENSE_EXPIRED")

	case errors.Is(err, ErrDeviceLimit):
		problem = NewProblemDetails(
			http.StatusForbidden,
			TypeDeviceLimit,
			"Device Limit Reached",
			"This license is active on the maximum number of devices.",
			instance,
		).WithExtension("error_code", "DEVICE_LIMIT")

	case errors.Is(err, ErrLicenseRejected):
		problem = NewProblemDetails(
			http.StatusForbidden,
			TypeInvalidLicense,
			"License Rejected",
			"The license server rejected this credential.",
			instance,
		).WithExtension("error_code", "LICENSE_REJECTED")

	case errors.Is(err, ErrUpgradeRequired):
		problem = NewProblemDetails(
			http.StatusPaymentRequired,
			TypeUpgradeRequired,
			"Upgrade Required",
			"This feature requires a paid tier.",
			instance,
		).WithExtension("error_code", "UPGRADE_REQUIRED")

	case errors.Is(err, ErrNetworkError):
		problem = NewProblemDetails(
			http.StatusServiceUnavailable,
			TypeNetwork,
			"Network Error",
			"Unable to reach the license server. Please check your connection.",
			instance,
		).WithExtension("error_code", "NETWORK_ERROR")

	case errors.Is(err, ErrLoginUnavailable):
		problem = NewProblemDetails(
			http.StatusServiceUnavailable,
			TypeServiceDown,
			"Login Unavailable",
			"No login handler is configured.",
			instance,
		).WithExtension("error_code", "LOGIN_UNAVAILABLE")

	case errors.Is(err, ErrStoreUnavailable):
		problem = NewProblemDetails(
			http.StatusInternalServerError,
			TypeInternal,
			"Storage Error",
			"Local session storage could not be read or written.",
			instance,
		).WithExtension("error_code", "STORE_UNAVAILABLE")

	default:
		problem = NewProblemDetails(
			http.StatusInternalServerError,
			TypeInternal,
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("error_code", "INTERNAL_ERROR")
	}

	if traceID != "" {
		problem.WithExtension("trace_id", traceID)
	}
	return problem
}
