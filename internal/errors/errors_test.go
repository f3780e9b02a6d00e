package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIError_Render(t *testing.T) {
	tests := []struct {
		name       string
		apiError   *APIError
		wantStatus int
	}{
		{name: "bad request", apiError: ErrInvalidRequest, wantStatus: http.StatusBadRequest},
		{name: "payment required", apiError: ErrPaymentRequired, wantStatus: http.StatusPaymentRequired},
		{name: "internal", apiError: ErrInternalServer, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/test", nil)

			err := render.Render(w, r, NewErrorResponse(tt.apiError))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, w.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.False(t, body.Success)
			assert.Equal(t, tt.apiError.ErrorCode, body.Error.ErrorCode)
		})
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, ErrRateLimitExceeded)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")
}

func TestProblemDetails_MarshalJSON(t *testing.T) {
	pd := NewProblemDetails(http.StatusForbidden, TypeDeviceLimit, "Device Limit Reached", "limit", "/api/license/activate").
		WithExtension("max_devices", 3)

	data, err := json.Marshal(pd)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, TypeDeviceLimit, got["type"])
	assert.Equal(t, float64(403), got["status"])
	assert.Equal(t, float64(3), got["max_devices"])
	assert.Equal(t, "/api/license/activate", got["instance"])
}

func TestMapEntitlementError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "format", err: ErrInvalidLicenseFormat, wantStatus: http.StatusBadRequest, wantCode: "INVALID_LICENSE_FORMAT"},
		{name: "wrapped not authenticated", err: fmt.Errorf("refresh: %w", ErrNotAuthenticated), wantStatus: http.StatusUnauthorized, wantCode: "NOT_AUTHENTICATED"},
		{name: "no credential", err: ErrNoCredential, wantStatus: http.StatusUnauthorized, wantCode: "NOT_AUTHENTICATED"},
		{name: "expired", err: ErrLicenseExpired, wantStatus: http.StatusForbidden, wantCode: "LICENSE_EXPIRED"},
		{name: "device limit", err: ErrDeviceLimit, wantStatus: http.StatusForbidden, wantCode: "DEVICE_LIMIT"},
		{name: "rejected", err: ErrLicenseRejected, wantStatus: http.StatusForbidden, wantCode: "LICENSE_REJECTED"},
		{name: "network", err: ErrNetworkError, wantStatus: http.StatusServiceUnavailable, wantCode: "NETWORK_ERROR"},
		{name: "store", err: fmt.Errorf("save user: %w", ErrStoreUnavailable), wantStatus: http.StatusInternalServerError, wantCode: "STORE_UNAVAILABLE"},
		{name: "unknown", err: fmt.Errorf("boom"), wantStatus: http.StatusInternalServerError, wantCode: "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rendered := MapEntitlementError(tt.err, "trace-1", "/api/x")
			pd, ok := rendered.(*ProblemDetails)
			require.True(t, ok)
			assert.Equal(t, tt.wantStatus, pd.Status)
			assert.Equal(t, tt.wantCode, pd.Extensions["error_code"])
			assert.Equal(t, "trace-1", pd.Extensions["trace_id"])
		})
	}
}

func TestNewUpgradeRequired(t *testing.T) {
	pd := NewUpgradeRequired("export", "pro", "free", "/api/features/export")

	assert.Equal(t, http.StatusPaymentRequired, pd.Status)
	assert.Equal(t, "pro", pd.Extensions["required_tier"])
	assert.Equal(t, "free", pd.Extensions["current_tier"])
	assert.Contains(t, pd.Detail, "export")
}
