package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"entitlementd/internal/session"
	"entitlementd/pkg/contracts"
)

type fakeHealthSource struct {
	pingErr error
	snap    session.Snapshot
}

func (f fakeHealthSource) Ping(ctx context.Context) error { return f.pingErr }
func (f fakeHealthSource) Snapshot() session.Snapshot   { return f.snap }

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		source     fakeHealthSource
		wantStatus int
		wantHealth string
		wantStore  string
		wantState  string
	}{
		{
			name:       "healthy anonymous",
			source:     fakeHealthSource{snap: anonymousSnapshot()},
			wantStatus: http.StatusOK,
			wantHealth: "ok",
			wantStore:  "ok",
			wantState:  "ANONYMOUS",
		},
		{
			name:       "healthy authenticated",
			source:     fakeHealthSource{snap: proSnapshot()},
			wantStatus: http.StatusOK,
			wantHealth: "ok",
			wantStore:  "ok",
			wantState:  "AUTHENTICATED",
		},
		{
			name:       "store down",
			source:     fakeHealthSource{pingErr: errors.New("database is locked"), snap: proSnapshot()},
			wantStatus: http.StatusServiceUnavailable,
			wantHealth: "degraded",
			wantStore:  "unavailable",
			wantState:  "AUTHENTICATED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.source, quietLogger())
			rec, body := doRequest(t, http.HandlerFunc(h.HealthCheck), http.MethodGet, "/healthz", "")

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantHealth, body["status"])
			assert.Equal(t, tt.wantStore, body["store"])
			assert.Equal(t, tt.wantState, body["session_status"])
			assert.Equal(t, contracts.Version, body["version"])
		})
	}
}

func TestVersion(t *testing.T) {
	h := NewHealthHandler(fakeHealthSource{}, quietLogger())
	rec, body := doRequest(t, http.HandlerFunc(h.Version), http.MethodGet, "/api/version", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contracts.APIVersion, body["api_version"])
}

func TestMetricsHandler(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewMetricsHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("delegates", func(t *testing.T) {
		exporter := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("# HELP entitlement_verifications_total\n"))
		})
		rec := httptest.NewRecorder()
		NewMetricsHandler(exporter).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "entitlement_verifications_total")
	})
}
