package http

import (
	"bytes"
	"encoding/csv"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	apperrors "entitlementd/internal/errors"
	"entitlementd/internal/exporter"
	"entitlementd/internal/middleware"
	"entitlementd/pkg/contracts/domain"
)

func newExportRouter(svc SessionService) chi.Router {
	logger := quietLogger()
	h := NewSessionHandler(svc, middleware.NewValidator(logger), apperrors.NewErrorHandler(logger), logger)
	h.now = func() time.Time { return testNow }

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Get("/api/features/export", h.Export)
	return r
}

func exportRecord() *domain.LicenseRecord {
	expires := testNow.Add(30 * 24 * time.Hour)
	return &domain.LicenseRecord{
		LicenseKey: "ABCD-1234-EFGH-5678",
		Type:       domain.LicenseTypeYearly,
		ExpiresAt:  &expires,
		MaxDevices: 3,
	}
}

func TestExportCSV(t *testing.T) {
	svc := new(MockSessionService)
	svc.On("Snapshot").Return(proSnapshot())
	svc.On("LicenseRecord", mock.Anything).Return(exportRecord(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/features/export", nil)
	rec := httptest.NewRecorder()
	newExportRouter(svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), exporter.FormatCSV.Filename(testNow))

	body := bytes.TrimPrefix(rec.Body.Bytes(), []byte{0xEF, 0xBB, 0xBF})
	rows, err := csv.NewReader(bytes.NewReader(body)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, exporter.Headers, rows[0])
	assert.Equal(t, "AUTHENTICATED", rows[1][1])
	assert.NotContains(t, rec.Body.String(), "ABCD-1234-EFGH-5678")
	svc.AssertExpectations(t)
}

func TestExportXLSX(t *testing.T) {
	svc := new(MockSessionService)
	svc.On("Snapshot").Return(proSnapshot())
	svc.On("LicenseRecord", mock.Anything).Return(exportRecord(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/features/export?format=xlsx", nil)
	rec := httptest.NewRecorder()
	newExportRouter(svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, exporter.FormatXLSX.ContentType(), rec.Header().Get("Content-Type"))

	f, err := excelize.OpenReader(rec.Body)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(exporter.SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "yearly", rows[1][7])
}

func TestExportErrors(t *testing.T) {
	t.Run("unknown format", func(t *testing.T) {
		svc := new(MockSessionService)
		rec, body := doRequest(t, newExportRouter(svc), http.MethodGet, "/api/features/export?format=pdf", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_REQUEST", body["error_code"])
		svc.AssertNotCalled(t, "LicenseRecord", mock.Anything)
	})

	t.Run("store unavailable", func(t *testing.T) {
		svc := new(MockSessionService)
		svc.On("LicenseRecord", mock.Anything).
			Return(nil, errors.Join(apperrors.ErrStoreUnavailable, errors.New("locked")))

		rec, _ := doRequest(t, newExportRouter(svc), http.MethodGet, "/api/features/export", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
