package exporter

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"entitlementd/internal/license"
	"entitlementd/internal/session"
	"entitlementd/pkg/contracts/domain"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func licensedReport(t *testing.T) Report {
	t.Helper()
	expires := testNow.Add(30 * 24 * time.Hour)
	verified := testNow.Add(-time.Hour)

	snap := session.Snapshot{
		Status:     session.StatusAuthenticated,
		User:       &domain.User{Email: "ana@example.com", Tier: domain.TierPro},
		IsLoggedIn: true,
		IsPro:      true,
	}
	rec := &domain.LicenseRecord{
		LicenseKey:  "ABCD-1234-EFGH-5678",
		Type:        domain.LicenseTypeYearly,
		ExpiresAt:   &expires,
		MaxDevices:  3,
		DeviceCount: 1,
		Cache:       &domain.CachedVerification{VerifiedAt: verified},
	}
	return NewReport(snap, rec, testNow)
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    Format
		wantErr bool
	}{
		{input: "", want: FormatCSV},
		{input: "CSV", want: FormatCSV},
		{input: " xlsx ", want: FormatXLSX},
		{input: "pdf", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatMetadata(t *testing.T) {
	assert.Equal(t, "entitlement-20260310-120000.csv", FormatCSV.Filename(testNow))
	assert.Equal(t, "entitlement-20260310-120000.xlsx", FormatXLSX.Filename(testNow))
	assert.Contains(t, FormatCSV.ContentType(), "text/csv")
	assert.Contains(t, FormatXLSX.ContentType(), "spreadsheetml")
}

func TestNewReport(t *testing.T) {
	t.Run("licensed", func(t *testing.T) {
		r := licensedReport(t)
		assert.Equal(t, session.StatusAuthenticated, r.Status)
		assert.Equal(t, domain.TierPro, r.Tier)
		assert.Equal(t, license.MaskKey("ABCD-1234-EFGH-5678"), r.MaskedKey)
		assert.Equal(t, 30, r.DaysLeft)
		require.NotNil(t, r.VerifiedAt)

		row := r.Record()
		require.Len(t, row, len(Headers))
		assert.Equal(t, "2026-03-10T12:00:00Z", row[0])
		assert.Equal(t, "ana@example.com", row[2])
		assert.NotContains(t, row, "ABCD-1234-EFGH-5678")
	})

	t.Run("anonymous without record", func(t *testing.T) {
		r := NewReport(session.Snapshot{Status: session.StatusAnonymous}, nil, testNow)
		row := r.Record()
		assert.Equal(t, "ANONYMOUS", row[1])
		assert.Equal(t, "free", row[3])
		assert.Equal(t, "-1", row[9])
		assert.Equal(t, "", row[12])
	})

	t.Run("rejection is carried", func(t *testing.T) {
		snap := session.Snapshot{
			Status:    session.StatusAnonymous,
			Rejection: &session.Rejection{Kind: license.ErrorDeviceLimit, MaxDevices: 2},
		}
		r := NewReport(snap, nil, testNow)
		assert.Equal(t, "DEVICE_LIMIT", r.Rejection)
	})
}

func TestWriteReportCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatCSV, licensedReport(t)))

	data := buf.Bytes()
	require.True(t, bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}), "missing BOM")

	rows, err := csv.NewReader(bytes.NewReader(data[3:])).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Headers, rows[0])
	assert.Equal(t, "AUTHENTICATED", rows[1][1])
	assert.Equal(t, "yearly", rows[1][7])
}

func TestWriteCSVWithoutBOM(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, WriteOptions{
		Headers: []string{"a", "b"},
		Records: [][]string{{"1", "with,comma"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,\"with,comma\"\n", buf.String())
}

func TestWriteReportXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatXLSX, licensedReport(t)))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetName}, f.GetSheetList())

	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Headers, rows[0])
	assert.Equal(t, "ana@example.com", rows[1][2])

	panes, err := f.GetPanes(SheetName)
	require.NoError(t, err)
	assert.True(t, panes.Freeze)
}

func TestWriteUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, Write(&buf, Format("pdf"), Report{}))
}
