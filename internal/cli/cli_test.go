package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"entitlementd/internal/app"
	"entitlementd/internal/exporter"
	"entitlementd/internal/license"
	"entitlementd/internal/store"
	api "entitlementd/pkg/contracts/api/v1"
	"entitlementd/pkg/contracts/domain"
)

const goodKey = "ABCD-1234-EFGH-5678"

type stubVerifier struct {
	calls       atomic.Int32
	deactivated atomic.Int32
	offline     atomic.Bool
}

func (v *stubVerifier) Verify(ctx context.Context, credential, fingerprint string) license.Result {
	v.calls.Add(1)
	switch {
	case v.offline.Load():
		return license.NetworkFailure("dial tcp: connection refused")
	case credential == goodKey:
		return license.Result{Valid: true, Tier: domain.TierPro, Type: domain.LicenseTypeYearly, Email: "ana@example.com", MaxDevices: 3}
	default:
		return license.Rejected(license.ErrorInvalidKey, 0)
	}
}

func (v *stubVerifier) Deactivate(ctx context.Context, licenseKey, machineID string) error {
	v.deactivated.Add(1)
	return nil
}

type stubDevice struct{}

func (stubDevice) Fingerprint() string { return "fp-0123456789abcdef" }
func (stubDevice) MachineID() string   { return "0123456789abcdef" }

// harness shares one store across invocations, like the file on disk would
type harness struct {
	t        *testing.T
	verifier *stubVerifier
	opts     app.Options
}

func newHarness(t *testing.T) *harness {
	t.Setenv("ENTITLEMENT_PATHS_BASE_DIR", t.TempDir())
	t.Setenv("ENTITLEMENT_CONFIG_FILE", "")
	v := &stubVerifier{}
	return &harness{
		t:        t,
		verifier: v,
		opts:     app.Options{Store: store.NewMemoryStore(), Verifier: v, Device: stubDevice{}},
	}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCommand(h.opts)
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errOut)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStatusWithoutCredential(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "ANONYMOUS")
	assert.Contains(t, out, "free")
	assert.Equal(t, int32(0), h.verifier.calls.Load())
}

func TestActivateThenStatus(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("activate", "abcd-1234-efgh-5678")
	require.NoError(t, err)
	assert.Contains(t, out, "AUTHENTICATED")
	assert.Contains(t, out, "ABCD****5678")

	out, err = h.run("status", "--json")
	require.NoError(t, err)

	var resp api.StatusResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "AUTHENTICATED", resp.Status)
	assert.Equal(t, domain.TierPro, resp.Tier)
	assert.True(t, resp.IsPro)
	require.NotNil(t, resp.License)
	assert.Equal(t, 3, resp.License.MaxDevices)
}

func TestActivateRejected(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("activate", "ZZZZ-0000-ZZZZ-0000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ZZZZ****0000")
	assert.NotContains(t, err.Error(), "ZZZZ-0000-ZZZZ-0000")
}

func TestStatusOfflineUsesCache(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("activate", goodKey)
	require.NoError(t, err)

	h.verifier.offline.Store(true)
	out, err := h.run("status", "--json")
	require.NoError(t, err)

	var resp api.StatusResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "AUTHENTICATED", resp.Status)
	assert.True(t, resp.IsPro)
}

func TestRefresh(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("refresh")
	require.Error(t, err, "refresh without a credential")

	_, err = h.run("activate", goodKey)
	require.NoError(t, err)

	out, err := h.run("refresh", "--json")
	require.NoError(t, err)
	var resp api.RefreshResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Updated)
	assert.Equal(t, "valid", resp.Outcome)
}

func TestLogout(t *testing.T) {
	t.Run("keep local", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.run("activate", goodKey)
		require.NoError(t, err)

		out, err := h.run("logout", "--keep-local")
		require.NoError(t, err)
		assert.Contains(t, out, "ANONYMOUS")

		// the credential survives, so the next status signs back in
		out, err = h.run("status")
		require.NoError(t, err)
		assert.Contains(t, out, "AUTHENTICATED")
	})

	t.Run("clear", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.run("activate", goodKey)
		require.NoError(t, err)

		_, err = h.run("logout")
		require.NoError(t, err)

		out, err := h.run("status")
		require.NoError(t, err)
		assert.Contains(t, out, "ANONYMOUS")
	})
}

func TestDeactivate(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("activate", goodKey)
	require.NoError(t, err)

	out, err := h.run("deactivate")
	require.NoError(t, err)
	assert.Contains(t, out, "ANONYMOUS")
	assert.Equal(t, int32(1), h.verifier.deactivated.Load())
}

func TestGate(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("gate", "pro", "export")
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Contains(t, out, "export requires the pro tier (current: free)")

	_, err = h.run("activate", goodKey)
	require.NoError(t, err)

	out, err = h.run("gate", "pro", "export")
	require.NoError(t, err)
	assert.Contains(t, out, "export: allowed")

	_, err = h.run("gate", "lifetime", "priority-support")
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = h.run("gate", "gold", "export")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAccessDenied)
}

func TestLoginUnavailable(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("login")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login flow unavailable")
}

func TestLoginStart(t *testing.T) {
	h := newHarness(t)
	t.Setenv("ENTITLEMENT_SESSION_LOGIN_URL", "https://login.example.com/desktop")

	out, err := h.run("login")
	require.NoError(t, err)
	assert.Contains(t, out, "https://login.example.com/desktop?")
	assert.Contains(t, out, "device=0123456789abcdef")
}

func TestExecuteExitCodes(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 1, Execute(context.Background(), []string{"no-such-command"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "unknown command")
}

func TestExport(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("export")
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = h.run("activate", goodKey)
	require.NoError(t, err)

	out, err := h.run("export")
	require.NoError(t, err)
	assert.Contains(t, out, "generated_at,status,email")
	assert.Contains(t, out, "ABCD****5678")
	assert.NotContains(t, out, goodKey)

	path := filepath.Join(t.TempDir(), "report.xlsx")
	_, err = h.run("export", "--format", "xlsx", "--out", path)
	require.NoError(t, err)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(exporter.SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "AUTHENTICATED", rows[1][1])

	_, err = h.run("export", "--format", "pdf")
	require.Error(t, err)
}
