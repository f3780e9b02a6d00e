package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"entitlementd/internal/license"
	"entitlementd/pkg/contracts/domain"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fakeVerifier returns scripted results. With hold set, each Verify blocks
// until release is called, after signalling entered.
type fakeVerifier struct {
	mu          sync.Mutex
	result      license.Result
	credentials []string
	calls       atomic.Int32

	hold    bool
	entered chan struct{}
	gate    chan struct{}

	deactivateErr error
	deactivated   []string
}

func newFakeVerifier(res license.Result) *fakeVerifier {
	return &fakeVerifier{
		result:  res,
		entered: make(chan struct{}, 64),
		gate:    make(chan struct{}),
	}
}

func (f *fakeVerifier) Verify(ctx context.Context, credential, fingerprint string) license.Result {
	f.calls.Add(1)
	f.mu.Lock()
	f.credentials = append(f.credentials, credential)
	hold := f.hold
	f.mu.Unlock()

	if hold {
		f.entered <- struct{}{}
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

func (f *fakeVerifier) Deactivate(ctx context.Context, licenseKey, machineID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, licenseKey+"@"+machineID)
	return f.deactivateErr
}

func (f *fakeVerifier) setResult(res license.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = res
}

func (f *fakeVerifier) holdCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = true
}

// release unblocks held calls and stops holding new ones
func (f *fakeVerifier) release(res license.Result) {
	f.mu.Lock()
	f.result = res
	f.hold = false
	f.mu.Unlock()
	close(f.gate)
}

func (f *fakeVerifier) lastCredential() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.credentials) == 0 {
		return ""
	}
	return f.credentials[len(f.credentials)-1]
}

type fakeDevice struct{}

func (fakeDevice) Fingerprint() string { return "fp-0123456789abcdef" }
func (fakeDevice) MachineID() string   { return "0123456789abcdef" }

// recorder collects published events
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Snapshot.Status)
	}
	return out
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func validPro(email string) license.Result {
	return license.Result{
		Valid:      true,
		Tier:       domain.TierPro,
		Type:       domain.LicenseTypeYearly,
		Email:      email,
		MaxDevices: 3,
	}
}

func networkDown() license.Result {
	return license.NetworkFailure("connection refused")
}
