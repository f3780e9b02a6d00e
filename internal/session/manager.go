// Package session owns the process-wide entitlement state: it initializes
// from the local cache, reconciles with the license server, and keeps the
// session fresh with a periodic refresh.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"entitlementd/internal/config"
	apperrors "entitlementd/internal/errors"
	"entitlementd/internal/infrastructure"
	"entitlementd/internal/license"
	"entitlementd/pkg/contracts/domain"
)

// Verifier checks credentials with the license server
type Verifier interface {
	Verify(ctx context.Context, credential, fingerprint string) license.Result
	Deactivate(ctx context.Context, licenseKey, machineID string) error
}

// Device identifies this machine to the license server
type Device interface {
	Fingerprint() string
	MachineID() string
}

// LoginStarter begins the external browser login. It returns the URL the
// user should be sent to; completion arrives later through CompleteLogin.
type LoginStarter interface {
	StartLogin(ctx context.Context) (string, error)
}

// InitResult is what Init resolved to
type InitResult struct {
	OK           bool            `json:"ok"`
	Status       Status          `json:"status"`
	User         *domain.User    `json:"user,omitempty"`
	Verification *license.Result `json:"verification,omitempty"`
}

// RefreshResult is the outcome of one Refresh. Updated is false whenever
// the state was left untouched.
type RefreshResult struct {
	Updated      bool           `json:"updated"`
	Verification license.Result `json:"verification"`
	Snapshot     Snapshot       `json:"state"`
	Err          error          `json:"-"`
}

// Options configures a Manager
type Options struct {
	RefreshInterval time.Duration
	StalenessWindow time.Duration
	LoginStarter    LoginStarter
	Logger          *slog.Logger
	Metrics         *infrastructure.EntitlementMetrics
	Now             func() time.Time
}

// credentialKind says which model a credential belongs to
type credentialKind string

const (
	credentialLogin   credentialKind = "login"
	credentialLicense credentialKind = "license"
)

// credential is the secret sent for verification plus what was stored with it
type credential struct {
	kind   credentialKind
	value  string
	user   *domain.User
	record *domain.LicenseRecord
}

// Manager is the single writer of entitlement state. Construct one per
// process and pass it to consumers.
type Manager struct {
	verifier Verifier
	cache    *license.Cache
	device   Device
	login    LoginStarter

	state     *State
	scheduler *Scheduler
	flights   singleflight.Group

	logger          *slog.Logger
	metrics         *infrastructure.EntitlementMetrics
	now             func() time.Time
	refreshInterval time.Duration
	window          time.Duration

	// mu orders every state change. generation moves whenever the session
	// is replaced; work started under an older generation is discarded.
	mu         sync.Mutex
	initDone   bool
	initResult InitResult
	generation uint64
}

// NewManager creates a manager in UNINITIALIZED
func NewManager(verifier Verifier, cache *license.Cache, device Device, opts Options) *Manager {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = config.DefaultRefreshInterval
	}
	if opts.StalenessWindow <= 0 {
		opts.StalenessWindow = domain.StalenessWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := infrastructure.WithComponent(opts.Logger, "session_manager")

	return &Manager{
		verifier:        verifier,
		cache:           cache,
		device:          device,
		login:           opts.LoginStarter,
		state:           NewState(logger),
		scheduler:       &Scheduler{},
		logger:          logger,
		metrics:         opts.Metrics,
		now:             opts.Now,
		refreshInterval: opts.RefreshInterval,
		window:          opts.StalenessWindow,
	}
}

// Snapshot returns the published state
func (m *Manager) Snapshot() Snapshot {
	return m.state.Snapshot()
}

// Subscribe registers a listener for state events
func (m *Manager) Subscribe(fn Listener) func() {
	return m.state.Subscribe(fn)
}

// RefreshArmed reports whether the periodic refresh is scheduled
func (m *Manager) RefreshArmed() bool {
	return m.scheduler.Armed()
}

// Init resolves the session once. Concurrent callers share a single
// initialization; after it completes the stored result is returned without
// network I/O until Logout. Network failures never surface as errors.
func (m *Manager) Init(ctx context.Context) InitResult {
	m.mu.Lock()
	if m.initDone {
		r := m.initResult
		m.mu.Unlock()
		return r
	}
	m.mu.Unlock()

	// The shared flight must not die with the first caller's context
	flightCtx := context.WithoutCancel(ctx)
	ch := m.flights.DoChan("init", func() (interface{}, error) {
		// a flight that finished between the check above and DoChan
		m.mu.Lock()
		if m.initDone {
			r := m.initResult
			m.mu.Unlock()
			return r, nil
		}
		m.mu.Unlock()
		return m.runInit(flightCtx), nil
	})

	select {
	case r := <-ch:
		return r.Val.(InitResult)
	case <-ctx.Done():
		snap := m.state.Snapshot()
		return InitResult{OK: snap.Status == StatusAuthenticated, Status: snap.Status, User: snap.User}
	}
}

func (m *Manager) runInit(ctx context.Context) InitResult {
	m.metrics.RecordInitFlight(ctx)
	gen := m.currentGeneration()
	start := time.Now()

	m.commit(gen, func() {
		m.publish(ctx, StatusLoading, nil, nil, false, "")
	})

	cred, cached := m.loadCredential(ctx)
	if cred == nil {
		m.commit(gen, func() {
			m.publish(ctx, StatusAnonymous, nil, nil, false, "no_credential")
		})
		return m.finishInit(gen, nil)
	}

	if cached.Trusted(m.now(), m.window) {
		m.commit(gen, func() {
			m.publish(ctx, StatusAuthenticated, cached.User, nil, true, "cached")
		})
		m.logger.InfoContext(ctx, "Published cached entitlement",
			slog.String("credential", string(cred.kind)),
			slog.Duration("cache_age", cached.Age(m.now())),
		)
	}

	res := m.verifier.Verify(ctx, cred.value, m.device.Fingerprint())
	m.reconcile(ctx, gen, cred, cached, res)

	m.logger.InfoContext(ctx, "Session initialized",
		slog.String("status", string(m.state.Snapshot().Status)),
		slog.String("outcome", res.Outcome()),
		slog.Duration("duration", time.Since(start)),
	)
	return m.finishInit(gen, &res)
}

// finishInit stores the result unless the session was replaced meanwhile
func (m *Manager) finishInit(gen uint64, res *license.Result) InitResult {
	snap := m.state.Snapshot()
	result := InitResult{
		OK:           snap.Status == StatusAuthenticated,
		Status:       snap.Status,
		User:         snap.User,
		Verification: res,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation == gen {
		m.initDone = true
		m.initResult = result
	}
	return result
}

// Refresh re-verifies the current credential. Only a valid result changes
// state; every failure, authoritative or not, is returned as a value and
// left for the next Init to act on. Refresh before Init, or after Logout,
// reports ErrNotAuthenticated.
func (m *Manager) Refresh(ctx context.Context) RefreshResult {
	v, _, _ := m.flights.Do("refresh", func() (interface{}, error) {
		return m.runRefresh(context.WithoutCancel(ctx), "manual"), nil
	})
	return v.(RefreshResult)
}

func (m *Manager) runRefresh(ctx context.Context, trigger string) RefreshResult {
	m.mu.Lock()
	gen, initialized := m.generation, m.initDone
	m.mu.Unlock()
	before := m.state.Snapshot()

	// after Logout the session stays closed until the next Init
	if !initialized {
		m.metrics.RecordRefresh(ctx, trigger, false)
		return RefreshResult{Snapshot: before, Err: apperrors.ErrNotAuthenticated}
	}

	cred, cached := m.loadCredential(ctx)
	if cred == nil {
		m.metrics.RecordRefresh(ctx, trigger, false)
		return RefreshResult{Snapshot: before, Err: apperrors.ErrNoCredential}
	}

	res := m.verifier.Verify(ctx, cred.value, m.device.Fingerprint())
	if !res.Valid {
		m.logger.WarnContext(ctx, "Refresh did not verify, keeping current state",
			slog.String("trigger", trigger),
			slog.String("outcome", res.Outcome()),
			slog.String("status", string(before.Status)),
		)
		m.metrics.RecordRefresh(ctx, trigger, false)
		return RefreshResult{Verification: res, Snapshot: before}
	}

	if !m.applyValid(ctx, gen, cred, cached, res, !m.scheduler.Armed()) {
		m.metrics.RecordRefresh(ctx, trigger, false)
		return RefreshResult{Verification: res, Snapshot: m.state.Snapshot()}
	}

	m.metrics.RecordRefresh(ctx, trigger, true)
	return RefreshResult{Updated: true, Verification: res, Snapshot: m.state.Snapshot()}
}

// Logout ends the session. Unless keepLocal is set the stored credential
// and cached verification are erased. A later Init starts from scratch.
func (m *Manager) Logout(ctx context.Context, keepLocal bool) {
	gen := m.resetSession()
	m.scheduler.Stop()

	m.commit(gen, func() {
		if !keepLocal {
			if err := m.cache.ClearAll(ctx); err != nil {
				m.logger.ErrorContext(ctx, "Failed to clear local session", slog.String("error", err.Error()))
			}
		}
		m.publish(ctx, StatusAnonymous, nil, nil, false, "logout")
	})
	m.logger.InfoContext(ctx, "Logged out", slog.Bool("keep_local", keepLocal))
}

// StartLogin hands off to the external login flow
func (m *Manager) StartLogin(ctx context.Context) (string, error) {
	if m.login == nil {
		return "", apperrors.ErrLoginUnavailable
	}
	url, err := m.login.StartLogin(ctx)
	if err != nil {
		return "", fmt.Errorf("start login: %w", err)
	}
	return url, nil
}

// CompleteLogin verifies the token issued by the login flow and, if the
// server accepts it, makes it the active credential.
func (m *Manager) CompleteLogin(ctx context.Context, token string) (Snapshot, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return m.state.Snapshot(), fmt.Errorf("%w: empty login token", apperrors.ErrNotAuthenticated)
	}

	res := m.verifier.Verify(ctx, token, m.device.Fingerprint())
	if !res.Valid {
		return m.state.Snapshot(), rejectionError(res)
	}

	user := mergeUser(res, nil)
	if claims, ok := parseDisplayClaims(token); ok {
		user = fillDisplay(user, claims)
	}

	gen := m.resetSession()
	var saveErr error
	m.commit(gen, func() {
		if saveErr = m.cache.SaveToken(ctx, token); saveErr != nil {
			return
		}
		if saveErr = m.cache.SaveUser(ctx, user); saveErr != nil {
			return
		}
		m.saveVerification(ctx, res, user)
		m.publish(ctx, StatusAuthenticated, &user, nil, false, "login")
		m.armRefresh()
	})
	if saveErr != nil {
		return m.state.Snapshot(), saveErr
	}
	m.finishInit(gen, &res)

	m.logger.InfoContext(ctx, "Login completed", slog.String("tier", string(user.Tier)))
	return m.state.Snapshot(), nil
}

// ActivateLicense verifies a legacy license key and makes it the active
// credential, replacing any login session.
func (m *Manager) ActivateLicense(ctx context.Context, key string) (Snapshot, error) {
	normalized, err := license.NormalizeKey(key)
	if err != nil {
		return m.state.Snapshot(), err
	}

	res := m.verifier.Verify(ctx, normalized, m.device.Fingerprint())
	if !res.Valid {
		return m.state.Snapshot(), rejectionError(res)
	}

	user := mergeUser(res, nil)
	rec := recordFrom(domain.LicenseRecord{LicenseKey: normalized}, res)
	rec.Cache = &domain.CachedVerification{VerifiedAt: m.now(), Fields: res.Fields(), User: &user}

	gen := m.resetSession()
	var saveErr error
	m.commit(gen, func() {
		if saveErr = m.cache.ClearSession(ctx); saveErr != nil {
			return
		}
		if saveErr = m.cache.SaveRecord(ctx, rec); saveErr != nil {
			return
		}
		m.publish(ctx, StatusAuthenticated, &user, nil, false, "activated")
		m.armRefresh()
	})
	if saveErr != nil {
		return m.state.Snapshot(), saveErr
	}
	m.finishInit(gen, &res)

	m.logger.InfoContext(ctx, "License activated",
		slog.String("license_key", license.MaskKey(normalized)),
		slog.String("type", string(res.Type)),
	)
	return m.state.Snapshot(), nil
}

// DeactivateDevice releases this device's seat on the server, best effort,
// then erases everything stored locally and logs out.
func (m *Manager) DeactivateDevice(ctx context.Context) {
	rec, err := m.cache.LoadRecord(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "Could not read license record for deactivation", slog.String("error", err.Error()))
	}
	if rec != nil && rec.LicenseKey != "" {
		if err := m.verifier.Deactivate(ctx, rec.LicenseKey, m.device.MachineID()); err != nil {
			m.logger.WarnContext(ctx, "Remote deactivation failed, clearing locally",
				slog.String("error", err.Error()),
			)
		}
	}
	m.Logout(ctx, false)
}

// LicenseRecord returns the stored legacy record, if any
func (m *Manager) LicenseRecord(ctx context.Context) (*domain.LicenseRecord, error) {
	return m.cache.LoadRecord(ctx)
}

// Ping checks the local store
func (m *Manager) Ping(ctx context.Context) error {
	return m.cache.Ping(ctx)
}

// Close stops background work
func (m *Manager) Close() {
	m.scheduler.Stop()
}

func (m *Manager) armRefresh() {
	m.scheduler.Arm(m.refreshInterval, func(ctx context.Context) {
		m.runRefresh(ctx, "timer")
	})
}

func (m *Manager) currentGeneration() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// resetSession invalidates in-flight work and the stored init result
func (m *Manager) resetSession() uint64 {
	m.mu.Lock()
	m.generation++
	m.initDone = false
	m.initResult = InitResult{}
	gen := m.generation
	m.mu.Unlock()

	m.flights.Forget("init")
	return gen
}

// commit runs fn under the session lock if gen is still current.
// fn may publish and touch the cache but must not take m.mu.
func (m *Manager) commit(gen uint64, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen {
		return false
	}
	fn()
	return true
}

// loadCredential picks the login token when a user is stored, else the
// legacy license key. Unreadable entries count as absent.
func (m *Manager) loadCredential(ctx context.Context) (*credential, *domain.CachedVerification) {
	rec, err := m.cache.LoadRecord(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "Ignoring unreadable license record", slog.String("error", err.Error()))
		rec = nil
	}
	var cached *domain.CachedVerification
	if rec != nil {
		cached = rec.Cache
	}

	user, err := m.cache.LoadUser(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "Ignoring unreadable user", slog.String("error", err.Error()))
	}
	if user != nil {
		token, err := m.cache.LoadToken(ctx)
		if err != nil {
			m.logger.WarnContext(ctx, "Ignoring unreadable login token", slog.String("error", err.Error()))
		}
		if token != "" {
			return &credential{kind: credentialLogin, value: token, user: user, record: rec}, cached
		}
	}

	if rec != nil && rec.LicenseKey != "" {
		return &credential{kind: credentialLicense, value: rec.LicenseKey, record: rec}, cached
	}
	return nil, cached
}

// publish must run inside commit
func (m *Manager) publish(ctx context.Context, status Status, user *domain.User, rejection *Rejection, optimistic bool, reason string) {
	snap := newSnapshot(status, user, rejection, optimistic, m.now())
	m.state.publish(snap, reason)
	m.metrics.RecordTransition(ctx, string(status))
}
