package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"entitlementd/internal/config"
	"entitlementd/internal/infrastructure"
	"entitlementd/internal/license"
	"entitlementd/internal/security"
	"entitlementd/internal/session"
	"entitlementd/internal/store"
)

// Options overrides collaborators, mostly for tests
type Options struct {
	Store    store.Store
	Device   session.Device
	Verifier session.Verifier
	Now      func() time.Time
	Listener net.Listener
}

// Core is the session stack without the HTTP surface. The daemon and the
// CLI both build one.
type Core struct {
	Store   store.Store
	Device  *security.Fingerprinter
	Manager *session.Manager
}

// NewCore opens the store and builds the verifier, cache and session manager.
// metrics may be nil.
func NewCore(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *infrastructure.EntitlementMetrics, opts Options) (*Core, error) {
	fp := security.NewFingerprinter(security.SystemSources(), logger)
	var device session.Device = fp
	if opts.Device != nil {
		device = opts.Device
	}

	kv := opts.Store
	if kv == nil {
		secret := cfg.Storage.Secret
		if secret == "" {
			// bound to this machine so a copied store file is unreadable elsewhere
			secret = fp.StoreSecret(AppName)
		}

		var err error
		kv, err = store.Open(ctx, cfg.Storage.Driver, cfg.StorePath(), secret)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Driver, err)
		}
	}

	verifier := opts.Verifier
	if verifier == nil {
		verifier = license.NewVerifier(cfg.Verifier,
			license.WithLogger(logger),
			license.WithMetrics(metrics),
		)
	}

	var login session.LoginStarter
	if cfg.Session.LoginURL != "" {
		bl, err := newBrowserLogin(cfg.Session.LoginURL, device)
		if err != nil {
			_ = kv.Close()
			return nil, err
		}
		login = bl
	}

	manager := session.NewManager(verifier, license.NewCache(kv), device, session.Options{
		RefreshInterval: cfg.Session.RefreshInterval,
		StalenessWindow: cfg.Session.StalenessWindow,
		LoginStarter:    login,
		Logger:          logger,
		Metrics:         metrics,
		Now:             opts.Now,
	})

	return &Core{Store: kv, Device: fp, Manager: manager}, nil
}

// Close stops the periodic refresh and closes the store
func (c *Core) Close() error {
	c.Manager.Close()
	return c.Store.Close()
}
