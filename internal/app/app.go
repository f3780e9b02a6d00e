package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"entitlementd/internal/config"
	apperrors "entitlementd/internal/errors"
	"entitlementd/internal/infrastructure"
	customMiddleware "entitlementd/internal/middleware"
	"entitlementd/internal/security"
	"entitlementd/internal/session"
	"entitlementd/internal/store"
	handlers "entitlementd/internal/transport/http"
	ws "entitlementd/internal/websocket"
	"entitlementd/pkg/contracts"
	"entitlementd/pkg/contracts/domain"
)

// AppName is used for the derived store secret and startup logs
const AppName = "entitlementd"

// exportFeature downloads the entitlement report instead of a flag
const exportFeature = "export"

// gatedFeatures are the premium features exposed under /api/features
var gatedFeatures = map[string]domain.Tier{
	exportFeature:      domain.TierPro,
	"sync":             domain.TierPro,
	"priority-support": domain.TierLifetime,
}

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Store         store.Store
	Device        *security.Fingerprinter
	Manager       *session.Manager
	Gate          *session.TierGate
	WebSocketHub  *ws.Hub
	Router        *chi.Mux
	Server        *http.Server

	listener net.Listener
	started  chan struct{}
}

// NewApplication loads configuration and logging, then builds the application
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	cfg.LogPathResolution(logger)

	return New(ctx, cfg, logger, Options{})
}

// New wires every component around cfg
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*Application, error) {
	logger.InfoContext(ctx, "Application starting",
		slog.String("name", AppName),
		slog.String("version", contracts.Version),
		slog.String("storage", cfg.Storage.Driver),
	)

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, contracts.Version, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		listener:      opts.Listener,
		started:       make(chan struct{}),
	}

	if err := a.initializeServices(ctx, opts); err != nil {
		_ = otelProviders.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	a.setupRouter()
	a.createServer()
	return a, nil
}

// initializeServices builds the session core, the hub and the tier gate
func (a *Application) initializeServices(ctx context.Context, opts Options) error {
	metrics, err := infrastructure.NewEntitlementMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create entitlement metrics: %w", err)
	}
	hubMetrics, err := ws.NewHubMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create websocket metrics: %w", err)
	}

	core, err := NewCore(ctx, a.Config, a.Logger, metrics, opts)
	if err != nil {
		return err
	}
	a.Store = core.Store
	a.Device = core.Device
	a.Manager = core.Manager

	a.WebSocketHub = ws.NewHub(a.Logger, hubMetrics)
	a.Gate = session.NewTierGate(a.Manager, a.WebSocketHub, a.Logger, metrics)
	return nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() {
	r := chi.NewRouter()
	errorHandler := apperrors.NewErrorHandler(a.Logger)

	// RequestID → RealIP → OTel → Logger → Recoverer
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	// The upgrade needs the raw connection, so /ws sits outside the wrapping middleware
	r.Get(config.WebSocketEndpoint, ws.ServeWS(a.WebSocketHub, a.Config.WebSocket, a.Logger))

	metricsHandler := handlers.NewMetricsHandler(a.OTelProviders.PrometheusHTTP)
	r.Handle(config.MetricsEndpoint, metricsHandler)

	r.Group(func(r chi.Router) {
		otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
		if err != nil {
			a.Logger.Error("Failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
		} else {
			r.Use(otelMiddleware.Handler)
		}
		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(errorHandler.Recoverer)
		r.Use(customMiddleware.SecurityHeaders)
		r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
			AllowedOrigins: a.Config.Security.AllowedOrigins,
		}))
		if a.Config.Security.RateLimit.Enabled {
			r.Use(customMiddleware.NewRateLimiter(
				a.Config.Security.RateLimit.RPS,
				a.Config.Security.RateLimit.Burst,
				a.Logger,
			).Handler)
		}

		healthHandler := handlers.NewHealthHandler(a.Manager, a.Logger)
		r.Get(config.HealthEndpoint, healthHandler.HealthCheck)

		a.setupAPIRoutes(r, errorHandler, healthHandler)
	})

	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	a.Router = r
}

// setupAPIRoutes configures the /api endpoints
func (a *Application) setupAPIRoutes(r chi.Router, errorHandler *apperrors.ErrorHandler, healthHandler *handlers.HealthHandler) {
	sessionHandler := handlers.NewSessionHandler(
		a.Manager,
		customMiddleware.NewValidator(a.Logger),
		errorHandler,
		a.Logger,
	)

	// State-changing calls need the control token and leave an audit trail
	token := customMiddleware.ControlToken(a.Config.Security.ControlToken, a.Logger)
	audit := customMiddleware.AuditLog(a.Logger)
	guard := func(next http.Handler) http.Handler { return token(audit(next)) }

	r.Route(config.APIBasePath, func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Get("/version", healthHandler.Version)
		r.Mount("/auth", sessionHandler.AuthRoutes(guard))
		r.Mount("/license", sessionHandler.LicenseRoutes(guard))

		r.Route("/features", func(r chi.Router) {
			for name, tier := range gatedFeatures {
				handler := sessionHandler.Feature(name)
				if name == exportFeature {
					handler = sessionHandler.Export
				}
				r.With(customMiddleware.RequireTier(a.Gate, a.Manager, tier, name)).
					Get("/"+name, handler)
			}
		})
	})
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         a.Config.Addr(),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Start starts the hub, the HTTP server and the startup session init.
// cancel is called if the server stops on its own.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", AppName),
		slog.String("version", contracts.Version),
		slog.String("addr", a.Server.Addr),
		slog.String("level", a.Config.Logging.Level))

	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.Server.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", a.Server.Addr, err)
		}
	}

	a.WebSocketHub.Start()
	a.WebSocketHub.Attach(a.Manager)

	go func() {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	// The UI can connect while init is still waiting on the network
	go func() {
		defer close(a.started)
		initCtx := infrastructure.WithTraceID(context.WithoutCancel(ctx), infrastructure.GenerateTraceID())
		res := a.Manager.Init(initCtx)
		a.Logger.InfoContext(initCtx, "Startup session init finished",
			slog.String("status", string(res.Status)),
			slog.Bool("ok", res.OK),
			slog.Bool("refresh_armed", a.Manager.RefreshArmed()))
	}()

	return nil
}

// Ready is closed once the startup init has resolved
func (a *Application) Ready() <-chan struct{} {
	return a.started
}

// Stop shuts the application down gracefully
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
	}

	a.Manager.Close()
	a.WebSocketHub.Stop()

	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close error: %w", err))
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	if err := infrastructure.CloseLogFile(); err != nil {
		errs = append(errs, fmt.Errorf("log file close error: %w", err))
	}
	return errors.Join(errs...)
}

// Run runs the application until interrupted
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	<-ctx.Done()
	a.Logger.InfoContext(ctx, "Received shutdown signal")

	return a.Stop(context.WithoutCancel(ctx))
}
