package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"entitlementd/internal/config"
	apperrors "entitlementd/internal/errors"
	"entitlementd/internal/license"
	"entitlementd/internal/middleware"
	"entitlementd/internal/session"
	api "entitlementd/pkg/contracts/api/v1"
	"entitlementd/pkg/contracts/domain"
)

// SessionService is the part of session.Manager the control API drives
type SessionService interface {
	Snapshot() session.Snapshot
	RefreshArmed() bool
	Refresh(ctx context.Context) session.RefreshResult
	Logout(ctx context.Context, keepLocal bool)
	StartLogin(ctx context.Context) (string, error)
	CompleteLogin(ctx context.Context, token string) (session.Snapshot, error)
	ActivateLicense(ctx context.Context, key string) (session.Snapshot, error)
	DeactivateDevice(ctx context.Context)
	LicenseRecord(ctx context.Context) (*domain.LicenseRecord, error)
}

// SessionHandler serves the auth and license endpoints
type SessionHandler struct {
	service   SessionService
	validator *middleware.Validator
	errors    *apperrors.ErrorHandler
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(service SessionService, validator *middleware.Validator, errHandler *apperrors.ErrorHandler, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		service:   service,
		validator: validator,
		errors:    errHandler,
		logger:    logger.With(slog.String("handler", "session")),
		tracer:    otel.Tracer("session-handler"),
		now:       time.Now,
	}
}

// AuthRoutes returns the /api/auth router. Routes that change the session
// are wrapped in guard.
func (h *SessionHandler) AuthRoutes(guard func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.GetStatus)
	r.Group(func(r chi.Router) {
		r.Use(guard)
		r.Post("/login", h.StartLogin)
		r.Post("/login/complete", h.CompleteLogin)
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)
	})
	return r
}

// LicenseRoutes returns the /api/license router
func (h *SessionHandler) LicenseRoutes(guard func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(guard)
		r.Post("/activate", h.Activate)
		r.Post("/deactivate", h.Deactivate)
	})
	return r
}

// GetStatus handles GET /api/auth/status
func (h *SessionHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := h.status(ctx, h.service.Snapshot())

	rec, err := h.service.LicenseRecord(ctx)
	if err != nil {
		// status stays useful without the record
		h.logger.WarnContext(ctx, "license record unavailable", slog.String("error", err.Error()))
	} else {
		resp.License = h.licenseInfo(rec)
	}

	render.JSON(w, r, resp)
}

// StartLogin handles POST /api/auth/login
func (h *SessionHandler) StartLogin(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "session_handler.start_login")
	defer span.End()

	url, err := h.service.StartLogin(ctx)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	render.JSON(w, r, api.LoginStartResponse{URL: url})
}

// CompleteLogin handles POST /api/auth/login/complete
func (h *SessionHandler) CompleteLogin(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "session_handler.complete_login")
	defer span.End()

	var req api.LoginCompleteRequest
	if err := h.validator.DecodeAndValidate(w, r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}

	snap, err := h.service.CompleteLogin(ctx, req.Token)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}

	h.logger.InfoContext(ctx, "login completed via control API", slog.String("tier", string(snap.Tier())))
	render.JSON(w, r, h.status(ctx, snap))
}

// Activate handles POST /api/license/activate
func (h *SessionHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "session_handler.activate")
	defer span.End()

	var req api.LicenseActivateRequest
	if err := h.validator.DecodeAndValidate(w, r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}
	span.SetAttributes(attribute.String("license.key_masked", license.MaskKey(req.LicenseKey)))

	snap, err := h.service.ActivateLicense(ctx, req.LicenseKey)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}

	resp := h.status(ctx, snap)
	if rec, err := h.service.LicenseRecord(ctx); err == nil {
		resp.License = h.licenseInfo(rec)
	}
	render.JSON(w, r, resp)
}

// Refresh handles POST /api/auth/refresh. A refresh that could not verify
// is still a 200; Updated reports whether the state changed.
func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "session_handler.refresh")
	defer span.End()

	res := h.service.Refresh(ctx)
	if res.Err != nil {
		h.fail(w, r, span, res.Err)
		return
	}

	outcome := "unchanged"
	if res.Verification.Error != "" || res.Verification.Valid {
		outcome = res.Verification.Outcome()
	}
	span.SetAttributes(
		attribute.Bool("refresh.updated", res.Updated),
		attribute.String("refresh.outcome", outcome),
	)

	render.JSON(w, r, api.RefreshResponse{
		Updated: res.Updated,
		Outcome: outcome,
		State:   h.status(ctx, res.Snapshot),
	})
}

// Logout handles POST /api/auth/logout. The body is optional.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "session_handler.logout")
	defer span.End()

	var req api.LogoutRequest
	if r.ContentLength > 0 {
		if err := h.validator.DecodeAndValidate(w, r, &req); err != nil {
			h.fail(w, r, span, err)
			return
		}
	}
	span.SetAttributes(attribute.Bool("logout.keep_local", req.KeepLocal))

	h.service.Logout(ctx, req.KeepLocal)
	render.JSON(w, r, h.status(ctx, h.service.Snapshot()))
}

// Deactivate handles POST /api/license/deactivate
func (h *SessionHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "session_handler.deactivate")
	defer span.End()

	h.service.DeactivateDevice(ctx)
	render.JSON(w, r, h.status(ctx, h.service.Snapshot()))
}

// Feature returns the handler for GET /api/features/{name}. It is mounted
// behind middleware.RequireTier, so reaching it means access was granted.
func (h *SessionHandler) Feature(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, api.FeatureResponse{
			Feature: name,
			Allowed: true,
			Tier:    h.service.Snapshot().Tier(),
		})
	}
}

func (h *SessionHandler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	return h.tracer.Start(r.Context(), name,
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("request_id", middleware.GetRequestID(r.Context())),
			attribute.String("component", "session_handler"),
		),
	)
}

// fail renders err as problem details. Device-limit refusals carry the
// server's limit so the UI can show it.
func (h *SessionHandler) fail(w http.ResponseWriter, r *http.Request, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	ctx := r.Context()
	reqID := middleware.GetRequestID(ctx)

	level := slog.LevelWarn
	if errors.Is(err, apperrors.ErrStoreUnavailable) {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, "session request failed",
		slog.String("error", err.Error()),
		slog.String("request_id", reqID),
		slog.String("path", r.URL.Path),
	)

	problem := h.errors.ErrorToProblem(err, r)
	var rejection *session.RejectionError
	if errors.As(err, &rejection) && rejection.Kind == license.ErrorDeviceLimit {
		problem.WithExtension("max_devices", rejection.MaxDevices)
	}
	if reqID != "" {
		problem.WithExtension("trace_id", reqID)
	}
	_ = render.Render(w, r, problem)
}

func (h *SessionHandler) status(ctx context.Context, snap session.Snapshot) api.StatusResponse {
	resp := api.StatusResponse{
		Status:       string(snap.Status),
		User:         snap.User,
		IsLoggedIn:   snap.IsLoggedIn,
		IsPro:        snap.IsPro,
		Tier:         snap.Tier(),
		Optimistic:   snap.Optimistic,
		RefreshArmed: h.service.RefreshArmed(),
		Message:      statusMessage(snap),
		UpdatedAt:    snap.UpdatedAt,
	}
	if snap.Rejection != nil {
		resp.Rejection = string(snap.Rejection.Kind)
		resp.MaxDevices = snap.Rejection.MaxDevices
	}
	return resp
}

// statusMessage is the user-facing hint for states that need action
func statusMessage(snap session.Snapshot) string {
	if snap.Rejection != nil {
		switch snap.Rejection.Kind {
		case license.ErrorDeviceLimit:
			return config.MsgDeviceLimit
		case license.ErrorInvalidKey:
			return config.MsgLicenseInvalid
		case license.ErrorExpired:
			return config.MsgLicenseExpired
		}
	}
	switch snap.Status {
	case session.StatusExpired:
		return config.MsgLicenseExpired
	case session.StatusAnonymous:
		return config.MsgNotLoggedIn
	}
	return ""
}

func (h *SessionHandler) licenseInfo(rec *domain.LicenseRecord) *api.LicenseInfo {
	if rec == nil || rec.LicenseKey == "" {
		return nil
	}
	info := &api.LicenseInfo{
		MaskedKey:   license.MaskKey(rec.LicenseKey),
		Type:        rec.Type,
		ExpiresAt:   rec.ExpiresAt,
		DaysLeft:    rec.DaysLeft(h.now()),
		MaxDevices:  rec.MaxDevices,
		DeviceCount: rec.DeviceCount,
	}
	if rec.Cache != nil {
		verifiedAt := rec.Cache.VerifiedAt
		info.VerifiedAt = &verifiedAt
	}
	return info
}
