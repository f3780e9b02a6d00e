package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"entitlementd/internal/session"
	"entitlementd/pkg/contracts"
	api "entitlementd/pkg/contracts/api/v1"
)

// HealthSource is what the health check inspects
type HealthSource interface {
	Ping(ctx context.Context) error
	Snapshot() session.Snapshot
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	source  HealthSource
	logger  *slog.Logger
	started time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(source HealthSource, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		source:  source,
		logger:  logger.With(slog.String("handler", "health")),
		started: time.Now(),
	}
}

// HealthCheck handles GET /healthz. An unreachable store is a 503; an
// anonymous or offline session is still healthy.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := api.HealthResponse{
		Status:        "ok",
		Version:       contracts.Version,
		Store:         "ok",
		SessionStatus: string(h.source.Snapshot().Status),
		Uptime:        time.Since(h.started).Round(time.Second).String(),
		Timestamp:     time.Now().UTC(),
	}

	if err := h.source.Ping(ctx); err != nil {
		h.logger.ErrorContext(ctx, "health check: store unreachable", slog.String("error", err.Error()))
		resp.Status = "degraded"
		resp.Store = "unavailable"
		render.Status(r, http.StatusServiceUnavailable)
	}

	render.JSON(w, r, resp)
}

// Version handles GET /api/version
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, contracts.GetVersionInfo())
}
