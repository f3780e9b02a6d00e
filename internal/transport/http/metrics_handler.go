package http

import (
	"net/http"

	apperrors "entitlementd/internal/errors"
)

// MetricsHandler serves the Prometheus scrape endpoint
type MetricsHandler struct {
	exporter http.Handler
}

// NewMetricsHandler wraps the exporter handler. A nil exporter means
// metrics are disabled.
func NewMetricsHandler(exporter http.Handler) *MetricsHandler {
	return &MetricsHandler{exporter: exporter}
}

// ServeHTTP handles GET /metrics
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		apperrors.WriteError(w, apperrors.New(http.StatusNotFound, "METRICS_DISABLED", "Metrics are disabled"))
		return
	}
	h.exporter.ServeHTTP(w, r)
}
