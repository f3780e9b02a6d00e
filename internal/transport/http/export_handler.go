package http

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	apperrors "entitlementd/internal/errors"
	"entitlementd/internal/exporter"
)

// Export handles GET /api/features/export. The tier check happens in
// middleware; ?format=csv|xlsx picks the encoding.
func (h *SessionHandler) Export(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "session_handler.export")
	defer span.End()

	format, err := exporter.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.fail(w, r, span, apperrors.InvalidRequestWithError(err))
		return
	}
	span.SetAttributes(attribute.String("export.format", string(format)))

	rec, err := h.service.LicenseRecord(ctx)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}

	now := h.now()
	report := exporter.NewReport(h.service.Snapshot(), rec, now)

	// buffered so an encoding failure can still become a problem response
	var buf bytes.Buffer
	if err := exporter.Write(&buf, format, report); err != nil {
		h.fail(w, r, span, fmt.Errorf("export report: %w", err))
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", format.Filename(now)))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.WarnContext(ctx, "export write interrupted", slog.String("error", err.Error()))
	}
}
