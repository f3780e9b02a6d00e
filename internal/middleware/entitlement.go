package middleware

import (
	"context"
	"net/http"

	"github.com/go-chi/render"

	apperrors "entitlementd/internal/errors"
	"entitlementd/internal/session"
	"entitlementd/pkg/contracts/domain"
)

// Gate is the tier check used by RequireTier
type Gate interface {
	RequireTier(ctx context.Context, minimum domain.Tier, feature string) bool
}

// RequireTier rejects requests with 402 problem details unless the current
// session holds at least minimum. The gate also raises the upsell prompt.
func RequireTier(gate Gate, state session.StateReader, minimum domain.Tier, feature string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if gate.RequireTier(r.Context(), minimum, feature) {
				next.ServeHTTP(w, r)
				return
			}

			problem := apperrors.NewUpgradeRequired(feature, string(minimum), string(state.Snapshot().Tier()), r.URL.Path)
			if reqID := GetRequestID(r.Context()); reqID != "" {
				problem.WithExtension("trace_id", reqID)
			}
			_ = render.Render(w, r, problem)
		})
	}
}
