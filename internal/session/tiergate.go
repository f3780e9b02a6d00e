package session

import (
	"context"
	"log/slog"

	"entitlementd/internal/infrastructure"
	"entitlementd/pkg/contracts/domain"
)

// UpsellRequest describes a denied feature for the UI
type UpsellRequest struct {
	Feature   string      `json:"feature"`
	Required  domain.Tier `json:"required_tier"`
	Current   domain.Tier `json:"current_tier"`
	Status    Status      `json:"status"`
	Rejection *Rejection  `json:"rejection,omitempty"`
}

// Upseller shows an upgrade affordance
type Upseller interface {
	Upsell(ctx context.Context, req UpsellRequest)
}

// StateReader is the read side of the session
type StateReader interface {
	Snapshot() Snapshot
}

// TierGate answers access checks from the published state. It never
// changes state and never panics.
type TierGate struct {
	state   StateReader
	upsell  Upseller
	logger  *slog.Logger
	metrics *infrastructure.EntitlementMetrics
}

// NewTierGate creates a gate; upsell may be nil
func NewTierGate(state StateReader, upsell Upseller, logger *slog.Logger, metrics *infrastructure.EntitlementMetrics) *TierGate {
	return &TierGate{
		state:   state,
		upsell:  upsell,
		logger:  infrastructure.WithComponent(logger, "tier_gate"),
		metrics: metrics,
	}
}

// RequireTier reports whether the current user holds at least minimum.
// On denial the upseller is asked to prompt for feature.
func (g *TierGate) RequireTier(ctx context.Context, minimum domain.Tier, feature string) bool {
	snap := g.state.Snapshot()
	if snap.Allows(minimum) {
		return true
	}

	g.metrics.RecordGateDenial(ctx, feature)
	g.logger.DebugContext(ctx, "Feature gated",
		slog.String("feature", feature),
		slog.String("required", string(minimum)),
		slog.String("current", string(snap.Tier())),
	)

	if g.upsell != nil {
		g.triggerUpsell(ctx, UpsellRequest{
			Feature:   feature,
			Required:  minimum,
			Current:   snap.Tier(),
			Status:    snap.Status,
			Rejection: snap.Rejection,
		})
	}
	return false
}

func (g *TierGate) triggerUpsell(ctx context.Context, req UpsellRequest) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.ErrorContext(ctx, "Upsell handler panicked",
				slog.Any("panic", rec),
				slog.String("feature", req.Feature),
			)
		}
	}()
	g.upsell.Upsell(ctx, req)
}

// UpsellFunc adapts a function to Upseller
type UpsellFunc func(ctx context.Context, req UpsellRequest)

func (f UpsellFunc) Upsell(ctx context.Context, req UpsellRequest) { f(ctx, req) }
