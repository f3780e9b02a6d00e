package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"entitlementd/internal/config"
	"entitlementd/internal/infrastructure"
)

const maxResponseBytes = 1 << 20

// verifyRequest is the body POSTed to the verification endpoint
type verifyRequest struct {
	Credential        string `json:"credential"`
	DeviceFingerprint string `json:"deviceFingerprint"`
}

// deactivateRequest is the body POSTed to the deactivation endpoint
type deactivateRequest struct {
	LicenseKey string `json:"licenseKey"`
	MachineID  string `json:"machineId"`
}

// Verifier talks to the remote license server. It makes exactly one
// attempt per call; retries are left to the next natural trigger.
type Verifier struct {
	verifyURL     string
	deactivateURL string
	userAgent     string
	client        *http.Client
	logger        *slog.Logger
	tracer        trace.Tracer
	metrics       *infrastructure.EntitlementMetrics
}

// Option configures a Verifier
type Option func(*Verifier)

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.client = c }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// WithMetrics records verification metrics
func WithMetrics(m *infrastructure.EntitlementMetrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// WithTracer sets the tracer used for verification spans
func WithTracer(t trace.Tracer) Option {
	return func(v *Verifier) { v.tracer = t }
}

// NewVerifier creates a verifier for the configured endpoints
func NewVerifier(cfg config.VerifierConfig, opts ...Option) *Verifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultVerifyTimeout
	}

	v := &Verifier{
		verifyURL:     cfg.VerifyURL,
		deactivateURL: cfg.DeactivateURL,
		userAgent:     cfg.UserAgent,
		client:        &http.Client{Timeout: timeout},
		tracer:        otel.Tracer("entitlementd/license"),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = infrastructure.WithComponent(v.logger, "license_verifier")
	return v
}

// Verify asks the server whether credential is entitled on this device.
// It never returns an error: every failure to get an authoritative answer,
// including a panic while doing so, becomes a NETWORK_ERROR result.
func (v *Verifier) Verify(ctx context.Context, credential, fingerprint string) (res Result) {
	ctx, span := v.tracer.Start(ctx, "license.verify",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("license.credential_hash", hashKey(credential))),
	)
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			res = NetworkFailure("verification panicked: %v", rec)
			v.logger.ErrorContext(ctx, "Verification panicked",
				slog.Any("panic", rec),
			)
		}

		span.SetAttributes(attribute.String("license.outcome", res.Outcome()))
		if res.Error == ErrorNetwork {
			span.SetStatus(codes.Error, res.Message)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()

		v.metrics.RecordVerification(ctx, res.Outcome(), time.Since(start))
		v.logResult(ctx, res, time.Since(start))
	}()

	payload, err := json.Marshal(verifyRequest{Credential: credential, DeviceFingerprint: fingerprint})
	if err != nil {
		return NetworkFailure("failed to encode request: %v", err)
	}

	status, body, err := v.post(ctx, v.verifyURL, payload)
	if err != nil {
		span.RecordError(err)
		return NetworkFailure("request failed: %v", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", status))

	switch {
	case status >= 500:
		return NetworkFailure("server returned status %d", status)
	case status >= 300:
		// A 4xx is only trusted when it carries an explicit rejection
		parsed := v.parse(ctx, body)
		if parsed.Valid || parsed.Error == ErrorNone {
			return NetworkFailure("server returned status %d", status)
		}
		return parsed
	default:
		return v.parse(ctx, body)
	}
}

// parse decodes the body and logs optional fields that had to be dropped
func (v *Verifier) parse(ctx context.Context, body []byte) Result {
	res, ignored := parseResponse(body)
	if len(ignored) > 0 {
		v.logger.WarnContext(ctx, "Ignoring unreadable fields in verification response",
			slog.Any("fields", ignored),
			slog.String("outcome", res.Outcome()),
		)
	}
	return res
}

// Deactivate releases this device's seat. Failures are returned for
// logging only; callers clear the local session regardless.
func (v *Verifier) Deactivate(ctx context.Context, licenseKey, machineID string) error {
	if v.deactivateURL == "" {
		v.logger.DebugContext(ctx, "No deactivation endpoint configured")
		return nil
	}

	ctx, span := v.tracer.Start(ctx, "license.deactivate", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	payload, err := json.Marshal(deactivateRequest{LicenseKey: licenseKey, MachineID: machineID})
	if err != nil {
		return fmt.Errorf("failed to encode deactivation request: %w", err)
	}

	status, _, err := v.post(ctx, v.deactivateURL, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deactivation request failed: %w", err)
	}
	if status >= 300 {
		span.SetStatus(codes.Error, http.StatusText(status))
		return fmt.Errorf("deactivation returned status %d", status)
	}

	v.logger.InfoContext(ctx, "Device deactivated",
		slog.String("license_key", MaskKey(licenseKey)),
	)
	return nil
}

func (v *Verifier) post(ctx context.Context, url string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if v.userAgent != "" {
		req.Header.Set("User-Agent", v.userAgent)
	}
	if traceID := infrastructure.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (v *Verifier) logResult(ctx context.Context, res Result, elapsed time.Duration) {
	attrs := []slog.Attr{
		slog.String("outcome", res.Outcome()),
		slog.Duration("duration", elapsed),
	}

	switch {
	case res.Valid:
		attrs = append(attrs,
			slog.String("tier", string(res.Tier)),
			slog.String("email", maskEmail(res.Email)),
			slog.Int("max_devices", res.MaxDevices),
		)
		v.logger.LogAttrs(ctx, slog.LevelInfo, "Verification succeeded", attrs...)
	case res.Error == ErrorNetwork:
		attrs = append(attrs, slog.String("reason", res.Message))
		v.logger.LogAttrs(ctx, slog.LevelWarn, "Verification unavailable", attrs...)
	default:
		if res.Error == ErrorDeviceLimit {
			attrs = append(attrs, slog.Int("max_devices", res.MaxDevices))
		}
		v.logger.LogAttrs(ctx, slog.LevelWarn, "Verification rejected", attrs...)
	}
}
