package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OAuth server instruments. All record methods are safe on
// a nil receiver so instrumentation stays optional at every call site.
type Metrics struct {
	requestDuration     metric.Float64Histogram
	codesIssued         metric.Int64Counter
	codeExchanges       metric.Int64Counter
	tokenRefreshes      metric.Int64Counter
	tokenRevocations    metric.Int64Counter
	familiesRevoked     metric.Int64Counter
	reuseDetected       metric.Int64Counter
	rateLimitRejections metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestDuration, err = meter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("OAuth endpoint request duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("request duration histogram: %w", err)
	}

	if m.codesIssued, err = meter.Int64Counter(
		"oauth.authorization_codes.issued",
		metric.WithDescription("Authorization codes issued after consent"),
	); err != nil {
		return nil, fmt.Errorf("codes issued counter: %w", err)
	}

	if m.codeExchanges, err = meter.Int64Counter(
		"oauth.code_exchanges",
		metric.WithDescription("Authorization code exchange attempts by outcome"),
	); err != nil {
		return nil, fmt.Errorf("code exchanges counter: %w", err)
	}

	if m.tokenRefreshes, err = meter.Int64Counter(
		"oauth.token_refreshes",
		metric.WithDescription("Refresh token rotation attempts by outcome"),
	); err != nil {
		return nil, fmt.Errorf("token refreshes counter: %w", err)
	}

	if m.tokenRevocations, err = meter.Int64Counter(
		"oauth.token_revocations",
		metric.WithDescription("Revocation endpoint calls"),
	); err != nil {
		return nil, fmt.Errorf("token revocations counter: %w", err)
	}

	if m.familiesRevoked, err = meter.Int64Counter(
		"oauth.token_families.revoked",
		metric.WithDescription("Token families revoked after reuse detection"),
	); err != nil {
		return nil, fmt.Errorf("families revoked counter: %w", err)
	}

	if m.reuseDetected, err = meter.Int64Counter(
		"oauth.refresh_token.reuse_detected",
		metric.WithDescription("Rotated refresh tokens presented again"),
	); err != nil {
		return nil, fmt.Errorf("reuse detected counter: %w", err)
	}

	if m.rateLimitRejections, err = meter.Int64Counter(
		"oauth.rate_limit.rejections",
		metric.WithDescription("Requests rejected by the rate limiter"),
	); err != nil {
		return nil, fmt.Errorf("rate limit rejections counter: %w", err)
	}

	return m, nil
}

// RecordRequestDuration records one OAuth endpoint request.
func (m *Metrics) RecordRequestDuration(ctx context.Context, endpoint string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.requestDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.Int("status", status),
		))
}

// RecordCodeIssued counts an authorization code issued after consent.
func (m *Metrics) RecordCodeIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.codesIssued.Add(ctx, 1)
}

// RecordCodeExchange counts a code exchange attempt.
func (m *Metrics) RecordCodeExchange(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.codeExchanges.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTokenRefresh counts a refresh rotation attempt.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTokenRevocation counts a revocation call.
func (m *Metrics) RecordTokenRevocation(ctx context.Context, found bool) {
	if m == nil {
		return
	}
	m.tokenRevocations.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("found", found)))
}

// RecordFamilyRevoked counts a family revocation, with how many tokens fell.
func (m *Metrics) RecordFamilyRevoked(ctx context.Context, tokens int) {
	if m == nil {
		return
	}
	m.familiesRevoked.Add(ctx, 1,
		metric.WithAttributes(attribute.Int("tokens", tokens)))
}

// RecordReuseDetected counts a rotated refresh token being presented again.
func (m *Metrics) RecordReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.reuseDetected.Add(ctx, 1)
}

// RecordRateLimitRejection counts a request turned away by the limiter.
func (m *Metrics) RecordRateLimitRejection(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("endpoint", endpoint)))
}
