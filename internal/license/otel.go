package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"accessguard/internal/infrastructure"
)

const (
	TracerName = "accessguard/license"
	MeterName  = "accessguard/license"
)

// LicenseMetrics holds the license manager's instruments.
type LicenseMetrics struct {
	ActivationAttempts metric.Int64Counter
	ActivationFailures metric.Int64Counter
	ActivationDuration metric.Float64Histogram

	ValidationAttempts metric.Int64Counter
	ValidationFailures metric.Int64Counter
	ValidationDuration metric.Float64Histogram

	TamperEvents    metric.Int64Counter
	DeviceLimitHits metric.Int64Counter

	AuthorityRequests metric.Int64Counter
	AuthorityFailures metric.Int64Counter
}

// InitializeLicenseMetrics creates the instruments on meter.
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	m := &LicenseMetrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.ActivationAttempts, "license_activation_attempts_total", "Total number of license activation attempts"},
		{&m.ActivationFailures, "license_activation_failures_total", "Total number of failed license activations"},
		{&m.ValidationAttempts, "license_validation_attempts_total", "Total number of license validations"},
		{&m.ValidationFailures, "license_validation_failures_total", "Total number of validations that did not end valid"},
		{&m.TamperEvents, "license_tamper_events_total", "Stored licenses rejected by decryption or integrity check"},
		{&m.DeviceLimitHits, "license_device_limit_total", "Validations refused because every device slot was taken"},
		{&m.AuthorityRequests, "license_authority_requests_total", "Requests sent to the license authority"},
		{&m.AuthorityFailures, "license_authority_failures_total", "Failed requests to the license authority"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.ActivationDuration, err = meter.Float64Histogram(
		"license_activation_duration_seconds",
		metric.WithDescription("License activation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}

	m.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	return m, nil
}

func (m *Manager) recordActivationMetrics(ctx context.Context, duration time.Duration, err error) {
	if m.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Bool("success", err == nil),
		attribute.String("error_type", classifyLicenseError(err)),
	)
	m.metrics.ActivationAttempts.Add(ctx, 1, attrs)
	m.metrics.ActivationDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.metrics.ActivationFailures.Add(ctx, 1, attrs)
	}
}

func (m *Manager) recordValidationMetrics(ctx context.Context, duration time.Duration, status State) {
	if m.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	m.metrics.ValidationAttempts.Add(ctx, 1, attrs)
	m.metrics.ValidationDuration.Record(ctx, duration.Seconds(), attrs)
	if status != StateValid {
		m.metrics.ValidationFailures.Add(ctx, 1, attrs)
	}
}

func (m *Manager) countTamper(ctx context.Context, reason string) {
	if m.metrics != nil {
		m.metrics.TamperEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (m *Manager) countDeviceLimit(ctx context.Context) {
	if m.metrics != nil {
		m.metrics.DeviceLimitHits.Add(ctx, 1)
	}
}

func (m *Manager) countAuthority(ctx context.Context, action string, err error) {
	if m.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("action", action))
	m.metrics.AuthorityRequests.Add(ctx, 1, attrs)
	if err != nil {
		m.metrics.AuthorityFailures.Add(ctx, 1, attrs)
	}
}

// traceOperation runs fn inside a span named license.<operation>.
func traceOperation(ctx context.Context, operation, licenseKey string, fn func(context.Context) error) error {
	attrs := []attribute.KeyValue{
		attribute.String("license.operation", operation),
		attribute.String("component", "license_manager"),
	}
	if licenseKey != "" {
		attrs = append(attrs, attribute.String("license.key_prefix", MaskKey(licenseKey)))
	}
	ctx, span := otel.Tracer(TracerName).Start(ctx, "license."+operation, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := fn(ctx)

	span.SetAttributes(
		attribute.Float64("license.duration_ms", float64(time.Since(start).Milliseconds())),
		attribute.Bool("license.success", err == nil),
	)
	if err != nil {
		infrastructure.RecordError(ctx, err)
		span.SetAttributes(attribute.String("license.error_type", classifyLicenseError(err)))
		return err
	}
	span.SetStatus(codes.Ok, "")
	if licenseKey != "" {
		infrastructure.AddSpanEvent(ctx, "license."+operation+".success", map[string]interface{}{
			"license_key_hash": hashLicenseKey(licenseKey),
			"audit_category":   "license_security",
		})
	}
	return nil
}
