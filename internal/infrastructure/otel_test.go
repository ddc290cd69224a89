package infrastructure

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"accessguard/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOTelInitialization(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.TraceExporter = "stdout"

	providers, err := InitializeOTel(cfg, quietLogger())
	require.NoError(t, err)

	assert.NotNil(t, providers.TracerProvider)
	assert.NotNil(t, providers.Tracer)
	assert.NotNil(t, providers.MeterProvider)
	assert.NotNil(t, providers.PrometheusHTTP)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, providers.Shutdown(ctx))
}

func TestOTelDisabled(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "none"

	providers, err := InitializeOTel(cfg, quietLogger())
	require.NoError(t, err)
	assert.Nil(t, providers.TracerProvider)
	assert.Nil(t, providers.PrometheusHTTP)
	assert.NotNil(t, providers.Meter)
	assert.NoError(t, providers.Shutdown(context.Background()))
}

func TestOTelUnsupportedExporter(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.TraceExporter = "jaeger"
	_, err := InitializeOTel(cfg, quietLogger())
	assert.Error(t, err)
}

func TestTraceCorrelation(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.TraceExporter = "stdout"
	providers, err := InitializeOTel(cfg, quietLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	ctx, span := otel.Tracer("test").Start(context.Background(), "test-operation")
	defer span.End()

	assert.Equal(t, span.SpanContext().TraceID().String(), TraceIDFromContext(ctx))
	assert.Empty(t, TraceIDFromContext(context.Background()))

	AddSpanEvent(ctx, "test.event", map[string]interface{}{"n": 1, "ok": true, "s": "x", "f": 1.5, "other": []int{1}})
	RecordError(ctx, assert.AnError)
}

func TestPrometheusEndpoint(t *testing.T) {
	providers, err := InitializeOTel(config.Default().Telemetry, quietLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	counter, err := providers.Meter.Int64Counter("test_requests_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	server := httptest.NewServer(providers.PrometheusHTTP)
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "test_requests_total")
}
