package websocket

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "accessguard/websocket"

// streamMetrics are the hub instruments. Instruments that fail to register
// stay nil and are skipped.
type streamMetrics struct {
	connections metric.Int64Counter
	active      metric.Int64UpDownCounter
	sent        metric.Int64Counter
	dropped     metric.Int64Counter
}

func newStreamMetrics() *streamMetrics {
	meter := otel.Meter(meterName)
	m := &streamMetrics{}
	m.connections, _ = meter.Int64Counter("websocket_connections_total",
		metric.WithDescription("Evidence stream connections accepted"))
	m.active, _ = meter.Int64UpDownCounter("websocket_connections_active",
		metric.WithDescription("Evidence stream connections currently open"))
	m.sent, _ = meter.Int64Counter("websocket_messages_sent_total",
		metric.WithDescription("Messages queued to stream clients"))
	m.dropped, _ = meter.Int64Counter("websocket_messages_dropped_total",
		metric.WithDescription("Messages dropped because a client or the hub was saturated"))
	return m
}

func (m *streamMetrics) connected(ctx context.Context) {
	if m.connections != nil {
		m.connections.Add(ctx, 1)
	}
	if m.active != nil {
		m.active.Add(ctx, 1)
	}
}

func (m *streamMetrics) disconnected(ctx context.Context) {
	if m.active != nil {
		m.active.Add(ctx, -1)
	}
}

func (m *streamMetrics) delivered(ctx context.Context, msgType string, n int) {
	if m.sent != nil && n > 0 {
		m.sent.Add(ctx, int64(n), metric.WithAttributes(attribute.String("type", msgType)))
	}
}

func (m *streamMetrics) drop(ctx context.Context, reason string) {
	if m.dropped != nil {
		m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}
