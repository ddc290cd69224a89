package license

import (
	"context"
	"log/slog"

	"accessguard/internal/infrastructure"
)

func (m *Manager) logAction(ctx context.Context, level slog.Level, action, msg string, attrs ...slog.Attr) {
	all := make([]slog.Attr, 0, len(attrs)+3)
	all = append(all,
		slog.String("action", action),
		slog.String("component", "license_manager"),
	)
	if traceID := infrastructure.TraceIDFromContext(ctx); traceID != "" {
		all = append(all, slog.String("otel_trace_id", traceID))
	}
	all = append(all, attrs...)
	m.logger.LogAttrs(ctx, level, msg, all...)
}

func (m *Manager) logInfo(ctx context.Context, action, msg string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelInfo, action, msg, attrs...)
}

func (m *Manager) logWarn(ctx context.Context, action, msg string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelWarn, action, msg, attrs...)
}

func (m *Manager) logError(ctx context.Context, action, msg string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelError, action, msg, attrs...)
}
