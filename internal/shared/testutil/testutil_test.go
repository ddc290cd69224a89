package testutil

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accessguard/internal/evidence"
	"accessguard/internal/license"
)

func TestLogCapture(t *testing.T) {
	logger, logs := NewTestLogger()

	logger.With(slog.String("component", "limiter")).
		WithGroup("decision").
		Warn("Rate limit exceeded, blocking", slog.Int("count", 3))
	logger.Info("started")

	rec := AssertLogged(t, logs, slog.LevelWarn, "Rate limit")
	assert.Equal(t, "limiter", rec.Attrs["component"])
	assert.Equal(t, int64(3), rec.Attrs["decision.count"])

	assert.Len(t, logs.Records(), 2)
	assert.Empty(t, logs.Find(slog.LevelError, "started"))
	AssertNoErrors(t, logs)

	logs.Reset()
	assert.Empty(t, logs.Records())
}

func TestClock(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClock(start)
	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())
}

func TestNewCoreIsWired(t *testing.T) {
	core := NewCore(t, CoreOptions{Limits: map[string]int{"content.copy": 1}})
	ctx := context.Background()

	lic := core.Activate(t, ValidKey)
	assert.Equal(t, license.TierPro, lic.Tier)
	assert.True(t, core.License.HasFeature(ctx, license.FeatureContentExport))

	require.NoError(t, core.Limiter.Check(ctx, "content.copy"))
	require.Error(t, core.Limiter.Check(ctx, "content.copy"))

	assert.Equal(t, []string{evidence.TypeRateLimitExceeded}, core.EntryTypes(t, evidence.LogSecurity))
	entry := core.Entries(t, evidence.LogSecurity)[0]
	assert.Equal(t, core.Identity.CurrentID(), entry.DeviceID)
	assert.Equal(t, core.Clock.Now(), entry.Timestamp)
}
