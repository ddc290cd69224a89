package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Attribute names collected by the fingerprint engine.
const (
	AttrRender   = "render"
	AttrGPU      = "gpu"
	AttrLocale   = "locale"
	AttrTimezone = "timezone"
	AttrScreen   = "screen"
	AttrPlatform = "platform"
	AttrCores    = "cores"
	AttrMemory   = "memory"
	AttrTouch    = "touch"
	AttrVendor   = "vendor"
)

// FieldOrder is the canonical serialization order of the attributes.
var FieldOrder = []string{
	AttrRender,
	AttrGPU,
	AttrLocale,
	AttrTimezone,
	AttrScreen,
	AttrPlatform,
	AttrCores,
	AttrMemory,
	AttrTouch,
	AttrVendor,
}

// Sentinels are substituted when an attribute cannot be read.
var Sentinels = map[string]any{
	AttrRender:   "render-unavailable",
	AttrGPU:      "gpu-unavailable",
	AttrLocale:   "und",
	AttrTimezone: "UTC",
	AttrScreen:   "0x0x0",
	AttrPlatform: "unknown-platform",
	AttrCores:    0,
	AttrMemory:   0,
	AttrTouch:    false,
	AttrVendor:   "unknown-vendor",
}

// Components maps attribute names to string, number or bool values.
type Components map[string]any

// DeviceFingerprint represents device identification information
type DeviceFingerprint struct {
	ID         string     `json:"id"`
	Components Components `json:"components"`
	CapturedAt time.Time  `json:"captured_at"`
}

// NewFingerprint builds a fingerprint whose ID is derived from components.
func NewFingerprint(components Components, capturedAt time.Time) *DeviceFingerprint {
	return &DeviceFingerprint{
		ID:         HashComponents(components),
		Components: components,
		CapturedAt: capturedAt,
	}
}

// Probe reads a single environment attribute.
type Probe interface {
	Collect(ctx context.Context, name string) (any, error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context, name string) (any, error)

// Collect calls f.
func (f ProbeFunc) Collect(ctx context.Context, name string) (any, error) {
	return f(ctx, name)
}

// Engine captures device fingerprints
type Engine struct {
	probe    Probe
	logger   *slog.Logger
	now      func() time.Time
	cacheTTL time.Duration

	cacheMutex  sync.RWMutex
	cache       *DeviceFingerprint
	cacheExpiry time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithProbe replaces the host probe.
func WithProbe(p Probe) EngineOption {
	return func(e *Engine) { e.probe = p }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the time source used for CapturedAt and cache expiry.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithCacheTTL caches captures for ttl. Zero disables caching.
func WithCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) { e.cacheTTL = ttl }
}

// NewEngine creates a fingerprint engine reading from the host by default.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		probe:  NewHostProbe(""),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "fingerprint"))
	return e
}

// Capture collects every attribute and derives the fingerprint. It never
// fails: unreadable attributes fall back to their sentinel values.
func (e *Engine) Capture(ctx context.Context) *DeviceFingerprint {
	now := e.now()

	e.cacheMutex.RLock()
	if e.cache != nil && now.Before(e.cacheExpiry) {
		cached := e.cache.clone()
		e.cacheMutex.RUnlock()
		return cached
	}
	e.cacheMutex.RUnlock()

	start := time.Now()
	components := make(Components, len(FieldOrder))
	fallbacks := 0
	for _, name := range FieldOrder {
		value, ok := e.collect(ctx, name)
		if !ok {
			fallbacks++
		}
		components[name] = value
	}

	fp := NewFingerprint(components, now)

	if e.cacheTTL > 0 {
		e.cacheMutex.Lock()
		e.cache = fp.clone()
		e.cacheExpiry = now.Add(e.cacheTTL)
		e.cacheMutex.Unlock()
	}

	e.logger.DebugContext(ctx, "Device fingerprint captured",
		slog.String("fingerprint", fp.ID),
		slog.Int("fallbacks", fallbacks),
		slog.Duration("capture_time", time.Since(start)),
	)
	return fp
}

// ClearCache drops any cached capture.
func (e *Engine) ClearCache() {
	e.cacheMutex.Lock()
	defer e.cacheMutex.Unlock()

	e.cache = nil
	e.cacheExpiry = time.Time{}
}

func (e *Engine) collect(ctx context.Context, name string) (value any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WarnContext(ctx, "Attribute probe panicked, using fallback",
				slog.String("attribute", name),
				slog.Any("panic", r),
			)
			value, ok = Sentinels[name], false
		}
	}()

	v, err := e.probe.Collect(ctx, name)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to read attribute, using fallback",
			slog.String("attribute", name),
			slog.String("error", err.Error()),
		)
		return Sentinels[name], false
	}
	if v == nil {
		return Sentinels[name], false
	}
	return v, true
}

func (fp *DeviceFingerprint) clone() *DeviceFingerprint {
	c := make(Components, len(fp.Components))
	for k, v := range fp.Components {
		c[k] = v
	}
	return &DeviceFingerprint{ID: fp.ID, Components: c, CapturedAt: fp.CapturedAt}
}

// orderedKeys lists FieldOrder keys present in c followed by any extra keys
// in sorted order.
func orderedKeys(c Components) []string {
	keys := make([]string, 0, len(c))
	known := make(map[string]struct{}, len(FieldOrder))
	for _, name := range FieldOrder {
		known[name] = struct{}{}
		if _, ok := c[name]; ok {
			keys = append(keys, name)
		}
	}
	var extra []string
	for k := range c {
		if _, ok := known[k]; !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return append(keys, extra...)
}

// FormatValue renders an attribute value canonically. Numbers format the
// same whether they are ints or float64s decoded from JSON.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.FormatInt(int64(val), 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float32:
		return formatFloat(float64(val))
	case float64:
		return formatFloat(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return formatFloat(f)
		}
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Canonical serializes components as key:value|key:value in field order.
func Canonical(c Components) string {
	keys := orderedKeys(c)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ":" + FormatValue(c[k])
	}
	return strings.Join(parts, "|")
}

// HashComponents returns the hex SHA-256 of the canonical serialization.
func HashComponents(c Components) string {
	sum := sha256.Sum256([]byte(Canonical(c)))
	return hex.EncodeToString(sum[:])
}

// Similarity is the fraction of attributes with equal values over the union
// of attribute names. Two empty sets are identical.
func Similarity(a, b Components) float64 {
	union := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		union[k] = struct{}{}
	}
	for k := range b {
		union[k] = struct{}{}
	}
	if len(union) == 0 {
		return 1
	}

	matches := 0
	for k := range union {
		av, aok := a[k]
		bv, bok := b[k]
		if aok && bok && FormatValue(av) == FormatValue(bv) {
			matches++
		}
	}
	return float64(matches) / float64(len(union))
}

// Diff lists the attribute names whose values differ, in canonical order.
func Diff(a, b Components) []string {
	merged := make(Components, len(a)+len(b))
	for k, v := range a {
		merged[k] = v
	}
	for k, v := range b {
		merged[k] = v
	}
	var changed []string
	for _, k := range orderedKeys(merged) {
		av, aok := a[k]
		bv, bok := b[k]
		if !aok || !bok || FormatValue(av) != FormatValue(bv) {
			changed = append(changed, k)
		}
	}
	return changed
}
