// Package hooks provides production-ready Hook and Logger implementations.
package hooks

import (
	"context"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
)

// ── Structured logger adapter ─────────────────────────────────────────────────

// SlogLogger wraps the standard library slog.Logger to satisfy core.Logger.
type SlogLogger struct {
	log *slog.Logger
}

// NewSlogLogger creates a logger backed by slog.
func NewSlogLogger(l *slog.Logger) *SlogLogger { return &SlogLogger{log: l} }

// NewLogger builds a slog handler for the given level ("debug", "info",
// "warn", "error") and format ("json" or "text").
func NewLogger(w io.Writer, level, format string) *SlogLogger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return NewSlogLogger(slog.New(h))
}

// ParseLevel maps a config string to a slog level; unknown values are Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Slog exposes the underlying slog.Logger.
func (s *SlogLogger) Slog() *slog.Logger { return s.log }

// With returns a logger that adds fields to every record.
func (s *SlogLogger) With(fields ...interface{}) *SlogLogger {
	return &SlogLogger{log: s.log.With(toAttrs(fields)...)}
}

func (s *SlogLogger) Debug(msg string, fields ...interface{}) {
	s.log.Debug(msg, toAttrs(fields)...)
}
func (s *SlogLogger) Info(msg string, fields ...interface{}) {
	s.log.Info(msg, toAttrs(fields)...)
}
func (s *SlogLogger) Warn(msg string, fields ...interface{}) {
	s.log.Warn(msg, toAttrs(fields)...)
}
func (s *SlogLogger) Error(msg string, fields ...interface{}) {
	s.log.Error(msg, toAttrs(fields)...)
}

func toAttrs(fields []interface{}) []any { return fields }

// ── Logging hook ──────────────────────────────────────────────────────────────

// LoggingHook logs before/after each pipeline step.
type LoggingHook struct {
	logger core.Logger
}

// NewLoggingHook creates a LoggingHook.
func NewLoggingHook(l core.Logger) *LoggingHook { return &LoggingHook{logger: l} }

func (h *LoggingHook) BeforeStep(_ context.Context, stepName string, w *core.VariantWork) {
	h.logger.Debug("pipeline.step.start",
		"step", stepName,
		"asset_id", w.AssetID,
		"profile", w.Profile.Name,
	)
}

func (h *LoggingHook) AfterStep(_ context.Context, stepName string, w *core.VariantWork, d time.Duration, err error) {
	if err != nil {
		h.logger.Error("pipeline.step.error",
			"step", stepName,
			"asset_id", w.AssetID,
			"profile", w.Profile.Name,
			"duration_ms", d.Milliseconds(),
			"error", err.Error(),
		)
		return
	}
	fields := []interface{}{
		"step", stepName,
		"asset_id", w.AssetID,
		"profile", w.Profile.Name,
		"duration_ms", d.Milliseconds(),
	}
	if w.Artifact != nil {
		fields = append(fields, "width", w.Artifact.Width, "height", w.Artifact.Height, "bytes", len(w.Artifact.Data))
	}
	if w.Key != "" {
		fields = append(fields, "key", w.Key, "skipped", w.Skipped)
	}
	h.logger.Debug("pipeline.step.done", fields...)
}

// ── In-memory metrics collector ───────────────────────────────────────────────

// InMemoryMetrics accumulates metrics atomically; safe for concurrent use.
type InMemoryMetrics struct {
	mu sync.RWMutex

	stepDurationsMs map[string]int64 // cumulative ms per step
	stepCalls       map[string]int64 // call count per step
	stepErrors      map[string]int64
	errorCategories map[string]int64

	totalThroughputB int64
	assetsProcessed  int64
	assetsFailed     int64
}

// NewInMemoryMetrics creates an empty metrics store.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		stepDurationsMs: make(map[string]int64),
		stepCalls:       make(map[string]int64),
		stepErrors:      make(map[string]int64),
		errorCategories: make(map[string]int64),
	}
}

func (m *InMemoryMetrics) RecordProcessingTime(stepName string, d interface{ Seconds() float64 }) {
	ms := int64(math.Round(d.Seconds() * 1000))
	m.mu.Lock()
	m.stepDurationsMs[stepName] += ms
	m.stepCalls[stepName]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordThroughput(bytes int64) {
	atomic.AddInt64(&m.totalThroughputB, bytes)
}

func (m *InMemoryMetrics) RecordError(stepName string, category string) {
	m.mu.Lock()
	m.stepErrors[stepName]++
	m.errorCategories[category]++
	m.mu.Unlock()
}

// RecordAsset counts one finished asset.
func (m *InMemoryMetrics) RecordAsset(ok bool) {
	if ok {
		atomic.AddInt64(&m.assetsProcessed, 1)
		return
	}
	atomic.AddInt64(&m.assetsFailed, 1)
}

// Snapshot returns a copy of current metrics.
func (m *InMemoryMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		StepDurationsMs:  copyCounts(m.stepDurationsMs),
		StepCalls:        copyCounts(m.stepCalls),
		StepErrors:       copyCounts(m.stepErrors),
		ErrorCategories:  copyCounts(m.errorCategories),
		TotalThroughputB: atomic.LoadInt64(&m.totalThroughputB),
		AssetsProcessed:  atomic.LoadInt64(&m.assetsProcessed),
		AssetsFailed:     atomic.LoadInt64(&m.assetsFailed),
	}
	return snap
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// MetricsSnapshot is an immutable point-in-time copy of metrics.
type MetricsSnapshot struct {
	StepDurationsMs  map[string]int64 `json:"stepDurationsMs"`
	StepCalls        map[string]int64 `json:"stepCalls"`
	StepErrors       map[string]int64 `json:"stepErrors"`
	ErrorCategories  map[string]int64 `json:"errorCategories"`
	TotalThroughputB int64            `json:"totalThroughputBytes"`
	AssetsProcessed  int64            `json:"assetsProcessed"`
	AssetsFailed     int64            `json:"assetsFailed"`
}

// ── Metrics hook ──────────────────────────────────────────────────────────────

// MetricsHook feeds pipeline events into a MetricsCollector.
type MetricsHook struct {
	collector core.MetricsCollector
}

// NewMetricsHook creates a MetricsHook.
func NewMetricsHook(c core.MetricsCollector) *MetricsHook { return &MetricsHook{collector: c} }

func (h *MetricsHook) BeforeStep(_ context.Context, _ string, _ *core.VariantWork) {}

func (h *MetricsHook) AfterStep(_ context.Context, stepName string, w *core.VariantWork, d time.Duration, err error) {
	key := stepName
	if w != nil && w.Profile.Name != "" {
		key = w.Profile.Name + "." + stepName
	}
	h.collector.RecordProcessingTime(key, d)
	if err != nil {
		h.collector.RecordError(key, string(apperrors.CategoryOf(err)))
		return
	}
	if stepName == "upload" && w != nil && w.Artifact != nil && !w.Skipped {
		h.collector.RecordThroughput(int64(len(w.Artifact.Data)))
	}
}

var _ core.Hook = (*LoggingHook)(nil)
var _ core.Hook = (*MetricsHook)(nil)
var _ core.Logger = (*SlogLogger)(nil)
var _ core.MetricsCollector = (*InMemoryMetrics)(nil)
