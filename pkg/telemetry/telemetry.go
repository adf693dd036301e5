// Package telemetry implements the Telemetry Sink (C15): an opaque,
// correlation-ID-scoped record of spans and events (spec.md §4.10). The
// spec is explicit that this is an interface only — the content-safety
// subsystem consuming the stream is an external collaborator whose
// behavior this package does not mandate. Grounded on the teacher's
// pkg/observability package header doc (the same RED-pattern recording
// vocabulary: spans, events, correlation-scoped), using log/slog as the
// concrete sink rather than the teacher's full OTel SDK, since no OTLP
// collector is part of this gateway's scope.
package telemetry

import (
	"context"
	"log/slog"
)

// Sink records spans and events, correlation-ID scoped. Implementations
// must not block the calling pipeline stage meaningfully; recording is
// best-effort observability, not a gate.
type Sink interface {
	RecordSpan(ctx context.Context, correlationID, kind string, details map[string]any)
	RecordEvent(ctx context.Context, correlationID, kind string, details map[string]any)
}

// SlogSink logs spans/events as structured log lines via log/slog.
// cmd/gateway uses it when TELEMETRY_LOG is set and NoopSink otherwise.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink builds a SlogSink around logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

func (s *SlogSink) RecordSpan(ctx context.Context, correlationID, kind string, details map[string]any) {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "telemetry_span",
		slog.String("correlation_id", correlationID),
		slog.String("kind", kind),
		slog.Any("details", details),
	)
}

func (s *SlogSink) RecordEvent(ctx context.Context, correlationID, kind string, details map[string]any) {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "telemetry_event",
		slog.String("correlation_id", correlationID),
		slog.String("kind", kind),
		slog.Any("details", details),
	)
}

// NoopSink discards everything; useful where a Sink is required but no
// external collaborator is configured.
type NoopSink struct{}

func (NoopSink) RecordSpan(context.Context, string, string, map[string]any)  {}
func (NoopSink) RecordEvent(context.Context, string, string, map[string]any) {}
