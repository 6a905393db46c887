package telemetry

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ship-commander/mlaunch/internal/launcherr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
)

// RunRequest describes one CLI launch run.
type RunRequest struct {
	Command  string
	Platform string
	DeviceID string
	RunID    string
}

// Run tracks one mlaunch.run span lifecycle.
type Run struct {
	span      trace.Span
	startedAt time.Time

	mu     sync.Mutex
	stages int
	ended  bool
}

type runContextKey struct{}

// StartRun starts an mlaunch.run span and returns a context carrying the tracker.
func StartRun(ctx context.Context, req RunRequest) (context.Context, *Run) {
	if ctx == nil {
		ctx = context.Background()
	}

	attrs := []attribute.KeyValue{
		attribute.String("command", normalizeOrUnknown(req.Command)),
		attribute.String("platform", normalizeOrUnknown(req.Platform)),
	}
	if deviceID := strings.TrimSpace(req.DeviceID); deviceID != "" {
		attrs = append(attrs, attribute.String("device_id", deviceID))
	}
	if runID := strings.TrimSpace(req.RunID); runID != "" {
		attrs = append(attrs, attribute.String("run_id", runID))
	}

	spanCtx, span := otel.Tracer("mlaunch/telemetry").Start(ctx, "mlaunch.run", trace.WithAttributes(attrs...))
	run := &Run{span: span, startedAt: time.Now()}
	return context.WithValue(spanCtx, runContextKey{}, run), run
}

// RunFromContext returns the run tracker if one exists on the context.
func RunFromContext(ctx context.Context) *Run {
	if ctx == nil {
		return nil
	}
	run, ok := ctx.Value(runContextKey{}).(*Run)
	if !ok {
		return nil
	}
	return run
}

// TraceID returns the hex trace id of the run span.
func (r *Run) TraceID() string {
	if r == nil || r.span == nil {
		return ""
	}
	spanContext := r.span.SpanContext()
	if !spanContext.HasTraceID() {
		return ""
	}
	return spanContext.TraceID().String()
}

// RecordStage adds a launch.stage event to the run span.
func (r *Run) RecordStage(stage, status, detail string) {
	if r == nil || r.span == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}
	r.stages++

	attrs := []attribute.KeyValue{
		attribute.String("stage", normalizeOrUnknown(stage)),
		attribute.String("status", normalizeOrUnknown(status)),
	}
	if detail = strings.TrimSpace(detail); detail != "" {
		attrs = append(attrs, attribute.String("detail", redactSecrets(detail)))
	}
	r.span.AddEvent("launch.stage", trace.WithAttributes(attrs...))
}

// End finalizes the run span with its duration, stage count and outcome.
func (r *Run) End(err error) {
	if r == nil || r.span == nil {
		return
	}

	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	stages := r.stages
	r.mu.Unlock()

	durationMS := time.Since(r.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}
	r.span.SetAttributes(
		attribute.Int64("duration_ms", durationMS),
		attribute.Int("stage_events", stages),
	)

	if err != nil {
		if kind, ok := launcherr.KindOf(err); ok {
			r.span.SetAttributes(
				attribute.Int("error_code", int(kind)),
				attribute.String("error_kind", kind.Name()),
			)
		}
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, redactSecrets(err.Error()))
	} else {
		r.span.SetStatus(codes.Ok, "launch completed")
	}
	r.span.End()
}

func redactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
