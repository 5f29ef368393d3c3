package tracing

import (
	"context"
	"log/slog"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// LoggingProcessor writes span start and end events to a logger.
type LoggingProcessor struct {
	logger *slog.Logger
}

func NewLoggingProcessor(logger *slog.Logger) *LoggingProcessor {
	return &LoggingProcessor{logger: logger}
}

func (p *LoggingProcessor) OnStart(_ context.Context, span sdktrace.ReadWriteSpan) {
	p.logger.Debug("span started",
		"name", span.Name(),
		"trace_id", span.SpanContext().TraceID().String(),
		"span_id", span.SpanContext().SpanID().String())
}

func (p *LoggingProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	args := []any{
		"name", span.Name(),
		"trace_id", span.SpanContext().TraceID().String(),
		"span_id", span.SpanContext().SpanID().String(),
		"parent_span_id", span.Parent().SpanID().String(),
		"duration_ms", span.EndTime().Sub(span.StartTime()).Milliseconds(),
		"status", span.Status().Code.String(),
	}
	for _, attr := range span.Attributes() {
		args = append(args, string(attr.Key), attr.Value.Emit())
	}
	p.logger.Info("span ended", args...)
}

func (p *LoggingProcessor) Shutdown(context.Context) error { return nil }

func (p *LoggingProcessor) ForceFlush(context.Context) error { return nil }
