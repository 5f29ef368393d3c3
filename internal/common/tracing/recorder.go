package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Recorder opens root segments and nested subsegments on a tracer.
type Recorder struct {
	tracer trace.Tracer
}

func NewRecorder(tracer trace.Tracer) *Recorder {
	return &Recorder{tracer: tracer}
}

// Segment is a root span. End must be called exactly once, usually deferred.
type Segment struct {
	span trace.Span
}

func (s *Segment) End() {
	s.span.End()
}

// Subsegment is a child span handed to Capture callbacks.
type Subsegment struct {
	span trace.Span
}

// Annotate sets each key/value pair as a span attribute.
func (s *Subsegment) Annotate(annotations map[string]any) {
	attrs := make([]attribute.KeyValue, 0, len(annotations))
	for key, value := range annotations {
		attrs = append(attrs, toAttribute(key, value))
	}
	s.span.SetAttributes(attrs...)
}

// BeginSegment starts a new root span named name.
func (r *Recorder) BeginSegment(ctx context.Context, name string) (context.Context, *Segment) {
	ctx, span := r.tracer.Start(ctx, name,
		trace.WithNewRoot(),
		trace.WithSpanKind(trace.SpanKindConsumer))
	return ctx, &Segment{span: span}
}

// Capture runs fn inside a child span of the span in ctx. The child span is
// ended on every exit path; a returned error or a panic marks it failed.
func (r *Recorder) Capture(ctx context.Context, name string, fn func(ctx context.Context, subsegment *Subsegment) error) (err error) {
	ctx, span := r.tracer.Start(ctx, name)
	defer func() {
		if p := recover(); p != nil {
			span.SetStatus(codes.Error, fmt.Sprint(p))
			span.End()
			panic(p)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return fn(ctx, &Subsegment{span: span})
}

func toAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}
