package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Tracer starts spans around pipeline operations. The OTEL
	// implementation delegates to the global TracerProvider so the Temporal
	// interceptors and these spans end up in the same trace.
	Tracer interface {
		Start(ctx context.Context, name string, attrs ...Attr) (context.Context, Span)
	}

	// Span is one live span.
	Span interface {
		// RecordError marks the span failed and records the error.
		RecordError(err error)
		// End finishes the span.
		End()
	}

	// Attr is one span attribute.
	Attr struct {
		K string
		V string
	}

	// OTELTracer wraps OTEL tracing.
	OTELTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}

	noopTracer struct{}

	noopSpan struct{}
)

// NewOTELTracer constructs a Tracer on the global TracerProvider; configure
// it via otel.SetTracerProvider or environment variables like
// OTEL_EXPORTER_OTLP_ENDPOINT.
func NewOTELTracer() Tracer {
	return &OTELTracer{tracer: otel.Tracer("opskb")}
}

// NewNoopTracer returns a Tracer that records nothing.
func NewNoopTracer() Tracer {
	return noopTracer{}
}

// Start opens a span with the given attributes.
func (t *OTELTracer) Start(ctx context.Context, name string, attrs ...Attr) (context.Context, Span) {
	kvs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		kvs[i] = attribute.String(a.K, a.V)
	}
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(kvs...))
	return ctx, &otelSpan{span: span}
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	s.span.End()
}

func (noopTracer) Start(ctx context.Context, _ string, _ ...Attr) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopSpan) RecordError(error) {}
func (noopSpan) End()              {}
