package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for duelog spans.
var (
	AttrRunID       = attribute.Key("duelog.run.id")
	AttrTheme       = attribute.Key("duelog.run.theme")
	AttrMessageType = attribute.Key("duelog.message.type")
	AttrTurnIndex   = attribute.Key("duelog.message.turn_index")
	AttrHTTPMethod  = attribute.Key("duelog.http.method")
	AttrHTTPRoute   = attribute.Key("duelog.http.route")
	AttrHTTPStatus  = attribute.Key("duelog.http.status")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound HTTP request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
