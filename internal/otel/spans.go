package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for swarmd spans.
var (
	AttrAgentID    = attribute.Key("swarmd.agent.id")
	AttrTaskID     = attribute.Key("swarmd.task.id")
	AttrSessionID  = attribute.Key("swarmd.session.id")
	AttrResourceID = attribute.Key("swarmd.lock.resource")
	AttrChannel    = attribute.Key("swarmd.message.channel")
	AttrCheckpoint = attribute.Key("swarmd.checkpoint.type")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (notification sink).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
