package otelx

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for inboxd spans.
var (
	AttrQueueName   = attribute.Key("inboxd.queue.name")
	AttrCallableID  = attribute.Key("inboxd.callable.id")
	AttrThreadID    = attribute.Key("inboxd.thread.id")
	AttrModelType   = attribute.Key("inboxd.model.type")
	AttrServiceState = attribute.Key("inboxd.service.state")
	AttrFingerprint = attribute.Key("inboxd.dedup.fingerprint")
)

// StartSpan starts an internal span (task execution, dedup lookups, etc.).
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (the websocket
// gateway, a worker's ambient RPC call landing at the host).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (a worker calling the
// local inference server).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
