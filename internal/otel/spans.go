package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for pipeline spans.
var (
	AttrBranchID   = attribute.Key("reviewsd.branch.id")
	AttrReviewID   = attribute.Key("reviewsd.review.id")
	AttrTaskID     = attribute.Key("reviewsd.task.id")
	AttrChatID     = attribute.Key("reviewsd.chat.id")
	AttrNewReviews = attribute.Key("reviewsd.ingest.new_reviews")
	AttrQueueLane  = attribute.Key("reviewsd.queue.lane")
)

// StartSpan starts an internal span with common attributes.
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

// StartClientSpan starts a span for an outbound call (upstream API, Telegram).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
