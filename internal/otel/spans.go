package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for depot spans.
var (
	AttrTaskID     = attribute.Key("depot.task.id")
	AttrTaskName   = attribute.Key("depot.task.name")
	AttrWorkerID   = attribute.Key("depot.worker.id")
	AttrGroupID    = attribute.Key("depot.group.id")
	AttrScheduleID = attribute.Key("depot.schedule.id")
	AttrErrorKind  = attribute.Key("depot.error.kind")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
