package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for missiond spans.
var (
	AttrMissionID    = attribute.Key("missiond.mission.id")
	AttrInstanceID   = attribute.Key("missiond.instance.id")
	AttrRole         = attribute.Key("missiond.role")
	AttrEventType    = attribute.Key("missiond.event.type")
	AttrDecisionCode = attribute.Key("missiond.decision.code")
	AttrCaller       = attribute.Key("missiond.caller")
	AttrRoutineID    = attribute.Key("missiond.routine.id")
	AttrApprovalID   = attribute.Key("missiond.approval.id")
	AttrDimension    = attribute.Key("missiond.budget.dimension")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound operator request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
