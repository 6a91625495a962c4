package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type missionIDKey struct{}
type instanceIDKey struct{}
type callerKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithMissionID attaches a mission_id to the context.
func WithMissionID(ctx context.Context, missionID string) context.Context {
	return context.WithValue(ctx, missionIDKey{}, missionID)
}

// MissionID extracts mission_id from context. Returns "" if absent.
func MissionID(ctx context.Context) string {
	if v, ok := ctx.Value(missionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithInstanceID attaches an instance_id to the context.
func WithInstanceID(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, instanceIDKey{}, instanceID)
}

// InstanceID extracts instance_id from context. Returns "" if absent.
func InstanceID(ctx context.Context) string {
	if v, ok := ctx.Value(instanceIDKey{}).(string); ok {
		return v
	}
	return ""
}

// Caller identities for the spawn surface. The gate must behave
// identically for all of them; the value exists for audit only.
const (
	CallerUI      = "ui"
	CallerTool    = "tool"
	CallerRuntime = "runtime"
	CallerRoutine = "routine"
)

// WithCaller attaches the caller identity to the context.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// Caller extracts the caller identity. Returns CallerUI if absent.
func Caller(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey{}).(string); ok && v != "" {
		return v
	}
	return CallerUI
}
