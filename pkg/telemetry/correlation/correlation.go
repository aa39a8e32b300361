package correlation

import (
	"context"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

// correlationKey is an unexported type for context keys within this package.
type correlationKey struct{}

type runKey struct{}

// ExtractCorrelationID fetches a correlation ID from the context if present.
func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(correlationKey{}).(string); ok {
		return val
	}
	return ""
}

// ContextWithCorrelationID sets the correlation ID onto the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// EnsureCorrelationID guarantees a correlation ID on the context, generating one when missing.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	cid := ExtractCorrelationID(ctx)
	if cid == "" {
		cid = ulid.Make().String()
	}
	return ContextWithCorrelationID(ctx, cid), cid
}

// ContextWithRunID tags the context with the batch run that owns the work.
func ContextWithRunID(ctx context.Context, runID int64) context.Context {
	if runID == 0 {
		return ctx
	}
	return context.WithValue(ctx, runKey{}, runID)
}

// RunIDFromContext returns the batch run id, or 0 outside a run.
func RunIDFromContext(ctx context.Context) int64 {
	if ctx == nil {
		return 0
	}
	if val, ok := ctx.Value(runKey{}).(int64); ok {
		return val
	}
	return 0
}

// InjectIntoHeaders augments message headers with correlation and tracing identifiers.
func InjectIntoHeaders(ctx context.Context, headers map[string]interface{}) map[string]interface{} {
	if headers == nil {
		headers = map[string]interface{}{}
	}

	cid, _ := headers["correlation_id"].(string)
	if cid == "" {
		cid = ExtractCorrelationID(ctx)
	}
	if cid == "" {
		cid = ulid.Make().String()
	}
	headers["correlation_id"] = cid

	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.IsValid() {
		headers["trace_id"] = sc.TraceID().String()
		headers["span_id"] = sc.SpanID().String()
	}
	if runID := RunIDFromContext(ctx); runID != 0 {
		headers["run_id"] = strconv.FormatInt(runID, 10)
	}
	headers["published_at"] = time.Now().UTC().Format(time.RFC3339)
	return headers
}

// ContextFromHeaders restores correlation and remote span identifiers from message headers.
func ContextFromHeaders(ctx context.Context, headers map[string]interface{}) context.Context {
	if cid, ok := headers["correlation_id"].(string); ok {
		ctx = ContextWithCorrelationID(ctx, cid)
	}
	traceID, _ := headers["trace_id"].(string)
	spanID, _ := headers["span_id"].(string)
	return ContextWithRemoteSpan(ctx, traceID, spanID)
}

// ContextWithRemoteSpan seeds the context with a remote span if valid identifiers are provided.
func ContextWithRemoteSpan(ctx context.Context, traceIDHex, spanIDHex string) context.Context {
	if traceIDHex == "" || spanIDHex == "" {
		return ctx
	}

	traceID, err := trace.TraceIDFromHex(traceIDHex)
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(spanIDHex)
	if err != nil {
		return ctx
	}

	parent := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled, Remote: true})
	return trace.ContextWithSpanContext(ctx, parent)
}
