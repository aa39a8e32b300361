package correlation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "cid-1")
	ctx, cid := EnsureCorrelationID(ctx)
	assert.Equal(t, "cid-1", cid)
	assert.Equal(t, "cid-1", ExtractCorrelationID(ctx))

	_, generated := EnsureCorrelationID(context.Background())
	assert.Len(t, generated, 26)
}

func TestRunID(t *testing.T) {
	assert.Zero(t, RunIDFromContext(context.Background()))
	ctx := ContextWithRunID(context.Background(), 42)
	assert.Equal(t, int64(42), RunIDFromContext(ctx))
}

func TestHeadersRoundTrip(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "cid-2")
	ctx = ContextWithRunID(ctx, 7)
	ctx = ContextWithRemoteSpan(ctx, "4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7")

	headers := InjectIntoHeaders(ctx, nil)
	assert.Equal(t, "cid-2", headers["correlation_id"])
	assert.Equal(t, "7", headers["run_id"])

	restored := ContextFromHeaders(context.Background(), headers)
	assert.Equal(t, "cid-2", ExtractCorrelationID(restored))
	sc := trace.SpanContextFromContext(restored)
	require.True(t, sc.IsValid())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", sc.TraceID().String())
}
