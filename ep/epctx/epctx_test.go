package epctx_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/gordian-engine/epoch/ep/epctx"
	"github.com/stretchr/testify/require"
)

func TestWithValue_layers(t *testing.T) {
	t.Parallel()

	base := context.Background()
	require.Zero(t, epctx.FromContext(base).Len())

	ctx1 := epctx.WithValue(base, "a", "1")
	ctx2 := epctx.WithValue(ctx1, "b", "2")

	v, ok := epctx.Value(ctx2, "a")
	require.True(t, ok)
	require.Equal(t, "1", v)

	// The parent is not modified by the child.
	_, ok = epctx.Value(ctx1, "b")
	require.False(t, ok)

	require.Equal(t, []string{"a", "b"}, epctx.FromContext(ctx2).Keys())
}

func TestTraceID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	require.Empty(t, epctx.TraceID(ctx))

	ctx = epctx.EnsureTraceID(ctx)
	id := epctx.TraceID(ctx)
	require.Len(t, id, 32)

	// Ensuring again keeps the same ID.
	require.Equal(t, id, epctx.TraceID(epctx.EnsureTraceID(ctx)))
}

func TestLogAttrs(t *testing.T) {
	t.Parallel()

	require.Nil(t, epctx.LogAttrs(context.Background()))

	ctx := epctx.WithTraceID(epctx.WithValue(context.Background(), epctx.KeyPeer, "p1"), "abc")
	require.Equal(t, []any{
		slog.String("peer", "p1"),
		slog.String("trace_id", "abc"),
	}, epctx.LogAttrs(ctx))
}
