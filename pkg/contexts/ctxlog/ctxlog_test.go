package ctxlog

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"
	"go.opencensus.io/trace"
)

func TestFromContextEmpty(t *testing.T) {
	t.Parallel()

	logger := FromContext(context.Background())
	require.NoError(t, logger.Log("msg", "dropped"))

	ctx := With(context.Background(), "bundle", "widget")
	require.NoError(t, FromContext(ctx).Log("msg", "dropped"))
}

func TestWith(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ctx := NewContext(context.Background(), log.NewLogfmtLogger(&buf))
	ctx = With(ctx, "bundle", "widget")

	require.NoError(t, FromContext(ctx).Log("msg", "hello"))
	require.Equal(t, "bundle=widget msg=hello\n", buf.String())
}

func TestFromContextSpan(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ctx := NewContext(context.Background(), log.NewLogfmtLogger(&buf))

	ctx, span := trace.StartSpan(ctx, "ctxlog.test", trace.WithSampler(trace.AlwaysSample()))
	defer span.End()

	require.NoError(t, FromContext(ctx).Log("msg", "traced"))
	require.Contains(t, buf.String(), "trace_id="+span.SpanContext().TraceID.String())
	require.Contains(t, buf.String(), "span_id="+span.SpanContext().SpanID.String())
}
