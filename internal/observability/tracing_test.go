package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTracingDisabledIsNoOp(t *testing.T) {
	tm, err := NewTracingManager(TracingConfig{Enabled: false}, zap.NewNop())
	require.NoError(t, err)

	ctx, span := tm.StartSpan(context.Background(), "rpc.tools/list")
	require.NotNil(t, span)
	assert.NotNil(t, ctx)
	span.End()

	require.NoError(t, tm.Close(context.Background()))
}

func TestNilTracingManagerIsSafe(t *testing.T) {
	var tm *TracingManager

	_, span := tm.StartSpan(context.Background(), "rpc.ping")
	require.NotNil(t, span)
	span.End()

	require.NoError(t, tm.Close(context.Background()))
}
