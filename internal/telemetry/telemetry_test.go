package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabledInstallsNoop(t *testing.T) {
	t.Setenv("FLOWDESK_OTEL_ENABLED", "")
	require.NoError(t, Init(context.Background(), "fd-test", "dev"))
	assert.False(t, Enabled())

	_, span := Tracer("").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestInitEnabledRecordsSpans(t *testing.T) {
	t.Setenv("FLOWDESK_OTEL_ENABLED", "true")
	t.Setenv("FLOWDESK_OTEL_STDOUT", "false")
	require.NoError(t, Init(context.Background(), "fd-test", "dev"))
	defer Shutdown(context.Background())

	_, span := Tracer("flowdesk/test").Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	counter, err := Meter("").Int64Counter("flowdesk.test.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
}
