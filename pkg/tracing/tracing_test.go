package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartFinish_RecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := InitProvider("test", sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	run := func() (err error) {
		_, span := Start(context.Background(), "engine.SubmitAnswer", attribute.String("attempt_id", "a-1"))
		defer Finish(span, &err)
		return errors.New("attempt already completed")
	}
	require.Error(t, run())

	ok := func() (err error) {
		_, span := Start(context.Background(), "engine.GetProgress")
		defer Finish(span, &err)
		return nil
	}
	require.NoError(t, ok())

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "engine.SubmitAnswer", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Len(t, spans[0].Events(), 1)
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}
