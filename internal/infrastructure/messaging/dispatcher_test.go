package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

func testEvent(id string) shared.Event {
	return shared.NewAnswerSubmittedEvent(id, "learner-1", time.Now())
}

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(DispatcherConfig{
		Ledger:             NewMemoryLedger(),
		MaxConflictRetries: 5,
		Metrics:            NewMetrics(prometheus.NewRegistry()),
		Logger:             logger.Nop(),
	})
}

func TestDispatcher_RetriesConflictAndAppliesOnce(t *testing.T) {
	d := newTestDispatcher()

	var calls, applied int32
	tokens := map[string]bool{}
	var mu sync.Mutex
	require.NoError(t, d.Register(shared.EventAnswerSubmitted, Step{
		Name: "apply",
		Run: func(_ context.Context, _ shared.Event, token string) error {
			if atomic.AddInt32(&calls, 1) <= 2 {
				return shared.Conflict("test", "apply", "k")
			}
			mu.Lock()
			defer mu.Unlock()
			if !tokens[token] {
				tokens[token] = true
				atomic.AddInt32(&applied, 1)
			}
			return nil
		},
	}))

	require.NoError(t, d.Dispatch(context.Background(), testEvent("r1")))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&applied))
	assert.Equal(t, 2.0, testutil.ToFloat64(d.metrics.StepRetries.WithLabelValues("apply")))

	// A redelivered event is skipped by the ledger.
	require.NoError(t, d.Dispatch(context.Background(), testEvent("r1")))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.StepSkipped.WithLabelValues("apply")))
}

func TestDispatcher_ExhaustedConflictSurfaces(t *testing.T) {
	d := newTestDispatcher()
	var calls int32
	require.NoError(t, d.Register(shared.EventAnswerSubmitted, Step{
		Name: "always-conflicts",
		Run: func(context.Context, shared.Event, string) error {
			atomic.AddInt32(&calls, 1)
			return shared.Conflict("test", "op", "k")
		},
	}))

	err := d.Dispatch(context.Background(), testEvent("r2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrConcurrencyConflict)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, d.DeadLetterQueue().Size())
}

func TestDispatcher_NonConflictIsNotRetried(t *testing.T) {
	d := newTestDispatcher()
	var calls int32
	require.NoError(t, d.Register(shared.EventAnswerSubmitted, Step{
		Name: "invalid",
		Run: func(context.Context, shared.Event, string) error {
			atomic.AddInt32(&calls, 1)
			return shared.Validationf("test", "op", "bad")
		},
	}))

	err := d.Dispatch(context.Background(), testEvent("r3"))
	assert.ErrorIs(t, err, shared.ErrValidation)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDispatcher_PartialFailureResumesOnRedispatch(t *testing.T) {
	d := newTestDispatcher()
	var first, second int32
	fail := true
	require.NoError(t, d.Register(shared.EventAnswerSubmitted,
		Step{Name: "first", Run: func(context.Context, shared.Event, string) error {
			atomic.AddInt32(&first, 1)
			return nil
		}},
		Step{Name: "second", Run: func(context.Context, shared.Event, string) error {
			atomic.AddInt32(&second, 1)
			if fail {
				return errors.New("store down")
			}
			return nil
		}},
	))

	require.Error(t, d.Dispatch(context.Background(), testEvent("r4")))
	fail = false
	assert.Equal(t, 1, d.Replay(context.Background()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&first))
	assert.Equal(t, int32(2), atomic.LoadInt32(&second))
	assert.Equal(t, 0, d.DeadLetterQueue().Size())
}

func TestDispatcher_RequiredStepStopsPipeline(t *testing.T) {
	d := newTestDispatcher()
	var after int32
	require.NoError(t, d.Register(shared.EventAnswerSubmitted,
		Step{Name: "gate", Required: true, Run: func(context.Context, shared.Event, string) error {
			return errors.New("boom")
		}},
		Step{Name: "after", Run: func(context.Context, shared.Event, string) error {
			atomic.AddInt32(&after, 1)
			return nil
		}},
	))

	require.Error(t, d.Dispatch(context.Background(), testEvent("r5")))
	assert.Equal(t, int32(0), atomic.LoadInt32(&after))
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	d := newTestDispatcher()
	d.Use(RecoveryMiddleware(logger.Nop()), LoggingMiddleware(logger.Nop()))
	require.NoError(t, d.Register(shared.EventAnswerSubmitted, Step{
		Name: "panics",
		Run:  func(context.Context, shared.Event, string) error { panic("nil map") },
	}))

	err := d.Dispatch(context.Background(), testEvent("r6"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}

func TestIdempotencyTokenIsStable(t *testing.T) {
	a := IdempotencyToken("resp-1", "review")
	assert.Equal(t, a, IdempotencyToken("resp-1", "review"))
	assert.NotEqual(t, a, IdempotencyToken("resp-1", "analytics"))
	assert.NotEqual(t, a, IdempotencyToken("resp-2", "review"))
	assert.Len(t, a, 32)
}

func TestInMemoryEventBus_DeliversAsync(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 2, Logger: logger.Nop()})
	var got int32
	bus.Subscribe(shared.EventAnswerSubmitted, func(context.Context, shared.Event) error {
		atomic.AddInt32(&got, 1)
		return nil
	})
	bus.SubscribeAll(func(context.Context, shared.Event) error {
		atomic.AddInt32(&got, 10)
		return nil
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), testEvent("e")))
	}
	bus.Drain()
	assert.Equal(t, int32(55), atomic.LoadInt32(&got))

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), testEvent("e")), ErrEventBusClosed)
}
