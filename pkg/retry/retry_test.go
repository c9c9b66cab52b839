package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConflict = errors.New("conflict")

func TestRetrier_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	r := New(WithMaxAttempts(5), WithInitialDelay(0), WithJitter(0))

	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errConflict)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrier_ExhaustedReturnsUnwrapped(t *testing.T) {
	calls := 0
	r := New(WithMaxAttempts(3), WithInitialDelay(0), WithJitter(0))

	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return Retryable(errConflict)
	})

	assert.Equal(t, 3, calls)
	assert.Same(t, errConflict, err)
}

func TestRetrier_PermanentStops(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errConflict)
	}, WithRetryIf(func(error) bool { return true }))

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errConflict)
}

func TestConflictRetrier_UsesPredicate(t *testing.T) {
	calls := 0
	r := ConflictRetrier(4, time.Millisecond, func(err error) bool { return errors.Is(err, errConflict) })

	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return errConflict
	})

	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, errConflict)
}

func TestRetrier_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(WithInitialDelay(time.Second)).Do(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoWithData(t *testing.T) {
	v, err := DoWithData(context.Background(), func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestPresets_AcceptPolicyOverrides(t *testing.T) {
	transient := errors.New("transient")
	onlyTransient := WithRetryIf(func(err error) bool { return errors.Is(err, transient) })

	for name, r := range map[string]*Retrier{
		"grader":   GraderRetrier(onlyTransient, WithInitialDelay(0)),
		"database": DatabaseRetrier(onlyTransient, WithInitialDelay(0)),
	} {
		t.Run(name, func(t *testing.T) {
			calls := 0
			err := r.Do(context.Background(), func(context.Context) error {
				calls++
				return transient
			})
			assert.ErrorIs(t, err, transient)
			assert.Equal(t, 3, calls)

			calls = 0
			err = r.Do(context.Background(), func(context.Context) error {
				calls++
				return errConflict
			})
			assert.ErrorIs(t, err, errConflict)
			assert.Equal(t, 1, calls)
		})
	}
}
