// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/retry"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// DefaultMaxConflictRetries bounds read-modify-write loops on a store key.
const DefaultMaxConflictRetries = 5

// Observer receives operational measurements. *messaging.Metrics satisfies it.
type Observer interface {
	ObserveGrading(questionType, outcome string)
	ObserveRefresh(boardType string, entries int, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveGrading(string, string)              {}
func (nopObserver) ObserveRefresh(string, int, time.Duration) {}

// Deps are the collaborators shared by every handler.
type Deps struct {
	Publisher shared.EventPublisher
	Clock     timeutil.Clock
	// Location defines calendar days for streaks and periods.
	Location           *time.Location
	MaxConflictRetries int
	// ConflictBackoff is the first wait before retrying a conflict.
	ConflictBackoff time.Duration
	Observer        Observer
	Logger          *logger.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = timeutil.SystemClock{}
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.MaxConflictRetries <= 0 {
		d.MaxConflictRetries = DefaultMaxConflictRetries
	}
	if d.Observer == nil {
		d.Observer = nopObserver{}
	}
	if d.Logger == nil {
		d.Logger = logger.Default()
	}
	return d
}

// retrier re-runs a read-modify-write closure on concurrency conflicts.
// Exhausted retries surface the last conflict.
func (d Deps) retrier() *retry.Retrier {
	return retry.ConflictRetrier(d.MaxConflictRetries, d.ConflictBackoff, shared.IsRetryable)
}

// publish delivers an outbound event. A failing subscriber never fails the
// command that produced the event; the committed state stands.
func (d Deps) publish(ctx context.Context, ev shared.Event) {
	if d.Publisher == nil {
		return
	}
	if err := d.Publisher.Publish(ctx, ev); err != nil {
		d.Logger.Warn("event delivery reported errors",
			logger.String("event_type", string(ev.EventType())),
			logger.EventID(ev.EventID()),
			logger.Err(err),
		)
	}
}

func (d Deps) now(at time.Time) time.Time {
	if at.IsZero() {
		return d.Clock.Now()
	}
	return at
}
