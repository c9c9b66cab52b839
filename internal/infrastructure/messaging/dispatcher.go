package messaging

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/retry"
	"github.com/alem-hub/progression-engine/pkg/tracing"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCHER
// ══════════════════════════════════════════════════════════════════════════════

// StepFunc performs one component call for an event. token is stable for
// the (event, step) pair and must be used to make the call idempotent.
type StepFunc func(ctx context.Context, event shared.Event, token string) error

// Step is one stage of an event pipeline.
type Step struct {
	Name string
	Run  StepFunc
	// Required stops the pipeline when this step fails.
	Required bool
}

// Middleware wraps step execution.
type Middleware func(step string, next StepFunc) StepFunc

// Dispatcher runs the registered pipeline of an event type, step by step,
// in registration order. Each step:
//   - is skipped if its idempotency token is already in the ledger;
//   - is retried on concurrency conflicts, up to the configured bound;
//   - is recorded in the ledger once it succeeds.
//
// Failed steps go to the dead letter queue. Re-dispatching the same event
// only re-runs the steps that did not complete.
type Dispatcher struct {
	mu          sync.RWMutex
	pipelines   map[shared.EventType][]Step
	middlewares []Middleware

	ledger  Ledger
	retrier *retry.Retrier
	dlq     *DeadLetterQueue
	metrics *Metrics
	log     *logger.Logger
}

// DispatcherConfig configures the Dispatcher.
type DispatcherConfig struct {
	Ledger Ledger
	// MaxConflictRetries bounds attempts per step on ErrConcurrencyConflict.
	MaxConflictRetries  int
	DeadLetterQueueSize int
	Metrics             *Metrics
	Logger              *logger.Logger
}

// DefaultDispatcherConfig returns defaults with an in-memory ledger.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Ledger:              NewMemoryLedger(),
		MaxConflictRetries:  5,
		DeadLetterQueueSize: 1000,
	}
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	if cfg.Ledger == nil {
		cfg.Ledger = NewMemoryLedger()
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = 5
	}
	d := &Dispatcher{
		pipelines: make(map[shared.EventType][]Step),
		ledger:    cfg.Ledger,
		dlq:       NewDeadLetterQueue(cfg.DeadLetterQueueSize),
		metrics:   cfg.Metrics,
		log:       cfg.Logger.With(logger.Component("dispatcher")),
	}
	d.retrier = retry.New(
		retry.WithMaxAttempts(cfg.MaxConflictRetries),
		retry.WithInitialDelay(2*time.Millisecond),
		retry.WithMaxDelay(200*time.Millisecond),
		retry.WithJitter(0.5),
		retry.WithRetryIf(shared.IsRetryable),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			d.log.Debug("retrying step after conflict",
				logger.Int("attempt", attempt),
				logger.Duration("backoff", delay),
				logger.Err(err),
			)
		}),
	)
	return d
}

// Register appends steps to the pipeline of eventType.
func (d *Dispatcher) Register(eventType shared.EventType, steps ...Step) error {
	for _, s := range steps {
		if s.Run == nil || s.Name == "" {
			return fmt.Errorf("dispatcher: step for %s needs a name and a func", eventType)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pipelines[eventType] = append(d.pipelines[eventType], steps...)
	return nil
}

// Use adds middleware. The first added is the outermost.
func (d *Dispatcher) Use(mw ...Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middlewares = append(d.middlewares, mw...)
}

// Start subscribes the dispatcher to every event on sub.
func (d *Dispatcher) Start(sub shared.EventSubscriber) {
	sub.SubscribeAll(d.Dispatch)
}

// Dispatch runs the pipeline for event and returns the failures joined.
func (d *Dispatcher) Dispatch(ctx context.Context, event shared.Event) error {
	d.mu.RLock()
	steps := d.pipelines[event.EventType()]
	mws := d.middlewares
	d.mu.RUnlock()

	var errs []error
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := d.runStep(ctx, event, s, mws)
		if err == nil {
			continue
		}
		errs = append(errs, err)
		if s.Required {
			d.log.Warn("required step failed, pipeline stopped",
				logger.String("step", s.Name),
				logger.EventID(event.EventID()),
			)
			break
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) runStep(ctx context.Context, event shared.Event, s Step, mws []Middleware) error {
	eventType := string(event.EventType())
	token := IdempotencyToken(event.EventID(), s.Name)

	applied, err := d.ledger.IsApplied(ctx, token)
	if err != nil {
		// A broken ledger must not block progress; entity tokens still dedupe.
		d.log.Warn("ledger lookup failed", logger.String("step", s.Name), logger.Err(err))
	}
	if applied {
		if d.metrics != nil {
			d.metrics.StepSkipped.WithLabelValues(s.Name).Inc()
		}
		return nil
	}

	run := s.Run
	for i := len(mws) - 1; i >= 0; i-- {
		run = mws[i](s.Name, run)
	}

	start := time.Now()
	attempts := 0
	err = d.retrier.Do(ctx, func(ctx context.Context) error {
		attempts++
		return run(ctx, event, token)
	})
	if d.metrics != nil && attempts > 1 {
		d.metrics.StepRetries.WithLabelValues(s.Name).Add(float64(attempts - 1))
	}

	if err != nil {
		d.metrics.ObserveStep(eventType, s.Name, "failed", time.Since(start))
		d.dlq.Add(DeadLetterEntry{
			Event:    event,
			Step:     s.Name,
			Error:    err,
			Attempts: attempts,
			FailedAt: time.Now(),
		})
		if d.metrics != nil {
			d.metrics.DeadLetters.Set(float64(d.dlq.Size()))
		}
		return fmt.Errorf("step %s of %s: %w", s.Name, event.EventID(), err)
	}

	d.metrics.ObserveStep(eventType, s.Name, "ok", time.Since(start))
	if err := d.ledger.MarkApplied(ctx, token); err != nil {
		d.log.Warn("ledger write failed", logger.String("step", s.Name), logger.Err(err))
	}
	return nil
}

// Replay re-dispatches dead-lettered events. Entries that succeed are
// dropped; the rest are queued again by Dispatch.
func (d *Dispatcher) Replay(ctx context.Context) int {
	entries := d.dlq.Drain()
	seen := make(map[string]bool, len(entries))
	recovered := 0
	for _, e := range entries {
		if seen[e.Event.EventID()] {
			continue
		}
		seen[e.Event.EventID()] = true
		if err := d.Dispatch(ctx, e.Event); err == nil {
			recovered++
		}
	}
	if d.metrics != nil {
		d.metrics.DeadLetters.Set(float64(d.dlq.Size()))
	}
	return recovered
}

// DeadLetterQueue exposes failed steps.
func (d *Dispatcher) DeadLetterQueue() *DeadLetterQueue {
	return d.dlq
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// RecoveryMiddleware turns a panicking step into an error.
func RecoveryMiddleware(log *logger.Logger) Middleware {
	return func(step string, next StepFunc) StepFunc {
		return func(ctx context.Context, event shared.Event, token string) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("step panic recovered",
						logger.String("step", step),
						logger.EventID(event.EventID()),
						logger.Any("panic", r),
						logger.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("step %s panic: %v", step, r)
				}
			}()
			return next(ctx, event, token)
		}
	}
}

// LoggingMiddleware logs each step attempt.
func LoggingMiddleware(log *logger.Logger) Middleware {
	return func(step string, next StepFunc) StepFunc {
		return func(ctx context.Context, event shared.Event, token string) error {
			start := time.Now()
			err := next(ctx, event, token)
			fields := []logger.Field{
				logger.String("step", step),
				logger.String("event_type", string(event.EventType())),
				logger.EventID(event.EventID()),
				logger.LearnerID(event.AggregateID()),
				logger.Latency(time.Since(start)),
			}
			switch {
			case err == nil:
				log.Debug("step completed", fields...)
			case shared.IsConflict(err):
				log.Debug("step conflicted", append(fields, logger.Err(err))...)
			default:
				log.Error("step failed", append(fields, logger.Err(err))...)
			}
			return err
		}
	}
}

// TracingMiddleware opens a span per step attempt.
func TracingMiddleware() Middleware {
	return func(step string, next StepFunc) StepFunc {
		return func(ctx context.Context, event shared.Event, token string) (err error) {
			ctx, span := tracing.Start(ctx, "dispatch."+step,
				attribute.String("event.type", string(event.EventType())),
				attribute.String("event.id", event.EventID()),
			)
			defer tracing.Finish(span, &err)
			return next(ctx, event, token)
		}
	}
}

// TimeoutMiddleware bounds a single step attempt.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(step string, next StepFunc) StepFunc {
		return func(ctx context.Context, event shared.Event, token string) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, event, token)
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DEAD LETTER QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// DeadLetterEntry is a step that exhausted its retries.
type DeadLetterEntry struct {
	Event    shared.Event
	Step     string
	Error    error
	Attempts int
	FailedAt time.Time
}

// DeadLetterQueue is a bounded FIFO of failed steps.
type DeadLetterQueue struct {
	mu      sync.Mutex
	entries []DeadLetterEntry
	maxSize int
}

// NewDeadLetterQueue creates a queue holding at most maxSize entries.
func NewDeadLetterQueue(maxSize int) *DeadLetterQueue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &DeadLetterQueue{maxSize: maxSize}
}

// Add appends an entry, dropping the oldest at capacity.
func (q *DeadLetterQueue) Add(e DeadLetterEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.maxSize {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, e)
}

// Entries returns a copy of the queue.
func (q *DeadLetterQueue) Entries() []DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetterEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Drain removes and returns every entry.
func (q *DeadLetterQueue) Drain() []DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.entries
	q.entries = nil
	return out
}

func (q *DeadLetterQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
