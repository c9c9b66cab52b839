// Package engine assembles the progression components behind one API:
// reviews, attempts, progress, leaderboards and achievements, joined by an
// event bus and the dispatcher pipelines.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/application/eventhandler"
	"github.com/alem-hub/progression-engine/internal/application/query"
	"github.com/alem-hub/progression-engine/internal/application/saga"
	"github.com/alem-hub/progression-engine/internal/domain/achievement"
	"github.com/alem-hub/progression-engine/internal/domain/assessment"
	"github.com/alem-hub/progression-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progression-engine/internal/domain/progress"
	"github.com/alem-hub/progression-engine/internal/domain/review"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
	"github.com/alem-hub/progression-engine/pkg/tracing"
)

// Stores are the engine's persistence ports. Nil fields get in-memory stores.
type Stores struct {
	Schedules review.ScheduleStore
	Attempts  assessment.AttemptStore
	Responses assessment.ResponseStore
	Records   progress.ProgressStore
	Ledger    progress.XPLedger
	Stats     progress.StatsStore
	Snapshots leaderboard.SnapshotStore
	Unlocks   achievement.UnlockStore
	// Steps is the dispatcher's idempotency ledger.
	Steps messaging.Ledger
}

// Content is the read-only content service. *memory.Catalog implements it.
type Content interface {
	assessment.Catalog
	progress.ContentHierarchy
	achievement.DefinitionSource
	achievement.ActivityCounter
}

// Options configure New.
type Options struct {
	Stores  Stores
	Content Content
	// ExternalGrader grades open-ended answers; nil leaves them pending.
	ExternalGrader assessment.ExternalGrader

	Clock    timeutil.Clock
	Location *time.Location

	Scheduler          review.SchedulerConfig
	Pipelines          eventhandler.Config
	Ranker             command.RankerConfig
	MaxConflictRetries int
	ConflictBackoff    time.Duration

	// AsyncEvents runs pipelines on the bus worker pool. Synchronous
	// delivery completes every pipeline before a call returns.
	AsyncEvents    bool
	EventWorkers   int
	HandlerTimeout time.Duration

	Notifier     eventhandler.Notifier
	Certificates eventhandler.CertificateIssuer
	Metrics      *messaging.Metrics
	Logger       *logger.Logger
}

// Engine is the progression API.
type Engine struct {
	stores  Stores
	content Content
	clock   timeutil.Clock
	loc     *time.Location

	bus        *messaging.InMemoryEventBus
	dispatcher *messaging.Dispatcher

	reviews      *command.RecordReviewHandler
	aggregator   *command.ProgressAggregator
	startAttempt *command.StartAttemptHandler
	submitAnswer *command.SubmitAnswerHandler
	finalize     *command.FinalizeAttemptHandler
	grade        *command.GradeResponseHandler
	abandon      *command.AbandonAttemptHandler
	ranker       *command.LeaderboardRanker
	achievements *saga.AchievementFlowSaga

	getProgress    *query.GetProgressHandler
	getLeaderboard *query.GetLeaderboardHandler
	getDueReviews  *query.GetDueReviewsHandler

	log *logger.Logger
}

// New wires an engine.
func New(opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.SystemClock{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Content == nil {
		opts.Content = memory.NewCatalog()
	}
	if opts.Scheduler == (review.SchedulerConfig{}) {
		opts.Scheduler = review.DefaultSchedulerConfig()
	}
	if opts.Ranker == (command.RankerConfig{}) {
		opts.Ranker = command.DefaultRankerConfig()
	}
	if opts.Pipelines == (eventhandler.Config{}) {
		opts.Pipelines = eventhandler.DefaultConfig()
	}
	s := withMemoryDefaults(opts.Stores)

	e := &Engine{
		stores:  s,
		content: opts.Content,
		clock:   opts.Clock,
		loc:     opts.Location,
		log:     opts.Logger.With(logger.Component("engine")),
	}

	e.bus = messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{
		AsyncMode:      opts.AsyncEvents,
		WorkerPoolSize: opts.EventWorkers,
		HandlerTimeout: opts.HandlerTimeout,
		Logger:         opts.Logger,
	})
	e.dispatcher = messaging.NewDispatcher(messaging.DispatcherConfig{
		Ledger:              s.Steps,
		MaxConflictRetries:  opts.MaxConflictRetries,
		DeadLetterQueueSize: 1000,
		Metrics:             opts.Metrics,
		Logger:              opts.Logger,
	})
	e.dispatcher.Use(
		messaging.RecoveryMiddleware(opts.Logger),
		messaging.TracingMiddleware(),
		messaging.LoggingMiddleware(opts.Logger),
	)

	deps := command.Deps{
		Publisher:          e.bus,
		Clock:              opts.Clock,
		Location:           opts.Location,
		MaxConflictRetries: opts.MaxConflictRetries,
		ConflictBackoff:    opts.ConflictBackoff,
		Logger:             opts.Logger,
	}
	if opts.Metrics != nil {
		deps.Observer = opts.Metrics
	}

	attemptStores := command.AttemptStores{Catalog: opts.Content, Attempts: s.Attempts, Responses: s.Responses}
	validator := assessment.NewPayloadValidator()

	e.reviews = command.NewRecordReviewHandler(s.Schedules, review.NewScheduler(opts.Scheduler), deps)
	e.aggregator = command.NewProgressAggregator(command.ProgressStores{
		Records:   s.Records,
		Ledger:    s.Ledger,
		Stats:     s.Stats,
		Hierarchy: opts.Content,
		Catalog:   opts.Content,
		Attempts:  s.Attempts,
		Responses: s.Responses,
	}, deps)
	e.startAttempt = command.NewStartAttemptHandler(attemptStores, e.aggregator, deps)
	e.submitAnswer = command.NewSubmitAnswerHandler(attemptStores, assessment.NewGrader(validator), opts.ExternalGrader, deps)
	e.finalize = command.NewFinalizeAttemptHandler(attemptStores, deps)
	e.grade = command.NewGradeResponseHandler(attemptStores, e.finalize, deps)
	e.abandon = command.NewAbandonAttemptHandler(s.Attempts, deps)
	e.ranker = command.NewLeaderboardRanker(s.Ledger, s.Snapshots, opts.Ranker, deps)

	flow := saga.AchievementFlowDeps{
		Definitions: opts.Content,
		Unlocks:     s.Unlocks,
		Records:     s.Records,
		Ledger:      s.Ledger,
		Schedules:   s.Schedules,
		Activity:    opts.Content,
		Publisher:   e.bus,
		Clock:       opts.Clock,
		Logger:      opts.Logger,
	}
	if opts.Metrics != nil {
		flow.Observer = opts.Metrics
	}
	e.achievements = saga.NewAchievementFlowSaga(flow)

	pipelines := eventhandler.NewPipelines(eventhandler.PipelineDeps{
		Reviews:      e.reviews,
		Progress:     e.aggregator,
		Hierarchy:    opts.Content,
		Achievements: e.achievements,
		Notifier:     opts.Notifier,
		Certificates: opts.Certificates,
		Publisher:    e.bus,
		Logger:       opts.Logger,
	}, opts.Pipelines)
	if err := pipelines.Register(e.dispatcher); err != nil {
		return nil, err
	}
	e.dispatcher.Start(e.bus)

	e.getProgress = query.NewGetProgressHandler(s.Records)
	e.getLeaderboard = query.NewGetLeaderboardHandler(s.Snapshots, e.ranker, opts.Clock, opts.Location)
	e.getDueReviews = query.NewGetDueReviewsHandler(s.Schedules, opts.Clock)
	return e, nil
}

func withMemoryDefaults(s Stores) Stores {
	if s.Schedules == nil {
		s.Schedules = memory.NewScheduleStore()
	}
	if s.Attempts == nil {
		s.Attempts = memory.NewAttemptStore()
	}
	if s.Responses == nil {
		s.Responses = memory.NewResponseStore()
	}
	if s.Records == nil {
		s.Records = memory.NewProgressStore()
	}
	if s.Ledger == nil {
		s.Ledger = memory.NewXPLedger()
	}
	if s.Stats == nil {
		s.Stats = memory.NewStatsStore()
	}
	if s.Snapshots == nil {
		s.Snapshots = memory.NewSnapshotStore()
	}
	if s.Unlocks == nil {
		s.Unlocks = memory.NewUnlockStore()
	}
	if s.Steps == nil {
		s.Steps = messaging.NewMemoryLedger()
	}
	return s
}

// ════════════════════════════════════════════════════════════════════════════
// REVIEWS
// ════════════════════════════════════════════════════════════════════════════

// SubmitReview applies a quality rating to a learner's item.
func (e *Engine) SubmitReview(ctx context.Context, learnerID shared.LearnerID, item shared.ItemRef, quality int) (rs *review.ReviewSchedule, err error) {
	ctx, span := tracing.Start(ctx, "engine.SubmitReview", attribute.String("learner_id", learnerID.String()))
	defer tracing.Finish(span, &err)
	return e.reviews.Handle(ctx, command.RecordReviewCommand{LearnerID: learnerID, Item: item, Quality: quality})
}

// GetDueReviews lists every due item of a learner, oldest first.
func (e *Engine) GetDueReviews(ctx context.Context, learnerID shared.LearnerID) (out []*review.ReviewSchedule, err error) {
	ctx, span := tracing.Start(ctx, "engine.GetDueReviews", attribute.String("learner_id", learnerID.String()))
	defer tracing.Finish(span, &err)
	return e.getDueReviews.Handle(ctx, query.GetDueReviewsQuery{LearnerID: learnerID})
}

// ════════════════════════════════════════════════════════════════════════════
// ATTEMPTS
// ════════════════════════════════════════════════════════════════════════════

// StartAttempt opens, or resumes, an attempt.
func (e *Engine) StartAttempt(ctx context.Context, learnerID shared.LearnerID, assessmentID string) (res *command.StartAttemptResult, err error) {
	ctx, span := tracing.Start(ctx, "engine.StartAttempt", attribute.String("assessment_id", assessmentID))
	defer tracing.Finish(span, &err)
	return e.startAttempt.Handle(ctx, command.StartAttemptCommand{LearnerID: learnerID, AssessmentID: assessmentID})
}

// SubmitAnswer records and grades an answer.
func (e *Engine) SubmitAnswer(ctx context.Context, attemptID, questionID string, data json.RawMessage, timeTakenSeconds int) (res *command.SubmitAnswerResult, err error) {
	ctx, span := tracing.Start(ctx, "engine.SubmitAnswer",
		attribute.String("attempt_id", attemptID), attribute.String("question_id", questionID))
	defer tracing.Finish(span, &err)
	return e.submitAnswer.Handle(ctx, command.SubmitAnswerCommand{
		AttemptID:        attemptID,
		QuestionID:       questionID,
		ResponseData:     data,
		TimeTakenSeconds: timeTakenSeconds,
	})
}

// FinalizeAttempt scores an attempt.
func (e *Engine) FinalizeAttempt(ctx context.Context, attemptID string) (res assessment.Result, err error) {
	ctx, span := tracing.Start(ctx, "engine.FinalizeAttempt", attribute.String("attempt_id", attemptID))
	defer tracing.Finish(span, &err)
	return e.finalize.Handle(ctx, attemptID)
}

// GradeResponse records a manual, external or override grade.
func (e *Engine) GradeResponse(ctx context.Context, cmd command.GradeResponseCommand) (r *assessment.UserResponse, err error) {
	ctx, span := tracing.Start(ctx, "engine.GradeResponse", attribute.String("response_id", cmd.ResponseID))
	defer tracing.Finish(span, &err)
	return e.grade.Handle(ctx, cmd)
}

// AbandonAttempt ends an in-progress attempt without scoring.
func (e *Engine) AbandonAttempt(ctx context.Context, attemptID string) (err error) {
	ctx, span := tracing.Start(ctx, "engine.AbandonAttempt", attribute.String("attempt_id", attemptID))
	defer tracing.Finish(span, &err)
	return e.abandon.Handle(ctx, attemptID)
}

// ════════════════════════════════════════════════════════════════════════════
// PROGRESS
// ════════════════════════════════════════════════════════════════════════════

// Enroll opens a learner's course record.
func (e *Engine) Enroll(ctx context.Context, learnerID shared.LearnerID, courseID string) (*progress.ProgressRecord, error) {
	return e.aggregator.Enroll(ctx, learnerID, courseID)
}

// CompleteLesson reports completion of a lesson or step. completionID must
// be stable for the learner's action; a redelivery with the same ID
// changes nothing.
func (e *Engine) CompleteLesson(ctx context.Context, learnerID shared.LearnerID, scope shared.Scope, courseID string, xp int64, completionID string) (err error) {
	ctx, span := tracing.Start(ctx, "engine.CompleteLesson", attribute.String("scope", scope.String()))
	defer tracing.Finish(span, &err)
	if completionID == "" {
		return shared.Validationf("engine", "CompleteLesson", "completion id is required")
	}
	if err := scope.Validate(); err != nil {
		return err
	}
	ev := shared.NewLessonCompletedEvent(completionID, learnerID.String(), scope, e.clock.Now())
	ev.CourseID = courseID
	ev.XP = xp
	if scope.Kind == shared.ScopeLesson {
		if items, err := e.content.LessonItems(ctx, scope.ID); err == nil {
			ev.ReviewItems = items
		}
	}
	return e.bus.Publish(ctx, ev)
}

// ApplyCompletion applies a completion directly, outside any pipeline.
func (e *Engine) ApplyCompletion(ctx context.Context, cmd command.ApplyCompletionCommand) (*progress.ProgressRecord, error) {
	return e.aggregator.ApplyCompletion(ctx, cmd)
}

// CorrectXP applies a signed XP correction.
func (e *Engine) CorrectXP(ctx context.Context, cmd command.CorrectXPCommand) (*progress.ProgressRecord, error) {
	return e.aggregator.CorrectXP(ctx, cmd)
}

// DeactivateProgress soft-deletes a learner's record in a scope. A
// deactivated leaf no longer counts toward its course percentage.
func (e *Engine) DeactivateProgress(ctx context.Context, learnerID shared.LearnerID, scope shared.Scope) (err error) {
	ctx, span := tracing.Start(ctx, "engine.DeactivateProgress", attribute.String("scope", scope.String()))
	defer tracing.Finish(span, &err)
	return e.aggregator.Deactivate(ctx, progress.Key{LearnerID: learnerID, Scope: scope})
}

// GetProgress returns a learner's record in a scope.
func (e *Engine) GetProgress(ctx context.Context, learnerID shared.LearnerID, scope shared.Scope) (rec *progress.ProgressRecord, err error) {
	ctx, span := tracing.Start(ctx, "engine.GetProgress", attribute.String("scope", scope.String()))
	defer tracing.Finish(span, &err)
	res, err := e.getProgress.Handle(ctx, query.GetProgressQuery{LearnerID: learnerID, Scope: scope})
	if err != nil {
		return nil, err
	}
	return res.Record, nil
}

// GetProgressTree returns a course record together with its lesson and step
// records.
func (e *Engine) GetProgressTree(ctx context.Context, learnerID shared.LearnerID, courseID string) (*query.GetProgressResult, error) {
	return e.getProgress.Handle(ctx, query.GetProgressQuery{
		LearnerID:       learnerID,
		Scope:           shared.CourseScope(courseID),
		IncludeChildren: true,
	})
}

// CourseStatistics returns derived course counters.
func (e *Engine) CourseStatistics(ctx context.Context, courseID string) (progress.CourseStatistics, error) {
	return e.stores.Stats.GetCourse(ctx, courseID)
}

// AssessmentStatistics returns derived attempt statistics.
func (e *Engine) AssessmentStatistics(ctx context.Context, assessmentID string) (assessment.Statistics, error) {
	return e.stores.Stats.GetAssessment(ctx, assessmentID)
}

// QuestionAnalytics returns derived question analytics.
func (e *Engine) QuestionAnalytics(ctx context.Context, questionID string) (assessment.QuestionAnalytics, error) {
	return e.stores.Stats.GetQuestion(ctx, questionID)
}

// ════════════════════════════════════════════════════════════════════════════
// LEADERBOARDS
// ════════════════════════════════════════════════════════════════════════════

// GetLeaderboard reads every entry of the board named by scope, in rank
// order. For weekly and monthly boards periodRef is any instant in the
// period; zero means the current one.
func (e *Engine) GetLeaderboard(ctx context.Context, scope query.BoardScope, periodRef time.Time) ([]query.LeaderboardEntryDTO, error) {
	res, err := e.GetLeaderboardPage(ctx, scope.Query(periodRef))
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// GetLeaderboardPage reads a page of any board.
func (e *Engine) GetLeaderboardPage(ctx context.Context, q query.GetLeaderboardQuery) (res *query.GetLeaderboardResult, err error) {
	ctx, span := tracing.Start(ctx, "engine.GetLeaderboard", attribute.String("board_type", string(q.Type)))
	defer tracing.Finish(span, &err)
	return e.getLeaderboard.Handle(ctx, q)
}

// RefreshLeaderboard rebuilds one board and swaps it in.
func (e *Engine) RefreshLeaderboard(ctx context.Context, board leaderboard.Board) (snap *leaderboard.Snapshot, err error) {
	ctx, span := tracing.Start(ctx, "engine.RefreshLeaderboard", attribute.String("board", board.Key()))
	defer tracing.Finish(span, &err)
	return e.ranker.Refresh(ctx, board)
}

// RefreshLeaderboards rebuilds boards in parallel.
func (e *Engine) RefreshLeaderboards(ctx context.Context, boards []leaderboard.Board) error {
	return e.ranker.RefreshAll(ctx, boards)
}

// StandardBoards returns the global board, the current weekly and monthly
// boards and a board per course given.
func (e *Engine) StandardBoards(courseIDs ...string) []leaderboard.Board {
	now := e.clock.Now()
	boards := []leaderboard.Board{
		leaderboard.GlobalBoard(),
		leaderboard.WeeklyBoard(now, e.loc),
		leaderboard.MonthlyBoard(now, e.loc),
	}
	for _, id := range courseIDs {
		boards = append(boards, leaderboard.CourseBoard(id))
	}
	return boards
}

// ════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENTS
// ════════════════════════════════════════════════════════════════════════════

// CheckAchievements evaluates achievements for a learner outside any
// pipeline. triggerID keys repeatable unlocks.
func (e *Engine) CheckAchievements(ctx context.Context, learnerID shared.LearnerID, triggerID string) (*saga.AchievementFlowResult, error) {
	return e.achievements.Execute(ctx, saga.AchievementCheckInput{LearnerID: learnerID, TriggerEventID: triggerID})
}

// Unlocks lists a learner's unlocked achievements.
func (e *Engine) Unlocks(ctx context.Context, learnerID shared.LearnerID) ([]achievement.Unlock, error) {
	return e.stores.Unlocks.ListByLearner(ctx, learnerID)
}

// ════════════════════════════════════════════════════════════════════════════
// OPERATIONS
// ════════════════════════════════════════════════════════════════════════════

// Drain waits for queued pipelines in async mode.
func (e *Engine) Drain() {
	e.bus.Drain()
}

// ReplayFailed re-dispatches dead-lettered events and returns how many
// completed.
func (e *Engine) ReplayFailed(ctx context.Context) int {
	return e.dispatcher.Replay(ctx)
}

// FailedSteps lists dead-lettered pipeline steps.
func (e *Engine) FailedSteps() []messaging.DeadLetterEntry {
	return e.dispatcher.DeadLetterQueue().Entries()
}

// Bus exposes the event bus for extra subscribers.
func (e *Engine) Bus() shared.EventBus {
	return e.bus
}

// Close drains the bus.
func (e *Engine) Close() error {
	err := e.bus.Close()
	if errors.Is(err, messaging.ErrEventBusClosed) {
		return nil
	}
	return err
}
