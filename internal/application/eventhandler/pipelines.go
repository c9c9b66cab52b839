// Package eventhandler wires the engine components into dispatcher
// pipelines, one per inbound event type.
package eventhandler

import (
	"context"
	"time"

	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/application/saga"
	"github.com/alem-hub/progression-engine/internal/domain/progress"
	"github.com/alem-hub/progression-engine/internal/domain/review"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// COLLABORATORS
// ═══════════════════════════════════════════════════════════════════════════

// Reviews records review outcomes and seeds new items.
type Reviews interface {
	Handle(ctx context.Context, cmd command.RecordReviewCommand) (*review.ReviewSchedule, error)
	SeedItems(ctx context.Context, learnerID shared.LearnerID, items []shared.ItemRef, at time.Time) (int, error)
}

// Progress is the subset of the aggregator the pipelines call.
type Progress interface {
	ApplyCompletion(ctx context.Context, cmd command.ApplyCompletionCommand) (*progress.ProgressRecord, error)
	GrantBonus(ctx context.Context, learnerID shared.LearnerID, xp int64, token, reason string, at time.Time) (bool, error)
	RecordAttemptResult(ctx context.Context, learnerID shared.LearnerID, courseID string, percentage float64, token string) (*progress.ProgressRecord, error)
	CompleteByAssessments(ctx context.Context, learnerID shared.LearnerID, courseID string) (bool, error)
	RecomputeAssessmentStats(ctx context.Context, assessmentID string) error
	RecomputeQuestionAnalytics(ctx context.Context, questionID string) error
}

// Achievements evaluates achievements after a trigger.
type Achievements interface {
	Execute(ctx context.Context, in saga.AchievementCheckInput) (*saga.AchievementFlowResult, error)
}

// Config tunes the pipelines.
type Config struct {
	// CorrectQuality and IncorrectQuality map an answer to an SM-2 rating.
	CorrectQuality   int
	IncorrectQuality int
	// RankNotifyThreshold is the rank movement worth a notification.
	RankNotifyThreshold int
	// TopN is the size of the top bracket whose entry is announced.
	TopN int
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{CorrectQuality: 5, IncorrectQuality: 2, RankNotifyThreshold: 5, TopN: 10}
}

// Pipelines registers every pipeline on a dispatcher.
type Pipelines struct {
	reviews      Reviews
	progress     Progress
	hierarchy    progress.ContentHierarchy
	achievements Achievements
	notifier     Notifier
	certificates CertificateIssuer
	publisher    shared.EventPublisher
	cfg          Config
	log          *logger.Logger
}

// PipelineDeps are the arguments of NewPipelines.
type PipelineDeps struct {
	Reviews      Reviews
	Progress     Progress
	Hierarchy    progress.ContentHierarchy
	Achievements Achievements
	// Notifier and Certificates default to logging sinks.
	Notifier     Notifier
	Certificates CertificateIssuer
	Publisher    shared.EventPublisher
	Logger       *logger.Logger
}

// NewPipelines creates the pipeline set.
func NewPipelines(deps PipelineDeps, cfg Config) *Pipelines {
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = NewLogNotifier(deps.Logger)
	}
	if deps.Certificates == nil {
		deps.Certificates = NewLogCertificateIssuer(deps.Logger)
	}
	def := DefaultConfig()
	if cfg.CorrectQuality == 0 && cfg.IncorrectQuality == 0 {
		cfg.CorrectQuality, cfg.IncorrectQuality = def.CorrectQuality, def.IncorrectQuality
	}
	if cfg.RankNotifyThreshold <= 0 {
		cfg.RankNotifyThreshold = def.RankNotifyThreshold
	}
	if cfg.TopN <= 0 {
		cfg.TopN = def.TopN
	}
	return &Pipelines{
		reviews:      deps.Reviews,
		progress:     deps.Progress,
		hierarchy:    deps.Hierarchy,
		achievements: deps.Achievements,
		notifier:     deps.Notifier,
		certificates: deps.Certificates,
		publisher:    deps.Publisher,
		cfg:          cfg,
		log:          deps.Logger.With(logger.Component("pipelines")),
	}
}

// Register installs the pipelines on d.
func (p *Pipelines) Register(d *messaging.Dispatcher) error {
	regs := []struct {
		event shared.EventType
		steps []messaging.Step
	}{
		{shared.EventAnswerSubmitted, p.answerSubmittedSteps()},
		{shared.EventAttemptCompleted, p.attemptCompletedSteps()},
		{shared.EventLessonCompleted, p.lessonCompletedSteps()},
		{shared.EventCourseCompleted, p.courseCompletedSteps()},
		{shared.EventSideEffectQueued, p.sideEffectSteps()},
		{shared.EventRankChanged, p.rankChangedSteps()},
	}
	for _, r := range regs {
		if err := d.Register(r.event, r.steps...); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipelines) publish(ctx context.Context, ev shared.Event) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, ev); err != nil {
		p.log.Warn("event delivery reported errors",
			logger.String("event_type", string(ev.EventType())),
			logger.EventID(ev.EventID()),
			logger.Err(err),
		)
	}
}

// eventAs extracts a concrete event published by value or by pointer.
func eventAs[T shared.Event](ev shared.Event) (T, bool) {
	if e, ok := ev.(T); ok {
		return e, true
	}
	if e, ok := any(ev).(*T); ok && e != nil {
		return *e, true
	}
	var zero T
	return zero, false
}
