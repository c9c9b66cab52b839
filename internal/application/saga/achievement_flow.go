// Package saga contains business processes that orchestrate several domain
// operations in a coordinated manner.
package saga

import (
	"context"
	"fmt"
	"math"

	"github.com/alem-hub/progression-engine/internal/domain/achievement"
	"github.com/alem-hub/progression-engine/internal/domain/progress"
	"github.com/alem-hub/progression-engine/internal/domain/review"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENT FLOW SAGA
// Flow: Build Aggregate → Load Unlocks → Evaluate → Persist Unlocks →
//
//	Publish Unlocked → Queue Side Effects
//
// Persisting an unlock is the commit point. Side effects are queued as
// events with stable IDs so a redelivered trigger queues nothing new.
// ══════════════════════════════════════════════════════════════════════════════

// AchievementCheckInput names the learner and the event that triggered the
// evaluation.
type AchievementCheckInput struct {
	LearnerID      shared.LearnerID
	TriggerEventID string
	// PerfectScore is set by a trigger that itself scored 100%.
	PerfectScore bool
}

// Validate checks the input.
func (i AchievementCheckInput) Validate() error {
	if i.LearnerID.IsEmpty() {
		return shared.Validationf("saga", "AchievementFlow", "learner_id is required")
	}
	if i.TriggerEventID == "" {
		return shared.Validationf("saga", "AchievementFlow", "trigger event id is required")
	}
	return nil
}

// AchievementFlowResult lists what the evaluation newly unlocked.
type AchievementFlowResult struct {
	Aggregate achievement.Aggregate
	Unlocked  []achievement.Unlock
	// Duplicates counts unlocks another delivery persisted first.
	Duplicates int
}

// HasNewAchievements reports whether anything was unlocked.
func (r *AchievementFlowResult) HasNewAchievements() bool {
	return len(r.Unlocked) > 0
}

// AchievementFlowStep names a step for error reporting.
type AchievementFlowStep string

const (
	StepBuildAggregate AchievementFlowStep = "build_aggregate"
	StepLoadUnlocks    AchievementFlowStep = "load_unlocks"
	StepEvaluate       AchievementFlowStep = "evaluate"
	StepPersistUnlocks AchievementFlowStep = "persist_unlocks"
)

// UnlockObserver counts unlocks. *messaging.Metrics satisfies it.
type UnlockObserver interface {
	ObserveUnlock(achievementID string)
}

// AchievementFlowDeps are the saga's collaborators.
type AchievementFlowDeps struct {
	Definitions achievement.DefinitionSource
	Unlocks     achievement.UnlockStore
	Records     progress.ProgressStore
	Ledger      progress.XPLedger
	Schedules   review.ScheduleStore
	// Activity may be nil; discussion counts then read as 0.
	Activity  achievement.ActivityCounter
	Evaluator *achievement.Evaluator
	Publisher shared.EventPublisher
	Observer  UnlockObserver
	Clock     timeutil.Clock
	Logger    *logger.Logger
}

// AchievementFlowSaga evaluates achievements after a trigger.
type AchievementFlowSaga struct {
	deps AchievementFlowDeps
	log  *logger.Logger
}

// NewAchievementFlowSaga creates the saga.
func NewAchievementFlowSaga(deps AchievementFlowDeps) *AchievementFlowSaga {
	if deps.Evaluator == nil {
		deps.Evaluator = achievement.NewEvaluator()
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}
	return &AchievementFlowSaga{deps: deps, log: deps.Logger.With(logger.Component("achievement"))}
}

// Execute runs the flow. Running it twice for the same trigger unlocks
// nothing the second time.
func (s *AchievementFlowSaga) Execute(ctx context.Context, in AchievementCheckInput) (*AchievementFlowResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	now := s.deps.Clock.Now()

	agg, err := s.BuildAggregate(ctx, in.LearnerID, in.PerfectScore)
	if err != nil {
		return nil, wrapStep(StepBuildAggregate, in, err)
	}

	existing, err := s.deps.Unlocks.ListByLearner(ctx, in.LearnerID)
	if err != nil {
		return nil, wrapStep(StepLoadUnlocks, in, err)
	}
	unlocked := make(map[string]bool, len(existing))
	for _, u := range existing {
		unlocked[u.Key] = true
	}

	defs, err := s.deps.Definitions.ListAchievements(ctx)
	if err != nil {
		return nil, wrapStep(StepEvaluate, in, err)
	}
	byID := make(map[string]*achievement.Achievement, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}
	candidates := s.deps.Evaluator.Evaluate(achievement.Input{
		Aggregate:      agg,
		Definitions:    defs,
		Unlocked:       unlocked,
		TriggerEventID: in.TriggerEventID,
		Now:            now,
	})

	res := &AchievementFlowResult{Aggregate: agg}
	for _, u := range candidates {
		created, err := s.deps.Unlocks.Create(ctx, u)
		if err != nil {
			return res, wrapStep(StepPersistUnlocks, in, err)
		}
		if !created {
			res.Duplicates++
			continue
		}
		res.Unlocked = append(res.Unlocked, u)
		if s.deps.Observer != nil {
			s.deps.Observer.ObserveUnlock(u.AchievementID)
		}
		s.announce(ctx, u, byID[u.AchievementID])
	}

	if len(res.Unlocked) > 0 {
		s.log.Info("achievements unlocked",
			logger.LearnerID(in.LearnerID.String()),
			logger.EventID(in.TriggerEventID),
			logger.Int("count", len(res.Unlocked)),
		)
	}
	return res, nil
}

// announce publishes the unlock and queues its side effects.
func (s *AchievementFlowSaga) announce(ctx context.Context, u achievement.Unlock, def *achievement.Achievement) {
	name := u.AchievementID
	if def != nil && def.Name != "" {
		name = def.Name
	}
	learner := u.LearnerID.String()
	ref := learner + ":" + u.Key

	s.publish(ctx, shared.AchievementUnlockedEvent{
		BaseEvent:     shared.NewBaseEvent(shared.EventAchievementUnlocked, "unlock:"+ref, learner, u.UnlockedAt),
		AchievementID: u.AchievementID,
		Name:          name,
		XPReward:      u.XPReward,
	})
	if u.XPReward > 0 {
		s.publish(ctx, shared.SideEffectEvent{
			BaseEvent: shared.NewBaseEvent(shared.EventSideEffectQueued, "side-effect:xp:"+ref, learner, u.UnlockedAt),
			Kind:      shared.SideEffectXPBonus,
			SourceID:  u.Key,
			XP:        u.XPReward,
		})
	}
	s.publish(ctx, shared.SideEffectEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventSideEffectQueued, "side-effect:notify:"+ref, learner, u.UnlockedAt),
		Kind:      shared.SideEffectNotification,
		SourceID:  u.Key,
		Message:   fmt.Sprintf("Achievement unlocked: %s", name),
	})
}

func (s *AchievementFlowSaga) publish(ctx context.Context, ev shared.Event) {
	if s.deps.Publisher == nil {
		return
	}
	if err := s.deps.Publisher.Publish(ctx, ev); err != nil {
		s.log.Warn("event delivery reported errors",
			logger.String("event_type", string(ev.EventType())),
			logger.EventID(ev.EventID()),
			logger.Err(err),
		)
	}
}

// BuildAggregate folds a learner's records into the state criteria are
// evaluated against.
func (s *AchievementFlowSaga) BuildAggregate(ctx context.Context, learnerID shared.LearnerID, perfectHint bool) (achievement.Aggregate, error) {
	agg := achievement.Aggregate{LearnerID: learnerID, PerfectScore: perfectHint}

	records, err := s.deps.Records.ListByLearner(ctx, learnerID, "")
	if err != nil {
		return agg, fmt.Errorf("records: %w", err)
	}
	var scoreSum float64
	var attempts int
	for _, r := range records {
		if !r.IsActive {
			continue
		}
		switch r.Key.Scope.Kind {
		case shared.ScopeCourse:
			if r.IsCompleted {
				agg.CoursesCompleted++
			}
			scoreSum += r.AverageScore * float64(r.AttemptsCount)
			attempts += r.AttemptsCount
			if r.BestScore >= 100 {
				agg.PerfectScore = true
			}
		case shared.ScopeLesson:
			if r.IsCompleted {
				agg.LessonsCompleted++
			}
		}
		if r.LongestStreak > agg.LongestStreak {
			agg.LongestStreak = r.LongestStreak
		}
	}
	if attempts > 0 {
		agg.AverageScore = math.Round(scoreSum/float64(attempts)*100) / 100
	}

	totals, err := s.deps.Ledger.Totals(ctx, progress.LedgerFilter{Learners: []shared.LearnerID{learnerID}})
	if err != nil {
		return agg, fmt.Errorf("ledger: %w", err)
	}
	for _, t := range totals {
		if t.LearnerID == learnerID {
			agg.TotalXP = t.XP
		}
	}

	if s.deps.Activity != nil {
		n, err := s.deps.Activity.DiscussionCount(ctx, learnerID)
		if err != nil {
			return agg, fmt.Errorf("discussions: %w", err)
		}
		agg.DiscussionCount = n
	}
	if s.deps.Schedules != nil {
		n, err := s.deps.Schedules.CountMature(ctx, learnerID)
		if err != nil {
			return agg, fmt.Errorf("mature reviews: %w", err)
		}
		agg.VocabularyLearned = n
	}
	return agg, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// AchievementFlowError reports the step at which the flow failed.
type AchievementFlowError struct {
	Step           AchievementFlowStep
	LearnerID      shared.LearnerID
	TriggerEventID string
	Err            error
}

func (e *AchievementFlowError) Error() string {
	return fmt.Sprintf("achievement flow failed at %s for learner %s (trigger %s): %v",
		e.Step, e.LearnerID, e.TriggerEventID, e.Err)
}

func (e *AchievementFlowError) Unwrap() error { return e.Err }

func wrapStep(step AchievementFlowStep, in AchievementCheckInput, err error) error {
	return &AchievementFlowError{Step: step, LearnerID: in.LearnerID, TriggerEventID: in.TriggerEventID, Err: err}
}
