package command

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/progression-engine/internal/domain/assessment"
	"github.com/alem-hub/progression-engine/internal/domain/progress"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS AGGREGATOR
// Owns every write to progress records and the XP ledger. Course completion
// percentages and course statistics are recomputed from authoritative
// records, never incremented.
// ══════════════════════════════════════════════════════════════════════════════

// ApplyCompletionCommand reports completion of a scope worth XPDelta.
type ApplyCompletionCommand struct {
	LearnerID shared.LearnerID
	Scope     shared.Scope
	// CourseID is required for non-course scopes.
	CourseID string
	XPDelta  int64
	// Token makes the completion idempotent. Empty generates a fresh one.
	Token  string
	Reason string
	At     time.Time
}

// Validate validates the command.
func (c ApplyCompletionCommand) Validate() error {
	if c.LearnerID.IsEmpty() {
		return shared.Validationf("progress", "ApplyCompletion", "learner_id is required")
	}
	if err := c.Scope.Validate(); err != nil {
		return err
	}
	if c.Scope.Kind != shared.ScopeCourse && c.CourseID == "" {
		return shared.Validationf("progress", "ApplyCompletion", "course_id is required for %s scopes", c.Scope.Kind)
	}
	if c.XPDelta < 0 {
		return shared.Validationf("progress", "ApplyCompletion", "xp delta %d is negative; use CorrectXP", c.XPDelta)
	}
	return nil
}

func (c ApplyCompletionCommand) courseID() string {
	if c.Scope.Kind == shared.ScopeCourse {
		return c.Scope.ID
	}
	return c.CourseID
}

// CorrectXPCommand is a signed XP correction.
type CorrectXPCommand struct {
	LearnerID shared.LearnerID
	Scope     shared.Scope
	CourseID  string
	Delta     int64
	Reason    string
	Token     string
	At        time.Time
}

// ProgressAggregator applies completions, corrections and recomputes.
type ProgressAggregator struct {
	records   progress.ProgressStore
	ledger    progress.XPLedger
	stats     progress.StatsStore
	hierarchy progress.ContentHierarchy
	catalog   assessment.Catalog
	attempts  assessment.AttemptStore
	responses assessment.ResponseStore
	deps      Deps
	locks     keyLocks
	log       *logger.Logger
}

// ProgressStores groups the stores the aggregator reads and writes.
type ProgressStores struct {
	Records   progress.ProgressStore
	Ledger    progress.XPLedger
	Stats     progress.StatsStore
	Hierarchy progress.ContentHierarchy
	Catalog   assessment.Catalog
	Attempts  assessment.AttemptStore
	Responses assessment.ResponseStore
}

// NewProgressAggregator creates a ProgressAggregator.
func NewProgressAggregator(s ProgressStores, deps Deps) *ProgressAggregator {
	deps = deps.withDefaults()
	return &ProgressAggregator{
		records:   s.Records,
		ledger:    s.Ledger,
		stats:     s.Stats,
		hierarchy: s.Hierarchy,
		catalog:   s.Catalog,
		attempts:  s.Attempts,
		responses: s.Responses,
		deps:      deps,
		log:       deps.Logger.With(logger.Component("progress")),
	}
}

// mutate runs fn against the record at key under a per-key lock and a
// compare-and-swap retry loop, creating the record on first access. fn
// reports whether it changed the record; unchanged records are not written.
func (a *ProgressAggregator) mutate(ctx context.Context, key progress.Key, courseID string, now time.Time, fn func(p *progress.ProgressRecord) (bool, error)) (*progress.ProgressRecord, error) {
	defer a.locks.lock(key.String())()

	var out *progress.ProgressRecord
	err := a.deps.retrier().Do(ctx, func(ctx context.Context) error {
		p, err := a.records.Get(ctx, key)
		create := false
		switch {
		case shared.IsNotFound(err):
			p = progress.NewProgressRecord(key, courseID, now)
			create = true
		case err != nil:
			return err
		}
		changed, err := fn(p)
		if err != nil {
			return err
		}
		switch {
		case create:
			err = a.records.Create(ctx, p)
		case changed:
			err = a.records.Update(ctx, p)
		}
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// ApplyCompletion adds XP to the scope and its course, advances the streak
// and, for lessons and steps, marks the leaf complete. The course
// percentage is then recomputed from the leaf records.
func (a *ProgressAggregator) ApplyCompletion(ctx context.Context, cmd ApplyCompletionCommand) (*progress.ProgressRecord, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if cmd.Token == "" {
		cmd.Token = uuid.NewString()
	}
	now := a.deps.now(cmd.At)
	courseID := cmd.courseID()
	completion := progress.Completion{XPDelta: cmd.XPDelta, Token: cmd.Token, At: now}

	apply := func(p *progress.ProgressRecord) (bool, error) {
		return p.ApplyCompletion(completion, a.deps.Location)
	}

	courseKey := progress.Key{LearnerID: cmd.LearnerID, Scope: shared.CourseScope(courseID)}
	var scoped *progress.ProgressRecord
	if cmd.Scope.Kind != shared.ScopeCourse {
		var err error
		scoped, err = a.mutate(ctx, progress.Key{LearnerID: cmd.LearnerID, Scope: cmd.Scope}, courseID, now, apply)
		if err != nil {
			return nil, fmt.Errorf("apply_completion %s: %w", cmd.Scope, err)
		}
	}

	var applied bool
	course, err := a.mutate(ctx, courseKey, courseID, now, func(p *progress.ProgressRecord) (bool, error) {
		ok, err := apply(p)
		applied = ok
		return ok, err
	})
	if err != nil {
		return nil, fmt.Errorf("apply_completion %s: %w", courseKey.Scope, err)
	}

	// The ledger dedupes by token, so a retry after a crash between the
	// record write and this append still lands the entry exactly once.
	if cmd.XPDelta > 0 {
		if _, err := a.ledger.Append(ctx, progress.LedgerEntry{
			Token:     cmd.Token,
			LearnerID: cmd.LearnerID,
			CourseID:  courseID,
			Delta:     cmd.XPDelta,
			At:        now,
		}); err != nil {
			return nil, fmt.Errorf("apply_completion ledger: %w", err)
		}
	}

	if applied && cmd.XPDelta > 0 {
		ev := shared.XPGainedEvent{
			BaseEvent: shared.NewBaseEvent(shared.EventXPGained, "xp:"+cmd.Token, cmd.LearnerID.String(), now),
			Scope:     cmd.Scope,
			Delta:     cmd.XPDelta,
			NewTotal:  course.XPEarned,
			Reason:    cmd.Reason,
		}
		a.deps.publish(ctx, ev)
	}

	if scoped != nil && scoped.IsLeaf() {
		if _, err := a.Recompute(ctx, cmd.LearnerID, courseID); err != nil {
			a.log.Error("course recompute failed",
				logger.Operation("ApplyCompletion"),
				logger.LearnerID(cmd.LearnerID.String()),
				logger.String("course_id", courseID),
				logger.Err(err),
			)
		}
	}

	if scoped != nil {
		return scoped, nil
	}
	return course, nil
}

// Recompute sets a course's completion percentage from its leaf records and
// refreshes the course statistics. The leaves are counted inside the course
// record's lock and again on every compare-and-swap retry, so a slower
// recompute never writes an older count over a newer one.
func (a *ProgressAggregator) Recompute(ctx context.Context, learnerID shared.LearnerID, courseID string) (*progress.ProgressRecord, error) {
	return a.recompute(ctx, learnerID, courseID, false)
}

func (a *ProgressAggregator) recompute(ctx context.Context, learnerID shared.LearnerID, courseID string, allowDecrease bool) (*progress.ProgressRecord, error) {
	now := a.deps.Clock.Now()
	key := progress.Key{LearnerID: learnerID, Scope: shared.CourseScope(courseID)}
	var becameComplete bool
	rec, err := a.mutate(ctx, key, courseID, now, func(p *progress.ProgressRecord) (bool, error) {
		done, total, err := a.countLeaves(ctx, learnerID, courseID)
		if err != nil {
			return false, err
		}
		wasComplete := p.IsCompleted
		changed := p.SetCompletion(done, total, allowDecrease, now)
		becameComplete = !wasComplete && p.IsCompleted
		return changed, nil
	})
	if err != nil {
		return nil, fmt.Errorf("recompute %s: %w", courseID, err)
	}
	if becameComplete {
		a.publishCourseCompleted(ctx, rec, now)
	}
	if err := a.RecomputeCourseStats(ctx, courseID); err != nil {
		a.log.Error("course statistics recompute failed", logger.String("course_id", courseID), logger.Err(err))
	}
	return rec, nil
}

// countLeaves returns how many leaves of the course the learner has
// completed, and how many leaves the course has.
func (a *ProgressAggregator) countLeaves(ctx context.Context, learnerID shared.LearnerID, courseID string) (int, int, error) {
	leaves, err := a.hierarchy.LeafScopes(ctx, courseID)
	if err != nil {
		return 0, 0, err
	}
	records, err := a.records.ListByLearner(ctx, learnerID, courseID)
	if err != nil {
		return 0, 0, err
	}
	isLeaf := make(map[shared.Scope]bool, len(leaves))
	for _, l := range leaves {
		isLeaf[l] = true
	}
	done := 0
	for _, r := range records {
		if isLeaf[r.Key.Scope] && r.IsCompleted && r.IsActive {
			done++
		}
	}
	return done, len(leaves), nil
}

// CorrectXP is the only operation that may lower XP. Totals floor at zero.
func (a *ProgressAggregator) CorrectXP(ctx context.Context, cmd CorrectXPCommand) (*progress.ProgressRecord, error) {
	if cmd.LearnerID.IsEmpty() {
		return nil, shared.Validationf("progress", "CorrectXP", "learner_id is required")
	}
	if err := cmd.Scope.Validate(); err != nil {
		return nil, err
	}
	if cmd.Token == "" {
		cmd.Token = uuid.NewString()
	}
	courseID := cmd.CourseID
	if cmd.Scope.Kind == shared.ScopeCourse {
		courseID = cmd.Scope.ID
	}
	if courseID == "" {
		return nil, shared.Validationf("progress", "CorrectXP", "course_id is required for %s scopes", cmd.Scope.Kind)
	}
	now := a.deps.now(cmd.At)

	correct := func(applied *int64) func(p *progress.ProgressRecord) (bool, error) {
		return func(p *progress.ProgressRecord) (bool, error) {
			d, ok := p.Correct(cmd.Delta, cmd.Token)
			*applied = d
			return ok, nil
		}
	}

	var scoped *progress.ProgressRecord
	var scopedDelta, courseDelta int64
	if cmd.Scope.Kind != shared.ScopeCourse {
		var err error
		scoped, err = a.mutate(ctx, progress.Key{LearnerID: cmd.LearnerID, Scope: cmd.Scope}, courseID, now, correct(&scopedDelta))
		if err != nil {
			return nil, fmt.Errorf("correct_xp %s: %w", cmd.Scope, err)
		}
	}
	course, err := a.mutate(ctx, progress.Key{LearnerID: cmd.LearnerID, Scope: shared.CourseScope(courseID)}, courseID, now, correct(&courseDelta))
	if err != nil {
		return nil, fmt.Errorf("correct_xp course %s: %w", courseID, err)
	}
	if courseDelta != 0 {
		if _, err := a.ledger.Append(ctx, progress.LedgerEntry{
			Token: cmd.Token, LearnerID: cmd.LearnerID, CourseID: courseID, Delta: courseDelta, At: now,
		}); err != nil {
			return nil, fmt.Errorf("correct_xp ledger: %w", err)
		}
	}
	a.log.Info("xp corrected",
		logger.LearnerID(cmd.LearnerID.String()),
		logger.String("scope", cmd.Scope.String()),
		logger.XPAmount(courseDelta),
		logger.String("reason", cmd.Reason),
	)
	if scoped != nil {
		return scoped, nil
	}
	return course, nil
}

// GrantBonus records XP that belongs to no course, such as an achievement
// reward. It only reaches the ledger, so it counts on global and periodic
// boards.
func (a *ProgressAggregator) GrantBonus(ctx context.Context, learnerID shared.LearnerID, xp int64, token, reason string, at time.Time) (bool, error) {
	if xp <= 0 {
		return false, shared.Validationf("progress", "GrantBonus", "bonus xp must be positive, got %d", xp)
	}
	now := a.deps.now(at)
	ok, err := a.ledger.Append(ctx, progress.LedgerEntry{Token: token, LearnerID: learnerID, Delta: xp, At: now})
	if err != nil {
		return false, fmt.Errorf("grant_bonus: %w", err)
	}
	if ok {
		a.deps.publish(ctx, shared.XPGainedEvent{
			BaseEvent: shared.NewBaseEvent(shared.EventXPGained, "xp:"+token, learnerID.String(), now),
			Delta:     xp,
			Reason:    reason,
		})
	}
	return ok, nil
}

// Enroll creates or reactivates the course record of a learner.
func (a *ProgressAggregator) Enroll(ctx context.Context, learnerID shared.LearnerID, courseID string) (*progress.ProgressRecord, error) {
	if learnerID.IsEmpty() || courseID == "" {
		return nil, shared.Validationf("progress", "Enroll", "learner_id and course_id are required")
	}
	now := a.deps.Clock.Now()
	rec, err := a.mutate(ctx, progress.Key{LearnerID: learnerID, Scope: shared.CourseScope(courseID)}, courseID, now,
		func(p *progress.ProgressRecord) (bool, error) {
			if p.IsActive {
				return false, nil
			}
			p.IsActive = true
			return true, nil
		})
	if err != nil {
		return nil, fmt.Errorf("enroll %s: %w", courseID, err)
	}
	if err := a.RecomputeCourseStats(ctx, courseID); err != nil {
		a.log.Error("course statistics recompute failed", logger.String("course_id", courseID), logger.Err(err))
	}
	return rec, nil
}

// Deactivate soft-deletes a record. Records are never removed. Deactivating
// a leaf is the one change that may lower the course percentage.
func (a *ProgressAggregator) Deactivate(ctx context.Context, key progress.Key) error {
	rec, err := a.records.Get(ctx, key)
	if err != nil {
		return err
	}
	_, err = a.mutate(ctx, key, rec.CourseID, a.deps.Clock.Now(), func(p *progress.ProgressRecord) (bool, error) {
		if !p.IsActive {
			return false, nil
		}
		p.IsActive = false
		return true, nil
	})
	if err != nil {
		return err
	}
	switch {
	case key.Scope.Kind == shared.ScopeCourse:
		return a.RecomputeCourseStats(ctx, key.Scope.ID)
	case rec.IsLeaf():
		_, err = a.recompute(ctx, key.LearnerID, rec.CourseID, true)
		return err
	}
	return nil
}

// IsEnrolled reports whether the learner has an active course record.
func (a *ProgressAggregator) IsEnrolled(ctx context.Context, learnerID shared.LearnerID, courseID string) (bool, error) {
	p, err := a.records.Get(ctx, progress.Key{LearnerID: learnerID, Scope: shared.CourseScope(courseID)})
	switch {
	case shared.IsNotFound(err):
		return false, nil
	case err != nil:
		return false, err
	}
	return p.IsActive, nil
}

// RecordAttemptResult folds a completed attempt into the course record.
func (a *ProgressAggregator) RecordAttemptResult(ctx context.Context, learnerID shared.LearnerID, courseID string, percentage float64, token string) (*progress.ProgressRecord, error) {
	key := progress.Key{LearnerID: learnerID, Scope: shared.CourseScope(courseID)}
	return a.mutate(ctx, key, courseID, a.deps.Clock.Now(), func(p *progress.ProgressRecord) (bool, error) {
		return p.RecordAttempt(percentage, token), nil
	})
}

// CompleteByAssessments marks the course complete when every active
// assessment of the course has a passing attempt by the learner.
func (a *ProgressAggregator) CompleteByAssessments(ctx context.Context, learnerID shared.LearnerID, courseID string) (bool, error) {
	list, err := a.catalog.ListAssessmentsByCourse(ctx, courseID)
	if err != nil {
		return false, err
	}
	if len(list) == 0 {
		return false, nil
	}
	for _, as := range list {
		attempts, err := a.attempts.ListByLearner(ctx, learnerID, as.ID)
		if err != nil {
			return false, err
		}
		if !anyPassed(attempts) {
			return false, nil
		}
	}

	now := a.deps.Clock.Now()
	var changed, becameComplete bool
	rec, err := a.mutate(ctx, progress.Key{LearnerID: learnerID, Scope: shared.CourseScope(courseID)}, courseID, now,
		func(p *progress.ProgressRecord) (bool, error) {
			wasComplete := p.IsCompleted
			changed = p.MarkCompletedByAssessments(now)
			becameComplete = !wasComplete && p.IsCompleted
			return changed, nil
		})
	if err != nil {
		return false, err
	}
	if becameComplete {
		a.publishCourseCompleted(ctx, rec, now)
	}
	if changed {
		if err := a.RecomputeCourseStats(ctx, courseID); err != nil {
			a.log.Error("course statistics recompute failed", logger.String("course_id", courseID), logger.Err(err))
		}
	}
	return becameComplete, nil
}

func anyPassed(attempts []*assessment.Attempt) bool {
	for _, at := range attempts {
		if at.Status == assessment.StatusCompleted && at.Result != nil && at.Result.Passed {
			return true
		}
	}
	return false
}

func (a *ProgressAggregator) publishCourseCompleted(ctx context.Context, rec *progress.ProgressRecord, now time.Time) {
	a.log.Info("course completed",
		logger.LearnerID(rec.Key.LearnerID.String()),
		logger.String("course_id", rec.Key.Scope.ID),
		logger.String("via", string(rec.CompletedVia)),
	)
	a.deps.publish(ctx, shared.CourseCompletedEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventCourseCompleted,
			"course-completed:"+rec.Key.LearnerID.String()+":"+rec.Key.Scope.ID,
			rec.Key.LearnerID.String(), now),
		CourseID: rec.Key.Scope.ID,
		Via:      string(rec.CompletedVia),
	})
}
