package command

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/assessment"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// AttemptStores groups the stores of the attempt lifecycle.
type AttemptStores struct {
	Catalog   assessment.Catalog
	Attempts  assessment.AttemptStore
	Responses assessment.ResponseStore
}

// Enrollment answers whether a learner may take a course's assessments.
type Enrollment interface {
	IsEnrolled(ctx context.Context, learnerID shared.LearnerID, courseID string) (bool, error)
}

// ══════════════════════════════════════════════════════════════════════════════
// START ATTEMPT COMMAND
// ══════════════════════════════════════════════════════════════════════════════

// StartAttemptCommand opens an attempt.
type StartAttemptCommand struct {
	LearnerID    shared.LearnerID
	AssessmentID string
}

// StartAttemptResult identifies the attempt to answer.
type StartAttemptResult struct {
	AttemptID     string
	AttemptNumber int
	Deadline      *time.Time
	// Resumed is true when an in-progress attempt was returned instead of a
	// new one.
	Resumed bool
	// Remaining counts attempts left after this one.
	Remaining int
}

// StartAttemptHandler handles StartAttemptCommand.
type StartAttemptHandler struct {
	stores     AttemptStores
	enrollment Enrollment
	deps       Deps
	locks      keyLocks
	log        *logger.Logger
}

// NewStartAttemptHandler creates a StartAttemptHandler. A nil enrollment
// admits every learner.
func NewStartAttemptHandler(stores AttemptStores, enrollment Enrollment, deps Deps) *StartAttemptHandler {
	deps = deps.withDefaults()
	return &StartAttemptHandler{
		stores:     stores,
		enrollment: enrollment,
		deps:       deps,
		log:        deps.Logger.With(logger.Component("attempt")),
	}
}

// Handle starts, or resumes, an attempt. It fails with
// shared.ErrAttemptLimitExceeded once submitted and completed attempts reach
// the allowance, and with shared.ErrNotEnrolled for learners outside the
// course.
func (h *StartAttemptHandler) Handle(ctx context.Context, cmd StartAttemptCommand) (*StartAttemptResult, error) {
	if cmd.LearnerID.IsEmpty() || cmd.AssessmentID == "" {
		return nil, shared.Validationf("assessment", "StartAttempt", "learner_id and assessment_id are required")
	}
	a, err := h.stores.Catalog.GetAssessment(ctx, cmd.AssessmentID)
	if err != nil {
		return nil, err
	}
	def := a.WithDefaults()
	now := h.deps.Clock.Now()
	if !def.AvailableAt(now) {
		return nil, shared.NewDomainError("assessment", "StartAttempt", shared.ErrInvalidState,
			fmt.Sprintf("assessment %s is not open for attempts", a.ID))
	}
	if h.enrollment != nil && def.CourseID != "" {
		ok, err := h.enrollment.IsEnrolled(ctx, cmd.LearnerID, def.CourseID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, shared.NewDomainError("assessment", "StartAttempt", shared.ErrNotEnrolled,
				fmt.Sprintf("learner %s is not enrolled in course %s", cmd.LearnerID, def.CourseID))
		}
	}

	defer h.locks.lock(cmd.LearnerID.String() + "/" + cmd.AssessmentID)()

	var res *StartAttemptResult
	err = h.deps.retrier().Do(ctx, func(ctx context.Context) error {
		res = nil
		prior, err := h.stores.Attempts.ListByLearner(ctx, cmd.LearnerID, cmd.AssessmentID)
		if err != nil {
			return err
		}
		used := 0
		for _, at := range prior {
			if at.Status == assessment.StatusInProgress {
				res = &StartAttemptResult{
					AttemptID:     at.ID,
					AttemptNumber: at.AttemptNumber,
					Deadline:      at.Deadline,
					Resumed:       true,
				}
			}
			if at.Status.CountsTowardLimit() {
				used++
			}
		}
		if res != nil {
			res.Remaining = def.AttemptsAllowed - used - 1
			return nil
		}
		if used >= def.AttemptsAllowed {
			return shared.NewDomainError("assessment", "StartAttempt", shared.ErrAttemptLimitExceeded,
				fmt.Sprintf("%d of %d attempts used", used, def.AttemptsAllowed))
		}

		at := assessment.NewAttempt(&def, cmd.LearnerID, len(prior)+1, now)
		if err := h.stores.Attempts.Create(ctx, at); err != nil {
			return err
		}
		res = &StartAttemptResult{
			AttemptID:     at.ID,
			AttemptNumber: at.AttemptNumber,
			Deadline:      at.Deadline,
			Remaining:     def.AttemptsAllowed - used - 1,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.log.Info("attempt started",
		logger.LearnerID(cmd.LearnerID.String()),
		logger.AttemptID(res.AttemptID),
		logger.String("assessment_id", cmd.AssessmentID),
		logger.Int("attempt_number", res.AttemptNumber),
		logger.Bool("resumed", res.Resumed),
	)
	return res, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ABANDON ATTEMPT COMMAND
// ══════════════════════════════════════════════════════════════════════════════

// AbandonAttemptHandler ends in-progress attempts without scoring.
type AbandonAttemptHandler struct {
	attempts assessment.AttemptStore
	deps     Deps
}

func NewAbandonAttemptHandler(attempts assessment.AttemptStore, deps Deps) *AbandonAttemptHandler {
	return &AbandonAttemptHandler{attempts: attempts, deps: deps.withDefaults()}
}

// Handle abandons the attempt.
func (h *AbandonAttemptHandler) Handle(ctx context.Context, attemptID string) error {
	return h.deps.retrier().Do(ctx, func(ctx context.Context) error {
		at, err := h.attempts.Get(ctx, attemptID)
		if err != nil {
			return err
		}
		if err := at.Abandon(h.deps.Clock.Now()); err != nil {
			return err
		}
		return h.attempts.Update(ctx, at)
	})
}
