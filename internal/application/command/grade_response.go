package command

import (
	"context"
	"fmt"

	"github.com/alem-hub/progression-engine/internal/domain/assessment"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GRADE RESPONSE COMMAND
// ══════════════════════════════════════════════════════════════════════════════

// GradeResponseCommand records a manual, external or override grade.
type GradeResponseCommand struct {
	ResponseID string
	Score      float64
	IsCorrect  bool
	Feedback   string
	Source     assessment.GradeSource
}

// GradeResponseHandler grades pending responses and applies overrides. The
// attempt finalizes itself once nothing is pending.
type GradeResponseHandler struct {
	stores   AttemptStores
	finalize *FinalizeAttemptHandler
	deps     Deps
}

func NewGradeResponseHandler(stores AttemptStores, finalize *FinalizeAttemptHandler, deps Deps) *GradeResponseHandler {
	return &GradeResponseHandler{stores: stores, finalize: finalize, deps: deps.withDefaults()}
}

// Handle executes the command. Only responses of submitted attempts can be
// graded. Overrides are rejected once the attempt is completed because its
// result is immutable.
func (h *GradeResponseHandler) Handle(ctx context.Context, cmd GradeResponseCommand) (*assessment.UserResponse, error) {
	switch cmd.Source {
	case assessment.GradedByManual, assessment.GradedByExternal, assessment.GradedByOverride:
	case "":
		cmd.Source = assessment.GradedByManual
	default:
		return nil, shared.Validationf("assessment", "GradeResponse", "unsupported grade source %q", cmd.Source)
	}
	if cmd.Score < 0 {
		return nil, shared.Validationf("assessment", "GradeResponse", "score must be >= 0")
	}

	now := h.deps.Clock.Now()
	var (
		r  *assessment.UserResponse
		at *assessment.Attempt
	)
	err := h.deps.retrier().Do(ctx, func(ctx context.Context) error {
		var err error
		r, err = h.stores.Responses.Get(ctx, cmd.ResponseID)
		if err != nil {
			return err
		}
		at, err = h.stores.Attempts.Get(ctx, r.AttemptID)
		if err != nil {
			return err
		}
		switch at.Status {
		case assessment.StatusSubmitted:
		case assessment.StatusCompleted:
			return shared.WrapError("assessment", "GradeResponse", shared.ErrInvalidState,
				"attempt "+at.ID, shared.ErrAlreadyCompleted)
		default:
			return shared.NewDomainError("assessment", "GradeResponse", shared.ErrInvalidState,
				fmt.Sprintf("attempt %s is %s, not submitted", at.ID, at.Status))
		}
		if err := r.Grade(cmd.Score, cmd.IsCorrect, cmd.Feedback, cmd.Source, now); err != nil {
			return err
		}
		return h.stores.Responses.Update(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	ev := shared.NewAnswerSubmittedEvent(r.ID, r.LearnerID.String(), now)
	ev.ID = fmt.Sprintf("%s#graded:%d", r.ID, r.Version)
	ev.QuestionID = r.QuestionID
	ev.AttemptID = at.ID
	ev.CourseID = at.CourseID
	ev.Graded = true
	ev.IsCorrect = r.IsCorrect
	ev.TimeTakenSec = r.TimeTakenSeconds
	if q, err := h.stores.Catalog.GetQuestion(ctx, r.QuestionID); err == nil {
		ev.ReviewItems = q.ReviewItems
	}
	h.deps.publish(ctx, ev)

	if at.Status == assessment.StatusSubmitted && h.finalize != nil {
		if pending, err := h.pending(ctx, at); err == nil && pending == 0 {
			if _, err := h.finalize.Handle(ctx, at.ID); err != nil {
				return r, fmt.Errorf("grade_response: finalize %s: %w", at.ID, err)
			}
		}
	}
	return r, nil
}

func (h *GradeResponseHandler) pending(ctx context.Context, at *assessment.Attempt) (int, error) {
	responses, err := h.stores.Responses.GetMany(ctx, at.ResponseIDs())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range responses {
		if !r.IsGraded() {
			n++
		}
	}
	return n, nil
}
