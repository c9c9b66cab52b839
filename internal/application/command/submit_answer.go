package command

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alem-hub/progression-engine/internal/domain/assessment"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SUBMIT ANSWER COMMAND
// Persists a response, grades it synchronously when possible and links it to
// the attempt. Open-ended answers are acknowledged as pending.
// ══════════════════════════════════════════════════════════════════════════════

// SubmitAnswerCommand is one answer inside an attempt.
type SubmitAnswerCommand struct {
	AttemptID        string
	QuestionID       string
	ResponseData     json.RawMessage
	TimeTakenSeconds int
}

// SubmitAnswerResult is the synchronous grading acknowledgement.
type SubmitAnswerResult struct {
	ResponseID string
	Status     assessment.ResponseStatus
	IsCorrect  bool
	Score      float64
	MaxScore   float64
	Feedback   string
	// Pending is true while the answer awaits manual or external grading.
	Pending bool
}

// SubmitAnswerHandler handles SubmitAnswerCommand.
type SubmitAnswerHandler struct {
	stores   AttemptStores
	grader   *assessment.Grader
	external assessment.ExternalGrader
	deps     Deps
	locks    keyLocks
	log      *logger.Logger
}

// NewSubmitAnswerHandler creates a SubmitAnswerHandler. external may be nil,
// in which case open-ended answers wait for GradeResponse.
func NewSubmitAnswerHandler(stores AttemptStores, grader *assessment.Grader, external assessment.ExternalGrader, deps Deps) *SubmitAnswerHandler {
	deps = deps.withDefaults()
	if grader == nil {
		grader = assessment.NewGrader(nil)
	}
	return &SubmitAnswerHandler{
		stores:   stores,
		grader:   grader,
		external: external,
		deps:     deps,
		log:      deps.Logger.With(logger.Component("attempt")),
	}
}

// Handle executes the command. Malformed payloads fail with
// shared.ErrValidation and leave no response behind.
func (h *SubmitAnswerHandler) Handle(ctx context.Context, cmd SubmitAnswerCommand) (*SubmitAnswerResult, error) {
	if cmd.AttemptID == "" || cmd.QuestionID == "" {
		return nil, shared.Validationf("assessment", "SubmitAnswer", "attempt_id and question_id are required")
	}
	if cmd.TimeTakenSeconds < 0 {
		return nil, shared.Validationf("assessment", "SubmitAnswer", "time taken must be >= 0")
	}
	at, err := h.stores.Attempts.Get(ctx, cmd.AttemptID)
	if err != nil {
		return nil, err
	}
	if err := at.EnsureInProgress(); err != nil {
		return nil, err
	}
	q, err := h.stores.Catalog.GetQuestion(ctx, cmd.QuestionID)
	if err != nil {
		return nil, err
	}
	if err := h.checkMembership(ctx, at, q); err != nil {
		return nil, err
	}

	now := h.deps.Clock.Now()
	out, gradingErr, err := h.grade(ctx, q, cmd.ResponseData)
	if err != nil {
		return nil, err
	}

	defer h.locks.lock(at.LearnerID.String() + "/" + q.ID)()

	var resp *assessment.UserResponse
	err = h.deps.retrier().Do(ctx, func(ctx context.Context) error {
		n, err := h.stores.Responses.CountByLearnerQuestion(ctx, at.LearnerID, q.ID)
		if err != nil {
			return err
		}
		r := assessment.NewUserResponse(at.LearnerID, q.ID, at.ID, cmd.ResponseData, n+1, cmd.TimeTakenSeconds, now)
		r.ApplyOutcome(out, now)
		if out.Graded && q.Type.IsOpenEnded() {
			r.GradedBy = assessment.GradedByExternal
		}
		r.GradingError = gradingErr
		if err := h.stores.Responses.Create(ctx, r); err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("submit_answer: %w", err)
	}

	err = h.deps.retrier().Do(ctx, func(ctx context.Context) error {
		cur, err := h.stores.Attempts.Get(ctx, at.ID)
		if err != nil {
			return err
		}
		if err := cur.RecordResponse(resp); err != nil {
			return err
		}
		return h.stores.Attempts.Update(ctx, cur)
	})
	if err != nil {
		return nil, fmt.Errorf("submit_answer: link response: %w", err)
	}

	outcome := "ungraded"
	switch {
	case resp.IsGraded() && resp.IsCorrect:
		outcome = "correct"
	case resp.IsGraded():
		outcome = "incorrect"
	}
	h.deps.Observer.ObserveGrading(string(q.Type), outcome)

	ev := shared.NewAnswerSubmittedEvent(resp.ID, at.LearnerID.String(), now)
	ev.QuestionID = q.ID
	ev.AttemptID = at.ID
	ev.CourseID = at.CourseID
	ev.Graded = resp.IsGraded()
	ev.IsCorrect = resp.IsCorrect
	ev.ReviewItems = q.ReviewItems
	ev.TimeTakenSec = resp.TimeTakenSeconds
	h.deps.publish(ctx, ev)

	return &SubmitAnswerResult{
		ResponseID: resp.ID,
		Status:     resp.Status,
		IsCorrect:  resp.IsCorrect,
		Score:      resp.Score,
		MaxScore:   resp.MaxScore,
		Feedback:   resp.Feedback,
		Pending:    !resp.IsGraded(),
	}, nil
}

func (h *SubmitAnswerHandler) checkMembership(ctx context.Context, at *assessment.Attempt, q *assessment.Question) error {
	a, err := h.stores.Catalog.GetAssessment(ctx, at.AssessmentID)
	if err != nil {
		return err
	}
	if len(a.QuestionIDs) == 0 {
		if q.AssessmentID == a.ID {
			return nil
		}
	}
	for _, id := range a.QuestionIDs {
		if id == q.ID {
			return nil
		}
	}
	return shared.Validationf("assessment", "SubmitAnswer", "question %s is not part of assessment %s", q.ID, a.ID)
}

// grade returns the outcome and, when an answer that could have been graded
// was left ungraded, the reason. Only payload violations abort.
func (h *SubmitAnswerHandler) grade(ctx context.Context, q *assessment.Question, raw json.RawMessage) (assessment.Outcome, string, error) {
	out, err := h.grader.Evaluate(q, raw)
	switch {
	case shared.IsValidation(err):
		return assessment.Outcome{}, "", err
	case err != nil:
		h.log.Warn("grading failed, answer left ungraded",
			logger.String("question_id", q.ID),
			logger.Err(err),
		)
		return assessment.Ungraded(q), err.Error(), nil
	}
	if out.Graded || h.external == nil || !q.Type.IsOpenEnded() {
		return out, "", nil
	}

	ext, err := h.external.GradeOpenEnded(ctx, q, raw)
	if err != nil {
		h.log.Warn("external grading failed, answer pending",
			logger.String("question_id", q.ID),
			logger.Err(err),
		)
		return out, err.Error(), nil
	}
	ext.Graded = true
	ext.MaxScore = float64(q.Points)
	if ext.Score > ext.MaxScore {
		ext.Score = ext.MaxScore
	}
	return ext, "", nil
}
