package command

import (
	"context"

	"github.com/alem-hub/progression-engine/internal/domain/assessment"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// FINALIZE ATTEMPT COMMAND
// ══════════════════════════════════════════════════════════════════════════════

// FinalizeAttemptHandler scores attempts.
type FinalizeAttemptHandler struct {
	stores AttemptStores
	deps   Deps
	locks  keyLocks
	log    *logger.Logger
}

func NewFinalizeAttemptHandler(stores AttemptStores, deps Deps) *FinalizeAttemptHandler {
	deps = deps.withDefaults()
	return &FinalizeAttemptHandler{
		stores: stores,
		deps:   deps,
		log:    deps.Logger.With(logger.Component("attempt")),
	}
}

// Handle scores the attempt. Finalizing a completed attempt returns its
// stored result; with answers still pending the attempt stays submitted.
func (h *FinalizeAttemptHandler) Handle(ctx context.Context, attemptID string) (assessment.Result, error) {
	defer h.locks.lock(attemptID)()

	var (
		res       assessment.Result
		completed bool
		at        *assessment.Attempt
		def       assessment.Assessment
	)
	err := h.deps.retrier().Do(ctx, func(ctx context.Context) error {
		var err error
		at, err = h.stores.Attempts.Get(ctx, attemptID)
		if err != nil {
			return err
		}
		if at.Status == assessment.StatusCompleted && at.Result != nil {
			res, completed = *at.Result, false
			return nil
		}
		a, err := h.stores.Catalog.GetAssessment(ctx, at.AssessmentID)
		if err != nil {
			return err
		}
		def = a.WithDefaults()
		responses, err := h.stores.Responses.GetMany(ctx, at.ResponseIDs())
		if err != nil {
			return err
		}
		res, err = at.Finalize(&def, responses, h.deps.Clock.Now())
		if err != nil {
			return err
		}
		if err := h.stores.Attempts.Update(ctx, at); err != nil {
			return err
		}
		completed = at.Status == assessment.StatusCompleted
		return nil
	})
	if err != nil {
		return assessment.Result{}, err
	}
	if !completed {
		return res, nil
	}

	h.log.Info("attempt completed",
		logger.LearnerID(at.LearnerID.String()),
		logger.AttemptID(at.ID),
		logger.Float64("percentage", res.Percentage),
		logger.Bool("passed", res.Passed),
		logger.Bool("time_limit_exceeded", res.TimeLimitExceeded),
	)

	ev := shared.NewAttemptCompletedEvent(at.ID, at.LearnerID.String(), *res.CompletedAt)
	ev.AssessmentID = at.AssessmentID
	ev.CourseID = at.CourseID
	ev.Percentage = res.Percentage
	ev.Passed = res.Passed
	if res.Passed {
		ev.XPReward = def.XPReward
	}
	ev.CertificateRequired = def.CertificateRequired
	h.deps.publish(ctx, ev)
	return res, nil
}
