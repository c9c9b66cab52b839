package eventhandler

import (
	"context"
	"fmt"

	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/application/saga"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON ATTEMPT COMPLETED
// attempt_summary → xp → course_completion → assessment_stats →
// certificate → achievements
// A failed summary stops the pipeline.
// ═══════════════════════════════════════════════════════════════════════════

func (p *Pipelines) attemptCompletedSteps() []messaging.Step {
	return []messaging.Step{
		{Name: "attempt_summary", Run: p.onAttemptSummary, Required: true},
		{Name: "xp", Run: p.onAttemptXP},
		{Name: "course_completion", Run: p.onAttemptCourseCompletion},
		{Name: "assessment_stats", Run: p.onAttemptStats},
		{Name: "certificate", Run: p.onAttemptCertificate},
		{Name: "achievements", Run: p.onAttemptAchievements},
	}
}

func (p *Pipelines) onAttemptSummary(ctx context.Context, ev shared.Event, token string) error {
	e, ok := eventAs[shared.AttemptCompletedEvent](ev)
	if !ok || e.CourseID == "" {
		return nil
	}
	_, err := p.progress.RecordAttemptResult(ctx, shared.LearnerID(e.AggregateID()), e.CourseID, e.Percentage, token)
	return err
}

func (p *Pipelines) onAttemptXP(ctx context.Context, ev shared.Event, token string) error {
	e, ok := eventAs[shared.AttemptCompletedEvent](ev)
	if !ok || !e.Passed || e.XPReward <= 0 {
		return nil
	}
	learner := shared.LearnerID(e.AggregateID())
	reason := "assessment:" + e.AssessmentID
	if e.CourseID == "" {
		_, err := p.progress.GrantBonus(ctx, learner, e.XPReward, token, reason, e.OccurredAt())
		return err
	}
	_, err := p.progress.ApplyCompletion(ctx, command.ApplyCompletionCommand{
		LearnerID: learner,
		Scope:     shared.CourseScope(e.CourseID),
		XPDelta:   e.XPReward,
		Token:     token,
		Reason:    reason,
		At:        e.OccurredAt(),
	})
	return err
}

func (p *Pipelines) onAttemptCourseCompletion(ctx context.Context, ev shared.Event, _ string) error {
	e, ok := eventAs[shared.AttemptCompletedEvent](ev)
	if !ok || !e.Passed || e.CourseID == "" {
		return nil
	}
	_, err := p.progress.CompleteByAssessments(ctx, shared.LearnerID(e.AggregateID()), e.CourseID)
	return err
}

func (p *Pipelines) onAttemptStats(ctx context.Context, ev shared.Event, _ string) error {
	e, ok := eventAs[shared.AttemptCompletedEvent](ev)
	if !ok {
		return nil
	}
	return p.progress.RecomputeAssessmentStats(ctx, e.AssessmentID)
}

// onAttemptCertificate queues one certificate per (learner, course).
func (p *Pipelines) onAttemptCertificate(ctx context.Context, ev shared.Event, _ string) error {
	e, ok := eventAs[shared.AttemptCompletedEvent](ev)
	if !ok || !e.Passed || !e.CertificateRequired {
		return nil
	}
	scope := e.CourseID
	if scope == "" {
		scope = e.AssessmentID
	}
	learner := e.AggregateID()
	p.publish(ctx, shared.SideEffectEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventSideEffectQueued,
			fmt.Sprintf("certificate:%s:%s", learner, scope), learner, e.OccurredAt()),
		Kind:     shared.SideEffectCertificate,
		SourceID: e.AttemptID,
		CourseID: e.CourseID,
	})
	p.log.Info("certificate queued",
		logger.LearnerID(learner),
		logger.AttemptID(e.AttemptID),
		logger.String("course_id", e.CourseID),
	)
	return nil
}

func (p *Pipelines) onAttemptAchievements(ctx context.Context, ev shared.Event, _ string) error {
	e, ok := eventAs[shared.AttemptCompletedEvent](ev)
	if !ok || p.achievements == nil {
		return nil
	}
	_, err := p.achievements.Execute(ctx, saga.AchievementCheckInput{
		LearnerID:      shared.LearnerID(e.AggregateID()),
		TriggerEventID: e.EventID(),
		PerfectScore:   e.Percentage >= 100,
	})
	return err
}
