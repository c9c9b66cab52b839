package command

import (
	"context"
	"fmt"

	"github.com/alem-hub/progression-engine/internal/domain/assessment"
	"github.com/alem-hub/progression-engine/internal/domain/progress"
)

// Derived counters are always rebuilt from the authoritative rows and
// written whole, so concurrent recomputes converge instead of drifting.

// RecomputeCourseStats rebuilds enrollment and completion counts of a course.
func (a *ProgressAggregator) RecomputeCourseStats(ctx context.Context, courseID string) error {
	records, err := a.records.ListCourseRecords(ctx, courseID)
	if err != nil {
		return fmt.Errorf("course stats %s: %w", courseID, err)
	}
	return a.stats.PutCourse(ctx, progress.ComputeCourseStatistics(courseID, records, a.deps.Clock.Now()))
}

// RecomputeAssessmentStats rebuilds attempt statistics of an assessment.
func (a *ProgressAggregator) RecomputeAssessmentStats(ctx context.Context, assessmentID string) error {
	attempts, err := a.attempts.ListByAssessment(ctx, assessmentID)
	if err != nil {
		return fmt.Errorf("assessment stats %s: %w", assessmentID, err)
	}
	return a.stats.PutAssessment(ctx, assessment.ComputeStatistics(assessmentID, attempts, a.deps.Clock.Now()))
}

// RecomputeQuestionAnalytics rebuilds analytics of a question from its
// graded responses.
func (a *ProgressAggregator) RecomputeQuestionAnalytics(ctx context.Context, questionID string) error {
	all, err := a.responses.ListByQuestion(ctx, questionID)
	if err != nil {
		return fmt.Errorf("question analytics %s: %w", questionID, err)
	}
	graded := all[:0]
	for _, r := range all {
		if r.IsGraded() {
			graded = append(graded, r)
		}
	}
	return a.stats.PutQuestion(ctx, questionID, assessment.ComputeQuestionAnalytics(graded, a.deps.Clock.Now()))
}
