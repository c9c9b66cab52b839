package query

import (
	"context"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/progress"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET PROGRESS QUERY
// ══════════════════════════════════════════════════════════════════════════════

// GetProgressQuery selects one learner's record in one scope.
type GetProgressQuery struct {
	LearnerID shared.LearnerID
	Scope     shared.Scope
	// IncludeChildren adds the learner's other records of the same course
	// when the scope is a course.
	IncludeChildren bool
}

// Validate checks the query.
func (q GetProgressQuery) Validate() error {
	if q.LearnerID.IsEmpty() {
		return shared.Validationf("query", "GetProgress", "learner_id is required")
	}
	return q.Scope.Validate()
}

// GetProgressResult is the record of the scope. A scope the learner never
// touched reads as a fresh record at 0%.
type GetProgressResult struct {
	Record   *progress.ProgressRecord
	Children []*progress.ProgressRecord
	// Started is false when no record exists yet.
	Started bool
}

// GetProgressHandler reads progress records.
type GetProgressHandler struct {
	records progress.ProgressStore
}

func NewGetProgressHandler(records progress.ProgressStore) *GetProgressHandler {
	return &GetProgressHandler{records: records}
}

// Handle executes the query.
func (h *GetProgressHandler) Handle(ctx context.Context, q GetProgressQuery) (*GetProgressResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	key := progress.Key{LearnerID: q.LearnerID, Scope: q.Scope}
	res := &GetProgressResult{Started: true}
	rec, err := h.records.Get(ctx, key)
	switch {
	case shared.IsNotFound(err):
		res.Started = false
		rec = progress.NewProgressRecord(key, "", time.Time{})
		rec.IsActive = false
	case err != nil:
		return nil, err
	}
	res.Record = rec

	if q.IncludeChildren && q.Scope.Kind == shared.ScopeCourse {
		all, err := h.records.ListByLearner(ctx, q.LearnerID, q.Scope.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range all {
			if r.Key.Scope != q.Scope {
				res.Children = append(res.Children, r)
			}
		}
	}
	return res, nil
}
