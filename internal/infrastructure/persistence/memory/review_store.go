// Package memory provides process-local stores. Every store serializes
// writes per instance and enforces the same version compare-and-swap as the
// PostgreSQL stores, which makes it suitable for tests and single-node runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/review"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ScheduleStore implements review.ScheduleStore.
type ScheduleStore struct {
	mu   sync.RWMutex
	rows map[review.Key]*review.ReviewSchedule
}

func NewScheduleStore() *ScheduleStore {
	return &ScheduleStore{rows: make(map[review.Key]*review.ReviewSchedule)}
}

func (s *ScheduleStore) Get(_ context.Context, key review.Key) (*review.ReviewSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rows[key]
	if !ok {
		return nil, shared.NewDomainError("review", "Get", shared.ErrNotFound, "schedule "+key.String())
	}
	return rs.Clone(), nil
}

func (s *ScheduleStore) Create(_ context.Context, rs *review.ReviewSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[rs.Key]; ok {
		return shared.Conflict("review", "Create", rs.Key.String())
	}
	rs.Version = 1
	s.rows[rs.Key] = rs.Clone()
	return nil
}

func (s *ScheduleStore) Update(_ context.Context, rs *review.ReviewSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[rs.Key]
	if !ok {
		return shared.NewDomainError("review", "Update", shared.ErrNotFound, "schedule "+rs.Key.String())
	}
	if cur.Version != rs.Version {
		return shared.Conflict("review", "Update", rs.Key.String())
	}
	rs.Version++
	s.rows[rs.Key] = rs.Clone()
	return nil
}

func (s *ScheduleStore) ListDue(_ context.Context, learnerID shared.LearnerID, now time.Time, limit int) ([]*review.ReviewSchedule, error) {
	s.mu.RLock()
	var out []*review.ReviewSchedule
	for k, rs := range s.rows {
		if k.LearnerID == learnerID && rs.DueAt(now) {
			out = append(out, rs.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].NextReview, out[j].NextReview
		switch {
		case a == nil && b == nil:
			return out[i].Key.Item < out[j].Key.Item
		case a == nil:
			return true
		case b == nil:
			return false
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].Key.Item < out[j].Key.Item
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountMature returns the number of mature schedules of a learner.
func (s *ScheduleStore) CountMature(_ context.Context, learnerID shared.LearnerID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k, rs := range s.rows {
		if k.LearnerID == learnerID && rs.IsMature && !rs.Archived {
			n++
		}
	}
	return n, nil
}
