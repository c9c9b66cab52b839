package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alem-hub/progression-engine/internal/domain/assessment"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// AttemptStore implements assessment.AttemptStore.
type AttemptStore struct {
	mu     sync.RWMutex
	rows   map[string]*assessment.Attempt
	unique map[string]string
}

func NewAttemptStore() *AttemptStore {
	return &AttemptStore{
		rows:   make(map[string]*assessment.Attempt),
		unique: make(map[string]string),
	}
}

func attemptKey(at *assessment.Attempt) string {
	return fmt.Sprintf("%s/%s/%d", at.LearnerID, at.AssessmentID, at.AttemptNumber)
}

func (s *AttemptStore) Create(_ context.Context, at *assessment.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := attemptKey(at)
	if _, ok := s.unique[k]; ok {
		return shared.Conflict("assessment", "CreateAttempt", k)
	}
	at.Version = 1
	s.rows[at.ID] = at.Clone()
	s.unique[k] = at.ID
	return nil
}

func (s *AttemptStore) Get(_ context.Context, id string) (*assessment.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.rows[id]
	if !ok {
		return nil, shared.NewDomainError("assessment", "GetAttempt", shared.ErrNotFound, "attempt "+id)
	}
	return at.Clone(), nil
}

func (s *AttemptStore) Update(_ context.Context, at *assessment.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[at.ID]
	if !ok {
		return shared.NewDomainError("assessment", "UpdateAttempt", shared.ErrNotFound, "attempt "+at.ID)
	}
	if cur.Version != at.Version {
		return shared.Conflict("assessment", "UpdateAttempt", at.ID)
	}
	at.Version++
	s.rows[at.ID] = at.Clone()
	return nil
}

func (s *AttemptStore) ListByLearner(_ context.Context, learnerID shared.LearnerID, assessmentID string) ([]*assessment.Attempt, error) {
	return s.list(func(at *assessment.Attempt) bool {
		return at.LearnerID == learnerID && (assessmentID == "" || at.AssessmentID == assessmentID)
	}), nil
}

func (s *AttemptStore) ListByAssessment(_ context.Context, assessmentID string) ([]*assessment.Attempt, error) {
	return s.list(func(at *assessment.Attempt) bool { return at.AssessmentID == assessmentID }), nil
}

func (s *AttemptStore) list(match func(*assessment.Attempt) bool) []*assessment.Attempt {
	s.mu.RLock()
	var out []*assessment.Attempt
	for _, at := range s.rows {
		if match(at) {
			out = append(out, at.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].AssessmentID != out[j].AssessmentID {
			return out[i].AssessmentID < out[j].AssessmentID
		}
		return out[i].AttemptNumber < out[j].AttemptNumber
	})
	return out
}

// ResponseStore implements assessment.ResponseStore.
type ResponseStore struct {
	mu     sync.RWMutex
	rows   map[string]*assessment.UserResponse
	unique map[string]string
}

func NewResponseStore() *ResponseStore {
	return &ResponseStore{
		rows:   make(map[string]*assessment.UserResponse),
		unique: make(map[string]string),
	}
}

func responseKey(r *assessment.UserResponse) string {
	return fmt.Sprintf("%s/%s/%d", r.LearnerID, r.QuestionID, r.AttemptNumber)
}

func (s *ResponseStore) Create(_ context.Context, r *assessment.UserResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := responseKey(r)
	if _, ok := s.unique[k]; ok {
		return shared.Conflict("assessment", "CreateResponse", k)
	}
	r.Version = 1
	s.rows[r.ID] = r.Clone()
	s.unique[k] = r.ID
	return nil
}

func (s *ResponseStore) Get(_ context.Context, id string) (*assessment.UserResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, shared.NewDomainError("assessment", "GetResponse", shared.ErrNotFound, "response "+id)
	}
	return r.Clone(), nil
}

func (s *ResponseStore) Update(_ context.Context, r *assessment.UserResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[r.ID]
	if !ok {
		return shared.NewDomainError("assessment", "UpdateResponse", shared.ErrNotFound, "response "+r.ID)
	}
	if cur.Version != r.Version {
		return shared.Conflict("assessment", "UpdateResponse", r.ID)
	}
	r.Version++
	s.rows[r.ID] = r.Clone()
	return nil
}

func (s *ResponseStore) GetMany(_ context.Context, ids []string) ([]*assessment.UserResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*assessment.UserResponse, 0, len(ids))
	for _, id := range ids {
		r, ok := s.rows[id]
		if !ok {
			return nil, shared.NewDomainError("assessment", "GetResponses", shared.ErrNotFound, "response "+id)
		}
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *ResponseStore) CountByLearnerQuestion(_ context.Context, learnerID shared.LearnerID, questionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.rows {
		if r.LearnerID == learnerID && r.QuestionID == questionID {
			n++
		}
	}
	return n, nil
}

func (s *ResponseStore) ListByQuestion(_ context.Context, questionID string) ([]*assessment.UserResponse, error) {
	s.mu.RLock()
	var out []*assessment.UserResponse
	for _, r := range s.rows {
		if r.QuestionID == questionID {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}
