package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/alem-hub/progression-engine/internal/domain/assessment"
	"github.com/alem-hub/progression-engine/internal/domain/progress"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ProgressStore implements progress.ProgressStore.
type ProgressStore struct {
	mu   sync.RWMutex
	rows map[progress.Key]*progress.ProgressRecord
}

func NewProgressStore() *ProgressStore {
	return &ProgressStore{rows: make(map[progress.Key]*progress.ProgressRecord)}
}

func (s *ProgressStore) Get(_ context.Context, key progress.Key) (*progress.ProgressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.rows[key]
	if !ok {
		return nil, shared.NewDomainError("progress", "Get", shared.ErrNotFound, "progress "+key.String())
	}
	return p.Clone(), nil
}

func (s *ProgressStore) Create(_ context.Context, p *progress.ProgressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[p.Key]; ok {
		return shared.Conflict("progress", "Create", p.Key.String())
	}
	p.Version = 1
	s.rows[p.Key] = p.Clone()
	return nil
}

func (s *ProgressStore) Update(_ context.Context, p *progress.ProgressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[p.Key]
	if !ok {
		return shared.NewDomainError("progress", "Update", shared.ErrNotFound, "progress "+p.Key.String())
	}
	if cur.Version != p.Version {
		return shared.Conflict("progress", "Update", p.Key.String())
	}
	p.Version++
	s.rows[p.Key] = p.Clone()
	return nil
}

func (s *ProgressStore) ListByLearner(_ context.Context, learnerID shared.LearnerID, courseID string) ([]*progress.ProgressRecord, error) {
	return s.list(func(p *progress.ProgressRecord) bool {
		return p.Key.LearnerID == learnerID && (courseID == "" || p.CourseID == courseID)
	}), nil
}

func (s *ProgressStore) ListCourseRecords(_ context.Context, courseID string) ([]*progress.ProgressRecord, error) {
	return s.list(func(p *progress.ProgressRecord) bool {
		return p.Key.Scope == shared.CourseScope(courseID)
	}), nil
}

func (s *ProgressStore) list(match func(*progress.ProgressRecord) bool) []*progress.ProgressRecord {
	s.mu.RLock()
	var out []*progress.ProgressRecord
	for _, p := range s.rows {
		if match(p) {
			out = append(out, p.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// XPLedger implements progress.XPLedger.
type XPLedger struct {
	mu      sync.RWMutex
	entries []progress.LedgerEntry
	tokens  map[string]struct{}
}

func NewXPLedger() *XPLedger {
	return &XPLedger{tokens: make(map[string]struct{})}
}

func (l *XPLedger) Append(_ context.Context, e progress.LedgerEntry) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tokens[e.Token]; ok {
		return false, nil
	}
	l.tokens[e.Token] = struct{}{}
	l.entries = append(l.entries, e)
	return true, nil
}

func (l *XPLedger) Totals(_ context.Context, f progress.LedgerFilter) ([]progress.LearnerTotal, error) {
	var members map[shared.LearnerID]bool
	if len(f.Learners) > 0 {
		members = make(map[shared.LearnerID]bool, len(f.Learners))
		for _, id := range f.Learners {
			members[id] = true
		}
	}

	l.mu.RLock()
	totals := make(map[shared.LearnerID]*progress.LearnerTotal)
	for _, e := range l.entries {
		if !MatchesFilter(e, f, members) {
			continue
		}
		t, ok := totals[e.LearnerID]
		if !ok {
			t = &progress.LearnerTotal{LearnerID: e.LearnerID}
			totals[e.LearnerID] = t
		}
		t.XP += e.Delta
		if e.Delta > 0 && e.At.After(t.ReachedAt) {
			t.ReachedAt = e.At
		}
	}
	l.mu.RUnlock()

	out := make([]progress.LearnerTotal, 0, len(totals))
	for _, t := range totals {
		if t.XP < 0 {
			t.XP = 0
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LearnerID < out[j].LearnerID })
	return out, nil
}

// MatchesFilter reports whether e falls inside f. members is the learner
// set of f, nil when unrestricted.
func MatchesFilter(e progress.LedgerEntry, f progress.LedgerFilter, members map[shared.LearnerID]bool) bool {
	if f.CourseID != "" && e.CourseID != f.CourseID {
		return false
	}
	if !f.Since.IsZero() && e.At.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.At.Before(f.Until) {
		return false
	}
	if members != nil && !members[e.LearnerID] {
		return false
	}
	return true
}

// StatsStore implements progress.StatsStore.
type StatsStore struct {
	mu          sync.RWMutex
	courses     map[string]progress.CourseStatistics
	assessments map[string]assessment.Statistics
	questions   map[string]assessment.QuestionAnalytics
}

func NewStatsStore() *StatsStore {
	return &StatsStore{
		courses:     make(map[string]progress.CourseStatistics),
		assessments: make(map[string]assessment.Statistics),
		questions:   make(map[string]assessment.QuestionAnalytics),
	}
}

func (s *StatsStore) PutCourse(_ context.Context, st progress.CourseStatistics) error {
	s.mu.Lock()
	s.courses[st.CourseID] = st
	s.mu.Unlock()
	return nil
}

func (s *StatsStore) GetCourse(_ context.Context, courseID string) (progress.CourseStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.courses[courseID]
	if !ok {
		return progress.CourseStatistics{}, shared.NewDomainError("progress", "GetCourseStats", shared.ErrNotFound, "course "+courseID)
	}
	return st, nil
}

func (s *StatsStore) PutAssessment(_ context.Context, st assessment.Statistics) error {
	s.mu.Lock()
	s.assessments[st.AssessmentID] = st
	s.mu.Unlock()
	return nil
}

func (s *StatsStore) GetAssessment(_ context.Context, assessmentID string) (assessment.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.assessments[assessmentID]
	if !ok {
		return assessment.Statistics{}, shared.NewDomainError("progress", "GetAssessmentStats", shared.ErrNotFound, "assessment "+assessmentID)
	}
	return st, nil
}

func (s *StatsStore) PutQuestion(_ context.Context, questionID string, a assessment.QuestionAnalytics) error {
	s.mu.Lock()
	s.questions[questionID] = a
	s.mu.Unlock()
	return nil
}

func (s *StatsStore) GetQuestion(_ context.Context, questionID string) (assessment.QuestionAnalytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.questions[questionID]
	if !ok {
		return assessment.QuestionAnalytics{}, shared.NewDomainError("progress", "GetQuestionStats", shared.ErrNotFound, "question "+questionID)
	}
	return a, nil
}
