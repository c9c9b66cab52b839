// Package progress holds per-scope learner progress, streak rules and the
// derived statistics recomputed from authoritative records.
package progress

import (
	"math"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// maxRecentTokens bounds the per-record idempotency window.
const maxRecentTokens = 64

// Key identifies a progress record.
type Key struct {
	LearnerID shared.LearnerID `json:"learner_id"`
	Scope     shared.Scope     `json:"scope"`
}

func (k Key) String() string { return k.LearnerID.String() + "/" + k.Scope.String() }

// CompletionSource records what marked a course complete.
type CompletionSource string

const (
	CompletedByLeaves      CompletionSource = "leaves"
	CompletedByAssessments CompletionSource = "assessments"
)

// AppliedToken remembers a mutation already applied to a record.
type AppliedToken struct {
	Token string `json:"token"`
	// Delta is the XP change actually applied, after flooring.
	Delta int64 `json:"delta"`
}

// ProgressRecord tracks one learner in one scope.
type ProgressRecord struct {
	Key Key

	// CourseID is the owning course of a non-course scope.
	CourseID string

	// CompletionPercentage is in [0,100].
	CompletionPercentage int
	IsCompleted          bool
	CompletedVia         CompletionSource
	CompletedAt          *time.Time

	// XPEarned never decreases except through a correction.
	XPEarned int64

	// XPUpdatedAt is when XPEarned last increased.
	XPUpdatedAt *time.Time

	CurrentStreak int
	LongestStreak int

	// AttemptsCount, BestScore and AverageScore summarize assessment
	// attempts inside the scope.
	AttemptsCount int
	BestScore     float64
	AverageScore  float64

	FirstAccessed time.Time
	LastAccessed  *time.Time

	// IsActive is false once soft-deactivated. Records are never deleted.
	IsActive bool

	RecentTokens []AppliedToken
	Version      int64
}

// NewProgressRecord creates a record on first access to a scope.
func NewProgressRecord(key Key, courseID string, now time.Time) *ProgressRecord {
	if key.Scope.Kind == shared.ScopeCourse {
		courseID = key.Scope.ID
	}
	return &ProgressRecord{
		Key:           key,
		CourseID:      courseID,
		FirstAccessed: now,
		IsActive:      true,
	}
}

// IsLeaf reports whether the scope is directly completable.
func (p *ProgressRecord) IsLeaf() bool {
	return p.Key.Scope.Kind == shared.ScopeLesson || p.Key.Scope.Kind == shared.ScopeStep
}

// Applied returns the recorded entry for token, if any.
func (p *ProgressRecord) Applied(token string) (AppliedToken, bool) {
	if token == "" {
		return AppliedToken{}, false
	}
	for _, t := range p.RecentTokens {
		if t.Token == token {
			return t, true
		}
	}
	return AppliedToken{}, false
}

func (p *ProgressRecord) remember(token string, delta int64) {
	if token == "" {
		return
	}
	p.RecentTokens = append(p.RecentTokens, AppliedToken{Token: token, Delta: delta})
	if n := len(p.RecentTokens); n > maxRecentTokens {
		p.RecentTokens = append([]AppliedToken(nil), p.RecentTokens[n-maxRecentTokens:]...)
	}
}

// Completion is the input of ApplyCompletion.
type Completion struct {
	XPDelta int64
	Token   string
	At      time.Time
}

// ApplyCompletion adds XP, advances the streak and marks leaf scopes
// complete. A token already applied makes the call a no-op that reports
// false. loc defines calendar days for the streak.
func (p *ProgressRecord) ApplyCompletion(c Completion, loc *time.Location) (bool, error) {
	if c.XPDelta < 0 {
		return false, shared.Validationf("progress", "ApplyCompletion", "xp delta %d is negative; use a correction", c.XPDelta)
	}
	if _, ok := p.Applied(c.Token); ok {
		return false, nil
	}

	if c.XPDelta > 0 {
		p.XPEarned += c.XPDelta
		at := c.At
		p.XPUpdatedAt = &at
	}
	p.touchStreak(c.At, loc)

	if p.IsLeaf() && !p.IsCompleted {
		p.IsCompleted = true
		p.CompletedVia = CompletedByLeaves
		p.CompletionPercentage = 100
		at := c.At
		p.CompletedAt = &at
	}
	p.remember(c.Token, c.XPDelta)
	return true, nil
}

// touchStreak applies the daily streak rule against LastAccessed.
func (p *ProgressRecord) touchStreak(now time.Time, loc *time.Location) {
	if p.LastAccessed == nil {
		p.CurrentStreak = 1
	} else {
		switch days := timeutil.DaysBetween(*p.LastAccessed, now, loc); {
		case days <= 0:
			// Same day, or a late-arriving event: at most one increment per day.
			if p.CurrentStreak == 0 {
				p.CurrentStreak = 1
			}
		case days == 1:
			p.CurrentStreak++
		default:
			p.CurrentStreak = 1
		}
	}
	if p.LastAccessed == nil || now.After(*p.LastAccessed) {
		at := now
		p.LastAccessed = &at
	}
	if p.CurrentStreak > p.LongestStreak {
		p.LongestStreak = p.CurrentStreak
	}
}

// Correct applies a signed XP correction, flooring the total at zero. It
// returns the delta actually applied.
func (p *ProgressRecord) Correct(delta int64, token string) (int64, bool) {
	if t, ok := p.Applied(token); ok {
		return t.Delta, false
	}
	applied := delta
	if p.XPEarned+delta < 0 {
		applied = -p.XPEarned
	}
	p.XPEarned += applied
	p.remember(token, applied)
	return applied, true
}

// RecordAttempt folds an attempt percentage into the scope's score summary.
func (p *ProgressRecord) RecordAttempt(percentage float64, token string) bool {
	if _, ok := p.Applied(token); ok {
		return false
	}
	p.AttemptsCount++
	p.BestScore = math.Max(p.BestScore, percentage)
	n := float64(p.AttemptsCount)
	p.AverageScore = p.AverageScore + (percentage-p.AverageScore)/n
	p.remember(token, 0)
	return true
}

// SetCompletion sets the rolled-up percentage from leaf counts and reports
// whether the record changed. The percentage never goes down unless
// allowDecrease is set, which only a leaf deactivation does; a course that
// drops below 100 that way is no longer complete. A course completed through
// its assessments stays at 100.
func (p *ProgressRecord) SetCompletion(completedLeaves, totalLeaves int, allowDecrease bool, now time.Time) bool {
	if p.CompletedVia == CompletedByAssessments {
		changed := p.CompletionPercentage != 100
		p.CompletionPercentage = 100
		return changed
	}
	pct := 0
	if totalLeaves > 0 {
		pct = int(math.Floor(100 * float64(completedLeaves) / float64(totalLeaves)))
	}
	pct = clamp(pct, 0, 100)
	if pct < p.CompletionPercentage && !allowDecrease {
		return false
	}

	changed := pct != p.CompletionPercentage
	p.CompletionPercentage = pct
	switch {
	case pct == 100 && !p.IsCompleted:
		p.IsCompleted = true
		p.CompletedVia = CompletedByLeaves
		at := now
		p.CompletedAt = &at
		changed = true
	case pct < 100 && p.IsCompleted:
		p.IsCompleted = false
		p.CompletedVia = ""
		p.CompletedAt = nil
		changed = true
	}
	return changed
}

// MarkCompletedByAssessments completes a course whose assessments are passed.
func (p *ProgressRecord) MarkCompletedByAssessments(now time.Time) bool {
	if p.IsCompleted && p.CompletedVia == CompletedByAssessments {
		return false
	}
	p.CompletionPercentage = 100
	p.CompletedVia = CompletedByAssessments
	if !p.IsCompleted {
		p.IsCompleted = true
		at := now
		p.CompletedAt = &at
	}
	return true
}

// Clone returns a deep copy.
func (p *ProgressRecord) Clone() *ProgressRecord {
	c := *p
	c.RecentTokens = append([]AppliedToken(nil), p.RecentTokens...)
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	if p.XPUpdatedAt != nil {
		t := *p.XPUpdatedAt
		c.XPUpdatedAt = &t
	}
	if p.LastAccessed != nil {
		t := *p.LastAccessed
		c.LastAccessed = &t
	}
	return &c
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
