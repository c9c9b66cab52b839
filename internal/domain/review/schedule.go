// Package review holds spaced-repetition state and the SM-2 scheduler.
package review

import (
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

const (
	// MinEaseFactor is the SM-2 floor for the ease factor.
	MinEaseFactor = 1.3
	// DefaultEaseFactor is assigned on first exposure.
	DefaultEaseFactor = 2.5
	// DefaultMatureInterval marks an item as mature.
	DefaultMatureInterval = 21

	// maxRecentTokens bounds the per-schedule idempotency window.
	maxRecentTokens = 32
)

// Key identifies a schedule.
type Key struct {
	LearnerID shared.LearnerID `json:"learner_id"`
	Item      shared.ItemRef   `json:"item"`
}

func (k Key) String() string { return k.LearnerID.String() + "/" + k.Item.String() }

// ReviewSchedule is the SM-2 state of one (learner, item) pair.
type ReviewSchedule struct {
	Key                Key
	EaseFactor         float64
	IntervalDays       int
	RepetitionCount    int
	ConsecutiveCorrect int
	LastReviewed       *time.Time
	NextReview         *time.Time
	IsDue              bool
	IsMature           bool
	// TotalReviews counts every applied outcome, pass or fail.
	TotalReviews int
	Archived     bool
	// RecentTokens holds the idempotency tokens of recently applied
	// reviews, oldest first.
	RecentTokens []string
	CreatedAt time.Time
	UpdatedAt time.Time
	// Version backs optimistic concurrency in stores.
	Version int64
}

// NewReviewSchedule creates a schedule that is due immediately.
func NewReviewSchedule(key Key, now time.Time) *ReviewSchedule {
	return &ReviewSchedule{
		Key:          key,
		EaseFactor:   DefaultEaseFactor,
		IntervalDays: 1,
		IsDue:        true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewSeededSchedule creates a schedule first due at dueAt.
func NewSeededSchedule(key Key, now, dueAt time.Time) *ReviewSchedule {
	rs := NewReviewSchedule(key, now)
	rs.NextReview = &dueAt
	rs.IsDue = !now.Before(dueAt)
	return rs
}

// DueAt reports whether the item is due at now. A schedule without a
// next review date is always due.
func (rs *ReviewSchedule) DueAt(now time.Time) bool {
	if rs.Archived {
		return false
	}
	if rs.NextReview == nil {
		return true
	}
	return !now.Before(*rs.NextReview)
}

// Applied reports whether a review with token was already applied.
func (rs *ReviewSchedule) Applied(token string) bool {
	if token == "" {
		return false
	}
	for _, t := range rs.RecentTokens {
		if t == token {
			return true
		}
	}
	return false
}

// Remember records token as applied, evicting the oldest beyond the window.
func (rs *ReviewSchedule) Remember(token string) {
	if token == "" {
		return
	}
	rs.RecentTokens = append(rs.RecentTokens, token)
	if n := len(rs.RecentTokens); n > maxRecentTokens {
		rs.RecentTokens = append([]string(nil), rs.RecentTokens[n-maxRecentTokens:]...)
	}
}

// Clone returns a deep copy.
func (rs *ReviewSchedule) Clone() *ReviewSchedule {
	c := *rs
	c.RecentTokens = append([]string(nil), rs.RecentTokens...)
	if rs.LastReviewed != nil {
		t := *rs.LastReviewed
		c.LastReviewed = &t
	}
	if rs.NextReview != nil {
		t := *rs.NextReview
		c.NextReview = &t
	}
	return &c
}
