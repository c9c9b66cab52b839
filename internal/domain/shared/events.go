package shared

import (
	"context"
	"time"
)

// EventType identifies a learning or engine event.
type EventType string

const (
	// Inbound learner actions fanned out by the dispatcher.
	EventAnswerSubmitted  EventType = "learning.answer_submitted"
	EventAttemptCompleted EventType = "learning.attempt_completed"
	EventLessonCompleted  EventType = "learning.lesson_completed"

	// Outbound facts published after a pipeline commits.
	EventXPGained            EventType = "progress.xp_gained"
	EventCourseCompleted     EventType = "progress.course_completed"
	EventAchievementUnlocked EventType = "achievement.unlocked"
	EventSideEffectQueued    EventType = "achievement.side_effect"
	EventRankChanged         EventType = "leaderboard.rank_changed"
	EventLeaderboardUpdated  EventType = "leaderboard.updated"
)

// Event is implemented by every event envelope.
type Event interface {
	EventType() EventType
	// EventID is stable across retries and seeds idempotency tokens.
	EventID() string
	OccurredAt() time.Time
	// AggregateID is the learner the event belongs to.
	AggregateID() string
	Payload() map[string]interface{}
}

// BaseEvent provides the common envelope fields.
type BaseEvent struct {
	Type          EventType `json:"type"`
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func (e BaseEvent) EventType() EventType  { return e.Type }
func (e BaseEvent) EventID() string       { return e.ID }
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }
func (e BaseEvent) AggregateID() string   { return e.AggregateId }

// NewBaseEvent creates an envelope. id must be stable for the originating
// action (a response or attempt ID) so that redelivery is detectable.
func NewBaseEvent(eventType EventType, id, learnerID string, at time.Time) BaseEvent {
	return BaseEvent{Type: eventType, ID: id, Timestamp: at, AggregateId: learnerID}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Inbound learning events
// ═══════════════════════════════════════════════════════════════════════════

// AnswerSubmittedEvent follows a persisted UserResponse.
type AnswerSubmittedEvent struct {
	BaseEvent
	ResponseID   string    `json:"response_id"`
	QuestionID   string    `json:"question_id"`
	AttemptID    string    `json:"attempt_id,omitempty"`
	CourseID     string    `json:"course_id,omitempty"`
	Graded       bool      `json:"graded"`
	IsCorrect    bool      `json:"is_correct"`
	ReviewItems  []ItemRef `json:"review_items,omitempty"`
	TimeTakenSec int       `json:"time_taken_seconds"`
}

func (e AnswerSubmittedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"response_id": e.ResponseID,
		"question_id": e.QuestionID,
		"attempt_id":  e.AttemptID,
		"graded":      e.Graded,
		"is_correct":  e.IsCorrect,
	}
}

// NewAnswerSubmittedEvent keys the event by response ID.
func NewAnswerSubmittedEvent(responseID, learnerID string, at time.Time) AnswerSubmittedEvent {
	return AnswerSubmittedEvent{
		BaseEvent:  NewBaseEvent(EventAnswerSubmitted, responseID, learnerID, at),
		ResponseID: responseID,
	}
}

// AttemptCompletedEvent follows a finalized assessment attempt.
type AttemptCompletedEvent struct {
	BaseEvent
	AttemptID           string  `json:"attempt_id"`
	AssessmentID        string  `json:"assessment_id"`
	CourseID            string  `json:"course_id,omitempty"`
	Percentage          float64 `json:"percentage"`
	Passed              bool    `json:"passed"`
	XPReward            int64   `json:"xp_reward"`
	CertificateRequired bool    `json:"certificate_required"`
}

func (e AttemptCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"attempt_id":    e.AttemptID,
		"assessment_id": e.AssessmentID,
		"percentage":    e.Percentage,
		"passed":        e.Passed,
	}
}

// NewAttemptCompletedEvent keys the event by attempt ID.
func NewAttemptCompletedEvent(attemptID, learnerID string, at time.Time) AttemptCompletedEvent {
	return AttemptCompletedEvent{
		BaseEvent: NewBaseEvent(EventAttemptCompleted, attemptID, learnerID, at),
		AttemptID: attemptID,
	}
}

// LessonCompletedEvent reports completion of a lesson or step scope.
type LessonCompletedEvent struct {
	BaseEvent
	Scope       Scope     `json:"scope"`
	CourseID    string    `json:"course_id"`
	XP          int64     `json:"xp"`
	ReviewItems []ItemRef `json:"review_items,omitempty"`
}

func (e LessonCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"scope":     e.Scope.String(),
		"course_id": e.CourseID,
		"xp":        e.XP,
	}
}

// NewLessonCompletedEvent keys the event by a caller-supplied completion ID.
func NewLessonCompletedEvent(completionID, learnerID string, scope Scope, at time.Time) LessonCompletedEvent {
	return LessonCompletedEvent{
		BaseEvent: NewBaseEvent(EventLessonCompleted, completionID, learnerID, at),
		Scope:     scope,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Outbound events
// ═══════════════════════════════════════════════════════════════════════════

// XPGainedEvent is published after XP is committed to a progress record.
type XPGainedEvent struct {
	BaseEvent
	Scope    Scope  `json:"scope"`
	Delta    int64  `json:"delta"`
	NewTotal int64  `json:"new_total"`
	Reason   string `json:"reason"`
}

func (e XPGainedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"scope":     e.Scope.String(),
		"delta":     e.Delta,
		"new_total": e.NewTotal,
		"reason":    e.Reason,
	}
}

// CourseCompletedEvent is published when a course record becomes completed.
type CourseCompletedEvent struct {
	BaseEvent
	CourseID string `json:"course_id"`
	Via      string `json:"via"`
}

func (e CourseCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"course_id": e.CourseID,
		"via":       e.Via,
	}
}

// AchievementUnlockedEvent is published once per new unlock.
type AchievementUnlockedEvent struct {
	BaseEvent
	AchievementID string `json:"achievement_id"`
	Name          string `json:"name"`
	XPReward      int64  `json:"xp_reward"`
}

func (e AchievementUnlockedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"achievement_id": e.AchievementID,
		"name":           e.Name,
		"xp_reward":      e.XPReward,
	}
}

// SideEffectKind names a deferred unlock or completion effect.
type SideEffectKind string

const (
	SideEffectXPBonus      SideEffectKind = "xp_bonus"
	SideEffectNotification SideEffectKind = "notification"
	SideEffectCertificate  SideEffectKind = "certificate"
)

// SideEffectEvent is a queued effect drained by an outbox consumer.
type SideEffectEvent struct {
	BaseEvent
	Kind     SideEffectKind `json:"kind"`
	SourceID string         `json:"source_id"`
	CourseID string         `json:"course_id,omitempty"`
	XP       int64          `json:"xp,omitempty"`
	Message  string         `json:"message,omitempty"`
}

func (e SideEffectEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"kind":      string(e.Kind),
		"source_id": e.SourceID,
		"xp":        e.XP,
		"message":   e.Message,
	}
}

// RankChangedEvent is published by a leaderboard refresh for movers.
type RankChangedEvent struct {
	BaseEvent
	Board        string `json:"board"`
	PreviousRank int    `json:"previous_rank"`
	CurrentRank  int    `json:"current_rank"`
}

func (e RankChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"board":         e.Board,
		"previous_rank": e.PreviousRank,
		"current_rank":  e.CurrentRank,
	}
}

// RankChange is previous minus current; positive means the learner moved up.
func (e RankChangedEvent) RankChange() int {
	return e.PreviousRank - e.CurrentRank
}

// LeaderboardUpdatedEvent is published after a snapshot swap.
type LeaderboardUpdatedEvent struct {
	BaseEvent
	Board      string `json:"board"`
	SnapshotID string `json:"snapshot_id"`
	Entries    int    `json:"entries"`
	Movers     int    `json:"movers"`
}

func (e LeaderboardUpdatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"board":       e.Board,
		"snapshot_id": e.SnapshotID,
		"entries":     e.Entries,
		"movers":      e.Movers,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Bus contracts
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler handles a single event.
type EventHandler func(ctx context.Context, event Event) error

// EventPublisher publishes events.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// EventSubscriber registers handlers.
type EventSubscriber interface {
	Subscribe(eventType EventType, handler EventHandler)
	SubscribeAll(handler EventHandler)
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
}
