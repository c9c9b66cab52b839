package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/review"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REVIEW SCHEDULE STORE
// ══════════════════════════════════════════════════════════════════════════════

// ScheduleStore implements review.ScheduleStore for PostgreSQL.
type ScheduleStore struct {
	conn *Connection
}

// NewScheduleStore creates a new ScheduleStore.
func NewScheduleStore(conn *Connection) *ScheduleStore {
	return &ScheduleStore{conn: conn}
}

func (s *ScheduleStore) Get(ctx context.Context, key review.Key) (*review.ReviewSchedule, error) {
	row := s.conn.QueryRow(ctx,
		`SELECT doc FROM review_schedules WHERE learner_id = $1 AND item = $2`,
		key.LearnerID.String(), key.Item.String())
	rs := new(review.ReviewSchedule)
	if err := scanDoc(row, "review", "Get", "schedule "+key.String(), rs); err != nil {
		return nil, err
	}
	return rs, nil
}

func (s *ScheduleStore) Create(ctx context.Context, rs *review.ReviewSchedule) error {
	prev := rs.Version
	rs.Version = 1
	doc, err := json.Marshal(rs)
	if err != nil {
		rs.Version = prev
		return fmt.Errorf("review.Create: encode: %w", err)
	}
	err = insertDoc(ctx, s.conn, "review", "Create", `
		INSERT INTO review_schedules (learner_id, item, next_review, is_mature, archived, doc, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
	`, rs.Key.LearnerID.String(), rs.Key.Item.String(), rs.NextReview, rs.IsMature, rs.Archived, doc)
	if err != nil {
		rs.Version = prev
	}
	return err
}

func (s *ScheduleStore) Update(ctx context.Context, rs *review.ReviewSchedule) error {
	prev := rs.Version
	rs.Version = prev + 1
	doc, err := json.Marshal(rs)
	if err != nil {
		rs.Version = prev
		return fmt.Errorf("review.Update: encode: %w", err)
	}
	err = casUpdate(ctx, s.conn, "review", "Update", `
		UPDATE review_schedules SET
			next_review = $1,
			is_mature = $2,
			archived = $3,
			doc = $4,
			version = version + 1
		WHERE learner_id = $5 AND item = $6 AND version = $7
	`, rs.NextReview, rs.IsMature, rs.Archived, doc, rs.Key.LearnerID.String(), rs.Key.Item.String(), prev)
	if err != nil {
		rs.Version = prev
	}
	return err
}

// ListDue returns due schedules, never-reviewed ones first.
func (s *ScheduleStore) ListDue(ctx context.Context, learnerID shared.LearnerID, now time.Time, limit int) ([]*review.ReviewSchedule, error) {
	// LIMIT NULL is no limit.
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.conn.Query(ctx, `
		SELECT doc FROM review_schedules
		WHERE learner_id = $1 AND NOT archived
		  AND (next_review IS NULL OR next_review <= $2)
		ORDER BY next_review ASC NULLS FIRST, item ASC
		LIMIT $3
	`, learnerID.String(), now, lim)
	out, err := collectDocs[review.ReviewSchedule](rows, err)
	if err != nil {
		return nil, fmt.Errorf("review.ListDue: %w", err)
	}
	return out, nil
}

func (s *ScheduleStore) CountMature(ctx context.Context, learnerID shared.LearnerID) (int, error) {
	var n int
	err := s.conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM review_schedules WHERE learner_id = $1 AND is_mature AND NOT archived`,
		learnerID.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("review.CountMature: %w", err)
	}
	return n, nil
}
