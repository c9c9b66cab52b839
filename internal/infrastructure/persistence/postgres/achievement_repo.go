package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progression-engine/internal/domain/achievement"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// UnlockStore implements achievement.UnlockStore for PostgreSQL.
type UnlockStore struct {
	conn *Connection
}

// NewUnlockStore creates a new UnlockStore.
func NewUnlockStore(conn *Connection) *UnlockStore {
	return &UnlockStore{conn: conn}
}

// Create inserts u unless its key is already unlocked for the learner.
func (s *UnlockStore) Create(ctx context.Context, u achievement.Unlock) (bool, error) {
	doc, err := json.Marshal(u)
	if err != nil {
		return false, fmt.Errorf("achievement.Create: encode: %w", err)
	}
	tag, err := s.conn.execIdempotent(ctx, `
		INSERT INTO achievement_unlocks (learner_id, unlock_key, achievement_id, doc, unlocked_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (learner_id, unlock_key) DO NOTHING
	`, u.LearnerID.String(), u.Key, u.AchievementID, doc, u.UnlockedAt)
	if err != nil {
		return false, fmt.Errorf("achievement.Create: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *UnlockStore) ListByLearner(ctx context.Context, learnerID shared.LearnerID) ([]achievement.Unlock, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT doc FROM achievement_unlocks WHERE learner_id = $1
		ORDER BY unlocked_at, unlock_key
	`, learnerID.String())
	if err != nil {
		return nil, fmt.Errorf("achievement.ListByLearner: %w", err)
	}
	docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("achievement.ListByLearner: %w", err)
	}
	out := make([]achievement.Unlock, 0, len(docs))
	for _, d := range docs {
		var u achievement.Unlock
		if err := json.Unmarshal(d, &u); err != nil {
			return nil, fmt.Errorf("achievement.ListByLearner: decode: %w", err)
		}
		out = append(out, u)
	}
	return out, nil
}
