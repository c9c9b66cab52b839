package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alem-hub/progression-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT STORE
// ══════════════════════════════════════════════════════════════════════════════

// SnapshotStore implements leaderboard.SnapshotStore for PostgreSQL. Each
// board owns one row, replaced by a single upsert, so a reader sees the old
// or the new snapshot and nothing in between.
type SnapshotStore struct {
	conn *Connection
}

// NewSnapshotStore creates a new SnapshotStore.
func NewSnapshotStore(conn *Connection) *SnapshotStore {
	return &SnapshotStore{conn: conn}
}

func (s *SnapshotStore) Swap(ctx context.Context, snap *leaderboard.Snapshot) error {
	board, err := json.Marshal(snap.Board)
	if err != nil {
		return fmt.Errorf("leaderboard.Swap: encode board: %w", err)
	}
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("leaderboard.Swap: encode snapshot: %w", err)
	}
	_, err = s.conn.Exec(ctx, `
		INSERT INTO leaderboard_snapshots (board_key, snapshot_id, board, doc, computed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (board_key) DO UPDATE SET
			snapshot_id = EXCLUDED.snapshot_id,
			board = EXCLUDED.board,
			doc = EXCLUDED.doc,
			computed_at = EXCLUDED.computed_at
	`, snap.BoardKey, snap.ID, board, doc, snap.ComputedAt)
	if err != nil {
		return fmt.Errorf("leaderboard.Swap %s: %w", snap.BoardKey, err)
	}
	return nil
}

func (s *SnapshotStore) Latest(ctx context.Context, boardKey string) (*leaderboard.Snapshot, error) {
	var board, doc []byte
	err := s.conn.QueryRow(ctx,
		`SELECT board, doc FROM leaderboard_snapshots WHERE board_key = $1`, boardKey).Scan(&board, &doc)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.NewDomainError("leaderboard", "Latest", shared.ErrNotFound, "board "+boardKey)
		}
		return nil, fmt.Errorf("leaderboard.Latest %s: %w", boardKey, err)
	}
	return decodeSnapshot(board, doc)
}

// decodeSnapshot restores a snapshot and its lookup index.
func decodeSnapshot(board, doc []byte) (*leaderboard.Snapshot, error) {
	snap := new(leaderboard.Snapshot)
	if err := json.Unmarshal(doc, snap); err != nil {
		return nil, fmt.Errorf("leaderboard: decode snapshot: %w", err)
	}
	if err := json.Unmarshal(board, &snap.Board); err != nil {
		return nil, fmt.Errorf("leaderboard: decode board: %w", err)
	}
	snap.RebuildIndex()
	return snap, nil
}
