package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/progression-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// TTLSnapshot bounds how long a board survives without a refresh.
const TTLSnapshot = 24 * time.Hour

// storedSnapshot is the encoded form of a snapshot. Board is kept apart
// because Snapshot does not serialize it.
type storedSnapshot struct {
	Board    leaderboard.Board     `json:"board"`
	Snapshot *leaderboard.Snapshot `json:"snapshot"`
}

// SnapshotStore implements leaderboard.SnapshotStore on Redis.
//
// A refresh writes the new document and rank set under staging names, then
// renames both over the live keys inside MULTI/EXEC. Readers of the document
// see the old or the new snapshot, never a partial one.
type SnapshotStore struct {
	cache *Cache
	ttl   time.Duration
}

// NewSnapshotStore creates a SnapshotStore. ttl <= 0 uses TTLSnapshot.
func NewSnapshotStore(cache *Cache, ttl time.Duration) *SnapshotStore {
	if ttl <= 0 {
		ttl = TTLSnapshot
	}
	return &SnapshotStore{cache: cache, ttl: ttl}
}

func (s *SnapshotStore) Swap(ctx context.Context, snap *leaderboard.Snapshot) error {
	data, err := json.Marshal(storedSnapshot{Board: snap.Board, Snapshot: snap})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}

	keys := s.cache.keys
	docKey, ranksKey := keys.SnapshotDoc(snap.BoardKey), keys.SnapshotRanks(snap.BoardKey)
	stagedDoc, stagedRanks := keys.Staging(docKey, snap.ID), keys.Staging(ranksKey, snap.ID)
	client := s.cache.client

	stage := client.Pipeline()
	stage.Set(ctx, stagedDoc, data, s.ttl)
	if len(snap.Entries) > 0 {
		members := make([]redis.Z, 0, len(snap.Entries))
		for _, e := range snap.Entries {
			members = append(members, redis.Z{Score: float64(e.Rank), Member: e.LearnerID.String()})
		}
		stage.ZAdd(ctx, stagedRanks, members...)
		stage.Expire(ctx, stagedRanks, s.ttl)
	}
	if _, err := stage.Exec(ctx); err != nil {
		return fmt.Errorf("leaderboard.Swap %s: stage: %w", snap.BoardKey, err)
	}

	if err := ctx.Err(); err != nil {
		client.Del(context.Background(), stagedDoc, stagedRanks)
		return err
	}

	swap := client.TxPipeline()
	swap.Rename(ctx, stagedDoc, docKey)
	if len(snap.Entries) > 0 {
		swap.Rename(ctx, stagedRanks, ranksKey)
	} else {
		swap.Del(ctx, ranksKey)
	}
	if _, err := swap.Exec(ctx); err != nil {
		return fmt.Errorf("leaderboard.Swap %s: rename: %w", snap.BoardKey, err)
	}
	return nil
}

func (s *SnapshotStore) Latest(ctx context.Context, boardKey string) (*leaderboard.Snapshot, error) {
	var stored storedSnapshot
	err := s.cache.Get(ctx, s.cache.keys.SnapshotDoc(boardKey), &stored)
	if errors.Is(err, ErrCacheMiss) {
		return nil, shared.NewDomainError("leaderboard", "Latest", shared.ErrNotFound, "board "+boardKey)
	}
	if err != nil {
		return nil, fmt.Errorf("leaderboard.Latest %s: %w", boardKey, err)
	}
	return restore(stored)
}

func restore(stored storedSnapshot) (*leaderboard.Snapshot, error) {
	if stored.Snapshot == nil {
		return nil, fmt.Errorf("%w: empty snapshot document", ErrCacheSerialization)
	}
	snap := stored.Snapshot
	snap.Board = stored.Board
	snap.RebuildIndex()
	return snap, nil
}

// RankOf reads one learner's rank from the board's rank set without loading
// the snapshot. A learner off the board is shared.ErrNotFound.
func (s *SnapshotStore) RankOf(ctx context.Context, boardKey string, learnerID shared.LearnerID) (leaderboard.Rank, error) {
	score, err := s.cache.client.ZScore(ctx, s.cache.keys.SnapshotRanks(boardKey), learnerID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, shared.NewDomainError("leaderboard", "RankOf", shared.ErrNotFound,
			fmt.Sprintf("learner %s on board %s", learnerID, boardKey))
	}
	if err != nil {
		return 0, fmt.Errorf("leaderboard.RankOf %s: %w", boardKey, err)
	}
	return leaderboard.Rank(score), nil
}

// Count returns the number of learners on the board.
func (s *SnapshotStore) Count(ctx context.Context, boardKey string) (int64, error) {
	return s.cache.client.ZCard(ctx, s.cache.keys.SnapshotRanks(boardKey)).Result()
}
