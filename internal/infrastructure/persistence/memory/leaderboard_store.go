package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/alem-hub/progression-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// SnapshotStore implements leaderboard.SnapshotStore. Each board holds an
// atomic pointer, so a reader never observes a partially written snapshot.
type SnapshotStore struct {
	mu     sync.RWMutex
	boards map[string]*atomic.Pointer[leaderboard.Snapshot]
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{boards: make(map[string]*atomic.Pointer[leaderboard.Snapshot])}
}

func (s *SnapshotStore) slot(key string, create bool) *atomic.Pointer[leaderboard.Snapshot] {
	s.mu.RLock()
	p, ok := s.boards[key]
	s.mu.RUnlock()
	if ok || !create {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.boards[key]; !ok {
		p = &atomic.Pointer[leaderboard.Snapshot]{}
		s.boards[key] = p
	}
	return p
}

func (s *SnapshotStore) Swap(ctx context.Context, snap *leaderboard.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.slot(snap.BoardKey, true).Store(snap)
	return nil
}

func (s *SnapshotStore) Latest(_ context.Context, boardKey string) (*leaderboard.Snapshot, error) {
	p := s.slot(boardKey, false)
	if p == nil || p.Load() == nil {
		return nil, shared.NewDomainError("leaderboard", "Latest", shared.ErrNotFound, "board "+boardKey)
	}
	return p.Load(), nil
}
