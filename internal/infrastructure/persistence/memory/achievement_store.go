package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/alem-hub/progression-engine/internal/domain/achievement"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// UnlockStore implements achievement.UnlockStore.
type UnlockStore struct {
	mu      sync.RWMutex
	unlocks map[shared.LearnerID]map[string]achievement.Unlock
}

func NewUnlockStore() *UnlockStore {
	return &UnlockStore{unlocks: make(map[shared.LearnerID]map[string]achievement.Unlock)}
}

func (s *UnlockStore) Create(_ context.Context, u achievement.Unlock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.unlocks[u.LearnerID]
	if !ok {
		byKey = make(map[string]achievement.Unlock)
		s.unlocks[u.LearnerID] = byKey
	}
	if _, ok := byKey[u.Key]; ok {
		return false, nil
	}
	byKey[u.Key] = u
	return true, nil
}

func (s *UnlockStore) ListByLearner(_ context.Context, learnerID shared.LearnerID) ([]achievement.Unlock, error) {
	s.mu.RLock()
	out := make([]achievement.Unlock, 0, len(s.unlocks[learnerID]))
	for _, u := range s.unlocks[learnerID] {
		out = append(out, u)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UnlockedAt.Equal(out[j].UnlockedAt) {
			return out[i].UnlockedAt.Before(out[j].UnlockedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}
