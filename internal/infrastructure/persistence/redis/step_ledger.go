package redis

import (
	"context"
	"fmt"
	"time"
)

// TTLStep is how long a completed step token is remembered.
const TTLStep = 7 * 24 * time.Hour

// StepLedger records dispatcher step tokens with SETNX. It satisfies
// messaging.Ledger.
type StepLedger struct {
	cache *Cache
	ttl   time.Duration
}

// NewStepLedger creates a StepLedger. ttl <= 0 uses TTLStep.
func NewStepLedger(cache *Cache, ttl time.Duration) *StepLedger {
	if ttl <= 0 {
		ttl = TTLStep
	}
	return &StepLedger{cache: cache, ttl: ttl}
}

func (l *StepLedger) IsApplied(ctx context.Context, token string) (bool, error) {
	n, err := l.cache.client.Exists(ctx, l.cache.keys.Step(token)).Result()
	if err != nil {
		return false, fmt.Errorf("steps.IsApplied: %w", err)
	}
	return n > 0, nil
}

func (l *StepLedger) MarkApplied(ctx context.Context, token string) error {
	if _, err := l.cache.SetNX(ctx, l.cache.keys.Step(token), 1, l.ttl); err != nil {
		return fmt.Errorf("steps.MarkApplied: %w", err)
	}
	return nil
}
