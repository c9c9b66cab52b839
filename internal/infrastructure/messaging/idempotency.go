package messaging

import (
	"context"
	"encoding/hex"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// IdempotencyToken derives the token of one pipeline step from the ID of the
// originating response or attempt. The same inputs always give the same token.
func IdempotencyToken(eventID, step string) string {
	sum := blake2b.Sum256([]byte(eventID + "\x00" + step))
	return hex.EncodeToString(sum[:16])
}

// Ledger remembers which step tokens have completed.
type Ledger interface {
	IsApplied(ctx context.Context, token string) (bool, error)
	MarkApplied(ctx context.Context, token string) error
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu      sync.RWMutex
	applied map[string]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{applied: make(map[string]struct{})}
}

func (l *MemoryLedger) IsApplied(_ context.Context, token string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.applied[token]
	return ok, nil
}

func (l *MemoryLedger) MarkApplied(_ context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applied[token] = struct{}{}
	return nil
}
