package leaderboard

import (
	"context"
)

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT STORE
// ══════════════════════════════════════════════════════════════════════════════

// SnapshotStore holds the current snapshot of every board. Implementations
// live in the infrastructure layer (memory, PostgreSQL, Redis).
type SnapshotStore interface {
	// Swap replaces the board's snapshot atomically. Readers see either the
	// old or the new snapshot, never a mix.
	Swap(ctx context.Context, s *Snapshot) error

	// Latest returns the current snapshot of a board, or shared.ErrNotFound.
	Latest(ctx context.Context, boardKey string) (*Snapshot, error)
}

// QueryOptions paginate a board read.
type QueryOptions struct {
	Page     int
	PageSize int
}

// DefaultQueryOptions returns the first page of 50 entries.
func DefaultQueryOptions() QueryOptions {
	return QueryOptions{Page: 1, PageSize: 50}
}

// Normalize clamps the options to sane bounds.
func (o QueryOptions) Normalize() QueryOptions {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.PageSize < 1 {
		o.PageSize = 50
	}
	if o.PageSize > 500 {
		o.PageSize = 500
	}
	return o
}
