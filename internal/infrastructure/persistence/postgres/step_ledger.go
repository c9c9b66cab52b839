package postgres

import (
	"context"
	"fmt"
)

// StepLedger records completed dispatcher steps. It satisfies
// messaging.Ledger.
type StepLedger struct {
	conn *Connection
}

// NewStepLedger creates a new StepLedger.
func NewStepLedger(conn *Connection) *StepLedger {
	return &StepLedger{conn: conn}
}

func (l *StepLedger) IsApplied(ctx context.Context, token string) (bool, error) {
	var ok bool
	err := l.conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM dispatcher_steps WHERE token = $1)`, token).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("steps.IsApplied: %w", err)
	}
	return ok, nil
}

func (l *StepLedger) MarkApplied(ctx context.Context, token string) error {
	_, err := l.conn.execIdempotent(ctx, `INSERT INTO dispatcher_steps (token) VALUES ($1) ON CONFLICT (token) DO NOTHING`, token)
	if err != nil {
		return fmt.Errorf("steps.MarkApplied: %w", err)
	}
	return nil
}
