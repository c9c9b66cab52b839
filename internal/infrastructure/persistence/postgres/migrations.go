package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Migration is one embedded schema change.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// Migrator applies embedded migrations.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
}

// NewMigrator creates a migrator with the embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{conn: conn, migrations: GetMigrations(), tableName: "schema_migrations"}
}

// EnsureMigrationTable creates the tracking table if it doesn't exist.
func (m *Migrator) EnsureMigrationTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`, m.tableName)
	if _, err := m.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.conn.Query(ctx, fmt.Sprintf("SELECT version, applied_at FROM %s ORDER BY version", m.tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		out[version] = at
	}
	return out, rows.Err()
}

// Migrate applies every pending migration, each in its own transaction.
func (m *Migrator) Migrate(ctx context.Context) (int, error) {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return 0, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		err := m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", mig.Version, err)
			}
			_, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.tableName), mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return n, fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
		n++
	}
	return n, nil
}

// Rollback reverts the last applied migration.
func (m *Migrator) Rollback(ctx context.Context) error {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	last := 0
	for v := range applied {
		if v > last {
			last = v
		}
	}
	if last == 0 {
		return nil
	}

	var mig *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == last {
			mig = &m.migrations[i]
		}
	}
	if mig == nil || mig.DownSQL == "" {
		return fmt.Errorf("%w: missing down SQL for migration %d", ErrMigrationFailed, last)
	}

	return m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, mig.DownSQL); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", last, err)
		}
		_, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE version = $1", m.tableName), last)
		return err
	})
}

// Status reports which migrations are applied.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Migration, len(m.migrations))
	copy(out, m.migrations)
	for i := range out {
		if at, ok := applied[out[i].Version]; ok {
			out[i].IsApplied = true
			out[i].AppliedAt = at
		}
	}
	return out, nil
}

// GetMigrations returns all embedded migrations in order.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_reviews_and_attempts", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_progress_and_ledger", UpSQL: migration002Up, DownSQL: migration002Down},
		{Version: 3, Name: "create_leaderboards_and_achievements", UpSQL: migration003Up, DownSQL: migration003Down},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: REVIEWS AND ATTEMPTS
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
CREATE TABLE IF NOT EXISTS review_schedules (
    learner_id VARCHAR(100) NOT NULL,
    item VARCHAR(200) NOT NULL,
    next_review TIMESTAMP WITH TIME ZONE,
    is_mature BOOLEAN NOT NULL DEFAULT FALSE,
    archived BOOLEAN NOT NULL DEFAULT FALSE,
    doc JSONB NOT NULL,
    version BIGINT NOT NULL DEFAULT 1,
    PRIMARY KEY (learner_id, item)
);

CREATE INDEX IF NOT EXISTS idx_review_schedules_due
    ON review_schedules(learner_id, next_review) WHERE NOT archived;

CREATE TABLE IF NOT EXISTS attempts (
    id UUID PRIMARY KEY,
    learner_id VARCHAR(100) NOT NULL,
    assessment_id VARCHAR(100) NOT NULL,
    attempt_number INTEGER NOT NULL,
    status VARCHAR(20) NOT NULL,
    doc JSONB NOT NULL,
    version BIGINT NOT NULL DEFAULT 1,

    UNIQUE (learner_id, assessment_id, attempt_number),
    CONSTRAINT valid_attempt_status CHECK (status IN ('in_progress', 'submitted', 'completed', 'abandoned'))
);

CREATE INDEX IF NOT EXISTS idx_attempts_assessment ON attempts(assessment_id);

CREATE TABLE IF NOT EXISTS user_responses (
    id UUID PRIMARY KEY,
    attempt_id UUID NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
    learner_id VARCHAR(100) NOT NULL,
    question_id VARCHAR(100) NOT NULL,
    attempt_number INTEGER NOT NULL,
    doc JSONB NOT NULL,
    version BIGINT NOT NULL DEFAULT 1,

    UNIQUE (learner_id, question_id, attempt_number)
);

CREATE INDEX IF NOT EXISTS idx_user_responses_question ON user_responses(question_id);
`

const migration001Down = `
DROP TABLE IF EXISTS user_responses;
DROP TABLE IF EXISTS attempts;
DROP TABLE IF EXISTS review_schedules;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: PROGRESS AND XP LEDGER
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS progress_records (
    learner_id VARCHAR(100) NOT NULL,
    scope VARCHAR(200) NOT NULL,
    scope_kind VARCHAR(10) NOT NULL,
    course_id VARCHAR(100) NOT NULL,
    doc JSONB NOT NULL,
    version BIGINT NOT NULL DEFAULT 1,
    PRIMARY KEY (learner_id, scope)
);

CREATE INDEX IF NOT EXISTS idx_progress_records_course ON progress_records(course_id, scope_kind);

-- Every leaderboard is folded from this table.
CREATE TABLE IF NOT EXISTS xp_ledger (
    token VARCHAR(200) PRIMARY KEY,
    learner_id VARCHAR(100) NOT NULL,
    course_id VARCHAR(100) NOT NULL DEFAULT '',
    delta BIGINT NOT NULL,
    at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_xp_ledger_at ON xp_ledger(at);
CREATE INDEX IF NOT EXISTS idx_xp_ledger_course_at ON xp_ledger(course_id, at);
CREATE INDEX IF NOT EXISTS idx_xp_ledger_learner ON xp_ledger(learner_id);

CREATE TABLE IF NOT EXISTS derived_stats (
    kind VARCHAR(20) NOT NULL,
    id VARCHAR(100) NOT NULL,
    doc JSONB NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    PRIMARY KEY (kind, id)
);
`

const migration002Down = `
DROP TABLE IF EXISTS derived_stats;
DROP TABLE IF EXISTS xp_ledger;
DROP TABLE IF EXISTS progress_records;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: LEADERBOARDS AND ACHIEVEMENTS
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
-- One row per board; a refresh replaces the row in a single statement.
CREATE TABLE IF NOT EXISTS leaderboard_snapshots (
    board_key VARCHAR(200) PRIMARY KEY,
    snapshot_id UUID NOT NULL,
    board JSONB NOT NULL,
    doc JSONB NOT NULL,
    computed_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE TABLE IF NOT EXISTS achievement_unlocks (
    learner_id VARCHAR(100) NOT NULL,
    unlock_key VARCHAR(300) NOT NULL,
    achievement_id VARCHAR(100) NOT NULL,
    doc JSONB NOT NULL,
    unlocked_at TIMESTAMP WITH TIME ZONE NOT NULL,
    PRIMARY KEY (learner_id, unlock_key)
);

CREATE TABLE IF NOT EXISTS dispatcher_steps (
    token VARCHAR(64) PRIMARY KEY,
    applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
`

const migration003Down = `
DROP TABLE IF EXISTS dispatcher_steps;
DROP TABLE IF EXISTS achievement_unlocks;
DROP TABLE IF EXISTS leaderboard_snapshots;
`
