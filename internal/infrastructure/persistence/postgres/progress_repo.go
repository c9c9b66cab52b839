package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/assessment"
	"github.com/alem-hub/progression-engine/internal/domain/progress"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS STORE
// ══════════════════════════════════════════════════════════════════════════════

// ProgressStore implements progress.ProgressStore for PostgreSQL.
type ProgressStore struct {
	conn *Connection
}

// NewProgressStore creates a new ProgressStore.
func NewProgressStore(conn *Connection) *ProgressStore {
	return &ProgressStore{conn: conn}
}

func (s *ProgressStore) Get(ctx context.Context, key progress.Key) (*progress.ProgressRecord, error) {
	p := new(progress.ProgressRecord)
	row := s.conn.QueryRow(ctx,
		`SELECT doc FROM progress_records WHERE learner_id = $1 AND scope = $2`,
		key.LearnerID.String(), key.Scope.String())
	if err := scanDoc(row, "progress", "Get", "progress "+key.String(), p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *ProgressStore) Create(ctx context.Context, p *progress.ProgressRecord) error {
	prev := p.Version
	p.Version = 1
	doc, err := json.Marshal(p)
	if err != nil {
		p.Version = prev
		return fmt.Errorf("progress.Create: encode: %w", err)
	}
	err = insertDoc(ctx, s.conn, "progress", "Create", `
		INSERT INTO progress_records (learner_id, scope, scope_kind, course_id, doc, version)
		VALUES ($1, $2, $3, $4, $5, 1)
	`, p.Key.LearnerID.String(), p.Key.Scope.String(), string(p.Key.Scope.Kind), p.CourseID, doc)
	if err != nil {
		p.Version = prev
	}
	return err
}

func (s *ProgressStore) Update(ctx context.Context, p *progress.ProgressRecord) error {
	prev := p.Version
	p.Version = prev + 1
	doc, err := json.Marshal(p)
	if err != nil {
		p.Version = prev
		return fmt.Errorf("progress.Update: encode: %w", err)
	}
	err = casUpdate(ctx, s.conn, "progress", "Update", `
		UPDATE progress_records SET doc = $1, version = version + 1
		WHERE learner_id = $2 AND scope = $3 AND version = $4
	`, doc, p.Key.LearnerID.String(), p.Key.Scope.String(), prev)
	if err != nil {
		p.Version = prev
	}
	return err
}

func (s *ProgressStore) ListByLearner(ctx context.Context, learnerID shared.LearnerID, courseID string) ([]*progress.ProgressRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT doc FROM progress_records
		WHERE learner_id = $1 AND ($2 = '' OR course_id = $2)
		ORDER BY scope
	`, learnerID.String(), courseID)
	out, err := collectDocs[progress.ProgressRecord](rows, err)
	if err != nil {
		return nil, fmt.Errorf("progress.ListByLearner: %w", err)
	}
	return out, nil
}

func (s *ProgressStore) ListCourseRecords(ctx context.Context, courseID string) ([]*progress.ProgressRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT doc FROM progress_records
		WHERE scope = $1
		ORDER BY learner_id
	`, shared.CourseScope(courseID).String())
	out, err := collectDocs[progress.ProgressRecord](rows, err)
	if err != nil {
		return nil, fmt.Errorf("progress.ListCourseRecords: %w", err)
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// XP LEDGER
// ══════════════════════════════════════════════════════════════════════════════

// XPLedger implements progress.XPLedger for PostgreSQL. The token primary
// key makes Append idempotent.
type XPLedger struct {
	conn *Connection
}

// NewXPLedger creates a new XPLedger.
func NewXPLedger(conn *Connection) *XPLedger {
	return &XPLedger{conn: conn}
}

func (l *XPLedger) Append(ctx context.Context, e progress.LedgerEntry) (bool, error) {
	tag, err := l.conn.execIdempotent(ctx, `
		INSERT INTO xp_ledger (token, learner_id, course_id, delta, at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (token) DO NOTHING
	`, e.Token, e.LearnerID.String(), e.CourseID, e.Delta, e.At)
	if err != nil {
		return false, fmt.Errorf("progress.LedgerAppend: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Totals folds the ledger per learner. Negative totals read as zero.
func (l *XPLedger) Totals(ctx context.Context, f progress.LedgerFilter) ([]progress.LearnerTotal, error) {
	query, args := totalsQuery(f)
	rows, err := l.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("progress.LedgerTotals: %w", err)
	}
	defer rows.Close()

	var out []progress.LearnerTotal
	for rows.Next() {
		var (
			id      string
			xp      int64
			reached *time.Time
		)
		if err := rows.Scan(&id, &xp, &reached); err != nil {
			return nil, fmt.Errorf("progress.LedgerTotals: scan: %w", err)
		}
		t := progress.LearnerTotal{LearnerID: shared.LearnerID(id), XP: xp}
		if reached != nil {
			t.ReachedAt = *reached
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// totalsQuery builds the aggregate for f. Until is exclusive.
func totalsQuery(f progress.LedgerFilter) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.CourseID != "" {
		add("course_id = $%d", f.CourseID)
	}
	if !f.Since.IsZero() {
		add("at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("at < $%d", f.Until)
	}
	if len(f.Learners) > 0 {
		ids := make([]string, len(f.Learners))
		for i, id := range f.Learners {
			ids[i] = id.String()
		}
		add("learner_id = ANY($%d)", ids)
	}

	var b strings.Builder
	b.WriteString(`SELECT learner_id, GREATEST(SUM(delta), 0)::BIGINT, MAX(at) FILTER (WHERE delta > 0) FROM xp_ledger`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" GROUP BY learner_id ORDER BY learner_id")
	return b.String(), args
}

// ══════════════════════════════════════════════════════════════════════════════
// DERIVED STATISTICS
// ══════════════════════════════════════════════════════════════════════════════

const (
	statsCourse     = "course"
	statsAssessment = "assessment"
	statsQuestion   = "question"
)

// StatsStore implements progress.StatsStore for PostgreSQL.
type StatsStore struct {
	conn *Connection
}

// NewStatsStore creates a new StatsStore.
func NewStatsStore(conn *Connection) *StatsStore {
	return &StatsStore{conn: conn}
}

func (s *StatsStore) put(ctx context.Context, kind, id string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("progress.PutStats: encode: %w", err)
	}
	_, err = s.conn.execIdempotent(ctx, `
		INSERT INTO derived_stats (kind, id, doc, updated_at) VALUES ($1, $2, $3, NOW())
		ON CONFLICT (kind, id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at
	`, kind, id, doc)
	if err != nil {
		return fmt.Errorf("progress.PutStats %s: %w", kind, err)
	}
	return nil
}

func (s *StatsStore) get(ctx context.Context, kind, id string, v any) error {
	row := s.conn.QueryRow(ctx, `SELECT doc FROM derived_stats WHERE kind = $1 AND id = $2`, kind, id)
	return scanDoc(row, "progress", "GetStats", kind+" "+id, v)
}

func (s *StatsStore) PutCourse(ctx context.Context, st progress.CourseStatistics) error {
	return s.put(ctx, statsCourse, st.CourseID, st)
}

func (s *StatsStore) GetCourse(ctx context.Context, courseID string) (progress.CourseStatistics, error) {
	var st progress.CourseStatistics
	err := s.get(ctx, statsCourse, courseID, &st)
	return st, err
}

func (s *StatsStore) PutAssessment(ctx context.Context, st assessment.Statistics) error {
	return s.put(ctx, statsAssessment, st.AssessmentID, st)
}

func (s *StatsStore) GetAssessment(ctx context.Context, assessmentID string) (assessment.Statistics, error) {
	var st assessment.Statistics
	err := s.get(ctx, statsAssessment, assessmentID, &st)
	return st, err
}

func (s *StatsStore) PutQuestion(ctx context.Context, questionID string, a assessment.QuestionAnalytics) error {
	return s.put(ctx, statsQuestion, questionID, a)
}

func (s *StatsStore) GetQuestion(ctx context.Context, questionID string) (assessment.QuestionAnalytics, error) {
	var a assessment.QuestionAnalytics
	err := s.get(ctx, statsQuestion, questionID, &a)
	return a, err
}
