package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alem-hub/progression-engine/internal/domain/assessment"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ATTEMPT STORE
// ══════════════════════════════════════════════════════════════════════════════

// AttemptStore implements assessment.AttemptStore for PostgreSQL.
type AttemptStore struct {
	conn *Connection
}

// NewAttemptStore creates a new AttemptStore.
func NewAttemptStore(conn *Connection) *AttemptStore {
	return &AttemptStore{conn: conn}
}

func (s *AttemptStore) Create(ctx context.Context, at *assessment.Attempt) error {
	prev := at.Version
	at.Version = 1
	doc, err := json.Marshal(at)
	if err != nil {
		at.Version = prev
		return fmt.Errorf("assessment.CreateAttempt: encode: %w", err)
	}
	err = insertDoc(ctx, s.conn, "assessment", "CreateAttempt", `
		INSERT INTO attempts (id, learner_id, assessment_id, attempt_number, status, doc, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
	`, at.ID, at.LearnerID.String(), at.AssessmentID, at.AttemptNumber, string(at.Status), doc)
	if err != nil {
		at.Version = prev
	}
	return err
}

func (s *AttemptStore) Get(ctx context.Context, id string) (*assessment.Attempt, error) {
	at := new(assessment.Attempt)
	row := s.conn.QueryRow(ctx, `SELECT doc FROM attempts WHERE id = $1`, id)
	if err := scanDoc(row, "assessment", "GetAttempt", "attempt "+id, at); err != nil {
		return nil, err
	}
	return at, nil
}

func (s *AttemptStore) Update(ctx context.Context, at *assessment.Attempt) error {
	prev := at.Version
	at.Version = prev + 1
	doc, err := json.Marshal(at)
	if err != nil {
		at.Version = prev
		return fmt.Errorf("assessment.UpdateAttempt: encode: %w", err)
	}
	err = casUpdate(ctx, s.conn, "assessment", "UpdateAttempt", `
		UPDATE attempts SET status = $1, doc = $2, version = version + 1
		WHERE id = $3 AND version = $4
	`, string(at.Status), doc, at.ID, prev)
	if err != nil {
		at.Version = prev
	}
	return err
}

func (s *AttemptStore) ListByLearner(ctx context.Context, learnerID shared.LearnerID, assessmentID string) ([]*assessment.Attempt, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT doc FROM attempts
		WHERE learner_id = $1 AND ($2 = '' OR assessment_id = $2)
		ORDER BY assessment_id, attempt_number
	`, learnerID.String(), assessmentID)
	out, err := collectDocs[assessment.Attempt](rows, err)
	if err != nil {
		return nil, fmt.Errorf("assessment.ListAttempts: %w", err)
	}
	return out, nil
}

func (s *AttemptStore) ListByAssessment(ctx context.Context, assessmentID string) ([]*assessment.Attempt, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT doc FROM attempts WHERE assessment_id = $1
		ORDER BY learner_id, attempt_number
	`, assessmentID)
	out, err := collectDocs[assessment.Attempt](rows, err)
	if err != nil {
		return nil, fmt.Errorf("assessment.ListAttempts: %w", err)
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE STORE
// ══════════════════════════════════════════════════════════════════════════════

// ResponseStore implements assessment.ResponseStore for PostgreSQL.
type ResponseStore struct {
	conn *Connection
}

// NewResponseStore creates a new ResponseStore.
func NewResponseStore(conn *Connection) *ResponseStore {
	return &ResponseStore{conn: conn}
}

func (s *ResponseStore) Create(ctx context.Context, r *assessment.UserResponse) error {
	prev := r.Version
	r.Version = 1
	doc, err := json.Marshal(r)
	if err != nil {
		r.Version = prev
		return fmt.Errorf("assessment.CreateResponse: encode: %w", err)
	}
	err = insertDoc(ctx, s.conn, "assessment", "CreateResponse", `
		INSERT INTO user_responses (id, attempt_id, learner_id, question_id, attempt_number, doc, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
	`, r.ID, r.AttemptID, r.LearnerID.String(), r.QuestionID, r.AttemptNumber, doc)
	if err != nil {
		r.Version = prev
	}
	return err
}

func (s *ResponseStore) Get(ctx context.Context, id string) (*assessment.UserResponse, error) {
	r := new(assessment.UserResponse)
	row := s.conn.QueryRow(ctx, `SELECT doc FROM user_responses WHERE id = $1`, id)
	if err := scanDoc(row, "assessment", "GetResponse", "response "+id, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *ResponseStore) Update(ctx context.Context, r *assessment.UserResponse) error {
	prev := r.Version
	r.Version = prev + 1
	doc, err := json.Marshal(r)
	if err != nil {
		r.Version = prev
		return fmt.Errorf("assessment.UpdateResponse: encode: %w", err)
	}
	err = casUpdate(ctx, s.conn, "assessment", "UpdateResponse", `
		UPDATE user_responses SET doc = $1, version = version + 1
		WHERE id = $2 AND version = $3
	`, doc, r.ID, prev)
	if err != nil {
		r.Version = prev
	}
	return err
}

// GetMany returns responses in the order of ids. A missing ID is NotFound.
func (s *ResponseStore) GetMany(ctx context.Context, ids []string) ([]*assessment.UserResponse, error) {
	if len(ids) == 0 {
		return []*assessment.UserResponse{}, nil
	}
	rows, err := s.conn.Query(ctx, `SELECT doc FROM user_responses WHERE id = ANY($1)`, ids)
	found, err := collectDocs[assessment.UserResponse](rows, err)
	if err != nil {
		return nil, fmt.Errorf("assessment.GetResponses: %w", err)
	}
	byID := make(map[string]*assessment.UserResponse, len(found))
	for _, r := range found {
		byID[r.ID] = r
	}
	out := make([]*assessment.UserResponse, 0, len(ids))
	for _, id := range ids {
		r, ok := byID[id]
		if !ok {
			return nil, shared.NewDomainError("assessment", "GetResponses", shared.ErrNotFound, "response "+id)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *ResponseStore) CountByLearnerQuestion(ctx context.Context, learnerID shared.LearnerID, questionID string) (int, error) {
	var n int
	err := s.conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM user_responses WHERE learner_id = $1 AND question_id = $2`,
		learnerID.String(), questionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("assessment.CountResponses: %w", err)
	}
	return n, nil
}

func (s *ResponseStore) ListByQuestion(ctx context.Context, questionID string) ([]*assessment.UserResponse, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT doc FROM user_responses WHERE question_id = $1
		ORDER BY (doc->>'SubmittedAt')::timestamptz
	`, questionID)
	out, err := collectDocs[assessment.UserResponse](rows, err)
	if err != nil {
		return nil, fmt.Errorf("assessment.ListResponses: %w", err)
	}
	return out, nil
}
