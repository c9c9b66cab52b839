package grader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/assessment"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/retry"
)

func essay() *assessment.Question {
	return &assessment.Question{ID: "q1", Type: assessment.TypeEssay, CourseID: "c1", Points: 10}
}

func newTestClient(url string, opts ...Option) *Client {
	cfg := DefaultConfig(url)
	cfg.Logger = logger.Nop()
	cfg.RatePerSecond = 0
	opts = append([]Option{WithRetrier(retry.New(
		retry.WithMaxAttempts(3),
		retry.WithInitialDelay(time.Millisecond),
		retry.WithMaxDelay(5*time.Millisecond),
		retry.WithRetryIf(isRetryable),
	))}, opts...)
	return NewClient(cfg, opts...)
}

func TestGradeOpenEnded_Success(t *testing.T) {
	var got GradeRequestDTO
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/grade", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(GradeResponseDTO{Score: 4, MaxScore: 5, IsCorrect: true, Feedback: "good"})
	}))
	defer srv.Close()

	cfg := DefaultConfig(srv.URL)
	cfg.Logger = logger.Nop()
	cfg.APIKey = "secret"
	c := NewClient(cfg)

	out, err := c.GradeOpenEnded(context.Background(), essay(), json.RawMessage(`"my essay"`))
	require.NoError(t, err)

	assert.True(t, out.Graded)
	assert.InDelta(t, 8.0, out.Score, 1e-9)
	assert.Equal(t, 10.0, out.MaxScore)
	assert.Equal(t, "good", out.Feedback)
	assert.Equal(t, "q1", got.QuestionID)
	assert.JSONEq(t, `"my essay"`, string(got.Answer))
}

func TestGradeOpenEnded_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(GradeResponseDTO{Score: 20})
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL).GradeOpenEnded(context.Background(), essay(), json.RawMessage(`"x"`))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 10.0, out.Score)
}

func TestGradeOpenEnded_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"bad_answer","message":"empty essay"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GradeOpenEnded(context.Background(), essay(), json.RawMessage(`""`))
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrExternalService)
	assert.Contains(t, err.Error(), "empty essay")
	assert.Equal(t, int32(1), calls.Load())
}

func TestGradeOpenEnded_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, WithBreaker(circuitbreaker.New("test", circuitbreaker.WithFailureThreshold(2))))
	for i := 0; i < 3; i++ {
		_, _ = c.GradeOpenEnded(context.Background(), essay(), json.RawMessage(`"x"`))
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, circuitbreaker.StateOpen, c.breaker.State())
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", &RateLimitError{RetryAfter: time.Second}, true},
		{"server error", &StatusError{StatusCode: 502}, true},
		{"timeout status", &StatusError{StatusCode: 408}, true},
		{"client error", &StatusError{StatusCode: 400}, false},
		{"permanent", retry.Permanent(context.Canceled), false},
		{"cancelled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Equal(t, time.Minute, parseRetryAfter(""))
}
