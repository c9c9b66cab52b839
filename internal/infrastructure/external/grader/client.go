// Package grader is the HTTP client of the external grading service used
// for open-ended questions. Calls are rate limited, retried with backoff and
// guarded by a circuit breaker.
package grader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alem-hub/progression-engine/internal/domain/assessment"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains configuration for the grading client.
type Config struct {
	// BaseURL is the grading service base URL.
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout bounds one HTTP request.
	Timeout time.Duration

	// RatePerSecond and Burst shape outgoing requests.
	RatePerSecond float64
	Burst         int

	Logger *logger.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:       baseURL,
		Timeout:       20 * time.Second,
		RatePerSecond: 5,
		Burst:         10,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client implements assessment.ExternalGrader over HTTP.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
	retrier    *retry.Retrier
	logger     *logger.Logger
}

var _ assessment.ExternalGrader = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetrier replaces the retry policy.
func WithRetrier(r *retry.Retrier) Option {
	return func(c *Client) { c.retrier = r }
}

// WithBreaker replaces the circuit breaker.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// NewClient creates a grading client.
func NewClient(config Config, opts ...Option) *Client {
	if config.Logger == nil {
		config.Logger = logger.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 20 * time.Second
	}
	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}

	log := config.Logger.Named("grader")
	c := &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(limit, config.Burst),
		logger:     log,
	}
	c.breaker = circuitbreaker.GraderBreaker(func(name string, from, to circuitbreaker.State) {
		log.Warn("circuit breaker state changed",
			logger.String("breaker", name),
			logger.String("from", from.String()),
			logger.String("to", to.String()),
		)
	})
	c.retrier = retry.GraderRetrier(retry.WithRetryIf(isRetryable))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GradeOpenEnded sends the answer to the grading service. The returned score
// is clamped to [0, points].
func (c *Client) GradeOpenEnded(ctx context.Context, q *assessment.Question, raw json.RawMessage) (assessment.Outcome, error) {
	body := GradeRequestDTO{
		QuestionID:       q.ID,
		QuestionType:     string(q.Type),
		CourseID:         q.CourseID,
		Points:           q.Points,
		ReferenceAnswers: q.CorrectAnswers,
		Answer:           raw,
	}

	var result GradeResponseDTO
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.retrier.Do(ctx, func(ctx context.Context) error {
			return c.post(ctx, "/v1/grade", body, &result)
		})
	})
	if err != nil {
		return assessment.Outcome{}, shared.WrapError("grader", "GradeOpenEnded", shared.ErrExternalService,
			"question "+q.ID, err)
	}
	return toOutcome(q, result), nil
}

func toOutcome(q *assessment.Question, r GradeResponseDTO) assessment.Outcome {
	points := float64(q.Points)
	score := r.Score
	// Some graders answer on their own scale.
	if r.MaxScore > 0 && r.MaxScore != points {
		score = score / r.MaxScore * points
	}
	if score < 0 {
		score = 0
	}
	if score > points {
		score = points
	}
	return assessment.Outcome{
		Graded:    true,
		IsCorrect: r.IsCorrect,
		Score:     score,
		MaxScore:  points,
		Feedback:  r.Feedback,
	}
}

// post performs one rate-limited request.
func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return retry.Permanent(fmt.Errorf("rate limiter: %w", err))
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.config.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("grader request",
		logger.String("path", path),
		logger.Int("status", resp.StatusCode),
		logger.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	if resp.StatusCode >= 400 {
		var apiErr APIErrorDTO
		_ = json.Unmarshal(respBody, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return &StatusError{StatusCode: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Message}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// isRetryable retries transport errors, 429 and 5xx.
func isRetryable(err error) bool {
	if retry.IsPermanent(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

func parseRetryAfter(v string) time.Duration {
	if seconds, err := strconv.Atoi(v); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	return time.Minute
}

func itoa(n int) string { return strconv.Itoa(n) }
