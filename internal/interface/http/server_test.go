package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progression-engine/internal/interface/http/handlers"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

type fakeEvent struct{ id string }

func (e fakeEvent) EventType() shared.EventType     { return "lesson.completed" }
func (e fakeEvent) EventID() string                 { return e.id }
func (e fakeEvent) OccurredAt() time.Time           { return time.Time{} }
func (e fakeEvent) AggregateID() string             { return "learner-1" }
func (e fakeEvent) Payload() map[string]interface{} { return nil }

type fakeDeadLetters []messaging.DeadLetterEntry

func (f fakeDeadLetters) FailedSteps() []messaging.DeadLetterEntry { return f }

func newTestServer(deps Dependencies) *Server {
	deps.Logger = logger.Nop()
	return NewServer(DefaultConfig(), deps)
}

func do(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_Live(t *testing.T) {
	rec := do(t, newTestServer(Dependencies{}), "/live")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Ready(t *testing.T) {
	health := handlers.NewCompositeHealthChecker("test")
	health.AddCheck("database", func(context.Context) error { return nil })
	s := newTestServer(Dependencies{Health: health})
	assert.Equal(t, http.StatusOK, do(t, s, "/ready").Code)

	health.AddCheck("redis", func(context.Context) error { return errors.New("down") })
	rec := do(t, s, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Data handlers.HealthStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Data.Healthy)
	assert.Equal(t, "down", body.Data.Checks["redis"].Message)
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "progression_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	rec := do(t, newTestServer(Dependencies{Gatherer: reg}), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "progression_test_total 1")
}

func TestServer_DeadLetters(t *testing.T) {
	entries := fakeDeadLetters{
		{Event: fakeEvent{id: "ev-1"}, Step: "xp", Error: errors.New("boom"), Attempts: 3},
		{Event: fakeEvent{id: "ev-2"}, Step: "achievements", Error: errors.New("bang"), Attempts: 3},
	}
	s := newTestServer(Dependencies{DeadLetters: entries})

	rec := do(t, s, "/debug/dead-letters?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data []deadLetterDTO `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "ev-2", body.Data[0].EventID)
	assert.Equal(t, "bang", body.Data[0].Error)
	assert.Equal(t, "learner-1", body.Data[0].LearnerID)

	assert.Equal(t, http.StatusBadRequest, do(t, s, "/debug/dead-letters?limit=x").Code)
}

func TestServer_DeadLettersDisabled(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, do(t, newTestServer(Dependencies{}), "/debug/dead-letters").Code)
}

func TestServer_Recovery(t *testing.T) {
	s := newTestServer(Dependencies{})
	s.router.HandleFunc("GET /panic", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := do(t, s, "/panic")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "internal_server_error"))
}

func TestServer_RequestLoggerCarriesRequestID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := NewServer(DefaultConfig(), Dependencies{Logger: logger.FromZap(zap.New(core))})
	var fromHandler *logger.Logger
	s.router.HandleFunc("GET /who", func(w http.ResponseWriter, r *http.Request) {
		fromHandler = logger.FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, fromHandler)
	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "req-42", entries[0].ContextMap()["request_id"])
	assert.Equal(t, "/who", entries[0].ContextMap()["path"])
}
