package messaging

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	StepExecutions  *prometheus.CounterVec
	StepDuration    *prometheus.HistogramVec
	StepRetries     *prometheus.CounterVec
	StepSkipped     *prometheus.CounterVec
	DeadLetters     prometheus.Gauge
	GradingOutcomes *prometheus.CounterVec
	RefreshDuration *prometheus.HistogramVec
	RefreshSize     *prometheus.GaugeVec
	Unlocks         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StepExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "progression",
			Name:      "dispatcher_step_executions_total",
			Help:      "Dispatcher step executions by outcome.",
		}, []string{"event_type", "step", "outcome"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "progression",
			Name:      "dispatcher_step_duration_seconds",
			Help:      "Duration of dispatcher steps including retries.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"event_type", "step"}),
		StepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "progression",
			Name:      "dispatcher_step_retries_total",
			Help:      "Retries after concurrency conflicts.",
		}, []string{"step"}),
		StepSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "progression",
			Name:      "dispatcher_step_skipped_total",
			Help:      "Steps skipped because their idempotency token was already applied.",
		}, []string{"step"}),
		DeadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "progression",
			Name:      "dispatcher_dead_letters",
			Help:      "Entries currently in the dead letter queue.",
		}),
		GradingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "progression",
			Name:      "grading_outcomes_total",
			Help:      "Answer grading outcomes by question type.",
		}, []string{"question_type", "outcome"}),
		RefreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "progression",
			Name:      "leaderboard_refresh_duration_seconds",
			Help:      "Leaderboard refresh duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"board_type"}),
		RefreshSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "progression",
			Name:      "leaderboard_entries",
			Help:      "Entries in the current leaderboard snapshot.",
		}, []string{"board_type"}),
		Unlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "progression",
			Name:      "achievement_unlocks_total",
			Help:      "Achievement unlocks.",
		}, []string{"achievement_id"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.StepExecutions, m.StepDuration, m.StepRetries, m.StepSkipped, m.DeadLetters,
			m.GradingOutcomes, m.RefreshDuration, m.RefreshSize, m.Unlocks,
		)
	}
	return m
}

// ObserveStep records one finished step.
func (m *Metrics) ObserveStep(eventType, step, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepExecutions.WithLabelValues(eventType, step, outcome).Inc()
	m.StepDuration.WithLabelValues(eventType, step).Observe(d.Seconds())
}

// ObserveGrading records a grading outcome.
func (m *Metrics) ObserveGrading(questionType, outcome string) {
	if m == nil {
		return
	}
	m.GradingOutcomes.WithLabelValues(questionType, outcome).Inc()
}

// ObserveRefresh records a finished leaderboard refresh.
func (m *Metrics) ObserveRefresh(boardType string, entries int, d time.Duration) {
	if m == nil {
		return
	}
	m.RefreshDuration.WithLabelValues(boardType).Observe(d.Seconds())
	m.RefreshSize.WithLabelValues(boardType).Set(float64(entries))
}

// ObserveUnlock counts an achievement unlock.
func (m *Metrics) ObserveUnlock(achievementID string) {
	if m == nil {
		return
	}
	m.Unlocks.WithLabelValues(achievementID).Inc()
}
