package review

import (
	"math"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// Quality bounds of an SM-2 rating.
const (
	MinQuality  = 0
	MaxQuality  = 5
	PassQuality = 3
)

// SchedulerConfig tunes the SM-2 scheduler.
type SchedulerConfig struct {
	// MaxEaseFactor caps the ease factor. Zero leaves it uncapped.
	MaxEaseFactor float64
	// MatureIntervalDays is the interval at which an item counts as mature.
	MatureIntervalDays int
}

// DefaultSchedulerConfig caps the ease factor at its starting value of 2.5.
//
// Classic SM-2 lets the ease factor grow without bound. With the cap, a run of
// perfect ratings keeps the ease at 2.5 and intervals grow by that factor
// instead of accelerating. Set MaxEaseFactor to zero (ENGINE_MAX_EASE_FACTOR=0)
// for the uncapped behavior.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxEaseFactor:      DefaultEaseFactor,
		MatureIntervalDays: DefaultMatureInterval,
	}
}

// Scheduler computes SM-2 transitions. It is pure and safe for concurrent use.
type Scheduler struct {
	cfg SchedulerConfig
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.MatureIntervalDays <= 0 {
		cfg.MatureIntervalDays = DefaultMatureInterval
	}
	return &Scheduler{cfg: cfg}
}

// ValidateQuality rejects ratings outside 0..5.
func ValidateQuality(q int) error {
	if q < MinQuality || q > MaxQuality {
		return shared.Validationf("review", "ValidateQuality", "quality rating %d outside [%d,%d]", q, MinQuality, MaxQuality)
	}
	return nil
}

// Apply mutates rs with one review outcome observed at now.
func (s *Scheduler) Apply(rs *ReviewSchedule, quality int, now time.Time) error {
	if err := ValidateQuality(quality); err != nil {
		return err
	}

	if quality >= PassQuality {
		switch rs.RepetitionCount {
		case 0:
			rs.IntervalDays = 1
		case 1:
			rs.IntervalDays = 6
		default:
			rs.IntervalDays = int(math.Round(float64(rs.IntervalDays) * rs.EaseFactor))
		}
		rs.RepetitionCount++
		rs.ConsecutiveCorrect++
	} else {
		rs.RepetitionCount = 0
		rs.IntervalDays = 1
		rs.ConsecutiveCorrect = 0
	}

	rs.EaseFactor = s.nextEase(rs.EaseFactor, quality)

	next := now.AddDate(0, 0, rs.IntervalDays)
	rs.LastReviewed = &now
	rs.NextReview = &next
	rs.IsDue = false
	rs.IsMature = rs.IntervalDays >= s.cfg.MatureIntervalDays
	rs.TotalReviews++
	rs.UpdatedAt = now
	return nil
}

func (s *Scheduler) nextEase(ef float64, quality int) float64 {
	d := float64(MaxQuality - quality)
	ef = ef + 0.1 - d*(0.08+d*0.02)
	if s.cfg.MaxEaseFactor > 0 && ef > s.cfg.MaxEaseFactor {
		ef = s.cfg.MaxEaseFactor
	}
	// Rounded to 4 decimals so stored values survive NUMERIC round trips.
	ef = math.Round(ef*10000) / 10000
	return math.Max(MinEaseFactor, ef)
}
