package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStartOfWeek_Monday(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{"wednesday", time.Date(2024, 3, 13, 15, 4, 0, 0, time.UTC), time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)},
		{"monday", time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)},
		{"sunday belongs to the previous week", time.Date(2024, 3, 17, 23, 59, 0, 0, time.UTC), time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StartOfWeek(tt.in))
		})
	}
}

func TestStartOfMonth(t *testing.T) {
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		StartOfMonth(time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC)))
}

func TestDaysBetween_AcrossDST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	before := time.Date(2024, 3, 9, 22, 0, 0, 0, ny)
	after := time.Date(2024, 3, 11, 1, 0, 0, 0, ny)
	assert.Equal(t, 2, DaysBetween(before, after, ny))
	assert.Equal(t, -2, DaysBetween(after, before, ny))
}

func TestFixedClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFixedClock(start)
	c.Advance(36 * time.Hour)
	assert.Equal(t, start.Add(36*time.Hour), c.Now())
	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestLoadLocation_FallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, LoadLocation(""))
	assert.Equal(t, time.UTC, LoadLocation("Nowhere/Land"))
}
