package achievement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

func defs() []*Achievement {
	return []*Achievement{
		{ID: "first-course", Criteria: Criteria{CritCoursesCompleted: 1}, XPReward: 50, IsActive: true},
		{ID: "scholar", Criteria: Criteria{CritCoursesCompleted: 1, CritMinAverageScore: 90}, IsActive: true},
		{ID: "on-fire", Criteria: Criteria{CritMinStreakDays: 7}, IsActive: true},
		{ID: "perfect", Criteria: Criteria{CritPerfectScore: 1}, IsActive: true, IsRepeatable: true},
		{ID: "veteran", Criteria: Criteria{CritTotalXP: 100}, IsActive: true, Prerequisites: []string{"first-course"}},
		{ID: "retired", Criteria: Criteria{CritTotalXP: 0}, IsActive: false},
	}
}

func TestEvaluate_AndCriteria(t *testing.T) {
	e := NewEvaluator()
	agg := Aggregate{LearnerID: "l1", CoursesCompleted: 1, AverageScore: 85, TotalXP: 200}

	got := e.Evaluate(Input{Aggregate: agg, Definitions: defs(), TriggerEventID: "ev1", Now: now})
	ids := unlockIDs(got)
	assert.ElementsMatch(t, []string{"first-course", "veteran"}, ids)
	assert.NotContains(t, ids, "scholar")
	assert.NotContains(t, ids, "retired")
}

func TestEvaluate_IdempotentForNonRepeatable(t *testing.T) {
	e := NewEvaluator()
	agg := Aggregate{LearnerID: "l1", CoursesCompleted: 2}

	first := e.Evaluate(Input{Aggregate: agg, Definitions: defs(), TriggerEventID: "ev1", Now: now})
	require.Len(t, first, 1)

	unlocked := map[string]bool{}
	for _, u := range first {
		unlocked[u.Key] = true
	}
	second := e.Evaluate(Input{Aggregate: agg, Definitions: defs(), Unlocked: unlocked, TriggerEventID: "ev2", Now: now})
	assert.Empty(t, second)
}

func TestEvaluate_RepeatablePerTrigger(t *testing.T) {
	e := NewEvaluator()
	agg := Aggregate{LearnerID: "l1", PerfectScore: true}

	first := e.Evaluate(Input{Aggregate: agg, Definitions: defs(), TriggerEventID: "att-1", Now: now})
	require.Len(t, first, 1)
	assert.Equal(t, "perfect#att-1", first[0].Key)

	unlocked := map[string]bool{first[0].Key: true}
	again := e.Evaluate(Input{Aggregate: agg, Definitions: defs(), Unlocked: unlocked, TriggerEventID: "att-1", Now: now})
	assert.Empty(t, again)

	next := e.Evaluate(Input{Aggregate: agg, Definitions: defs(), Unlocked: unlocked, TriggerEventID: "att-2", Now: now})
	require.Len(t, next, 1)
	assert.Equal(t, "perfect#att-2", next[0].Key)
}

func TestEvaluate_AvailabilityWindow(t *testing.T) {
	e := NewEvaluator()
	later := now.Add(24 * time.Hour)
	d := []*Achievement{{ID: "spring", Criteria: Criteria{CritTotalXP: 1}, IsActive: true, AvailableFrom: &later}}

	got := e.Evaluate(Input{Aggregate: Aggregate{TotalXP: 10}, Definitions: d, Now: now})
	assert.Empty(t, got)
}

func TestEvaluate_UnknownCriterionNeverHolds(t *testing.T) {
	e := NewEvaluator()
	d := []*Achievement{{ID: "x", Criteria: Criteria{"moon_landings": 1}, IsActive: true}}
	assert.Empty(t, e.Evaluate(Input{Definitions: d, Now: now}))

	e.Register("moon_landings", func(Aggregate, float64) bool { return true })
	assert.Len(t, e.Evaluate(Input{Definitions: d, Now: now}), 1)
}

func unlockIDs(us []Unlock) []string {
	out := make([]string, 0, len(us))
	for _, u := range us {
		out = append(out, u.AchievementID)
	}
	return out
}
