package achievement

import (
	"sort"
	"strings"
	"time"
)

// Predicate reports whether agg meets threshold for one criterion.
type Predicate func(agg Aggregate, threshold float64) bool

// Evaluator holds the predicate set. It has no side effects.
type Evaluator struct {
	predicates map[string]Predicate
}

// NewEvaluator returns an evaluator with the default predicates.
func NewEvaluator() *Evaluator {
	e := &Evaluator{predicates: map[string]Predicate{}}
	e.Register(CritCoursesCompleted, func(a Aggregate, t float64) bool { return float64(a.CoursesCompleted) >= t })
	e.Register(CritLessonsCompleted, func(a Aggregate, t float64) bool { return float64(a.LessonsCompleted) >= t })
	e.Register(CritMinAverageScore, func(a Aggregate, t float64) bool { return a.AverageScore >= t })
	e.Register(CritMinStreakDays, func(a Aggregate, t float64) bool { return float64(a.LongestStreak) >= t })
	e.Register(CritTotalXP, func(a Aggregate, t float64) bool { return float64(a.TotalXP) >= t })
	e.Register(CritPerfectScore, func(a Aggregate, t float64) bool { return a.PerfectScore || t <= 0 })
	e.Register(CritDiscussionCount, func(a Aggregate, t float64) bool { return float64(a.DiscussionCount) >= t })
	e.Register(CritVocabularyLearned, func(a Aggregate, t float64) bool { return float64(a.VocabularyLearned) >= t })
	return e
}

// Register adds or replaces a predicate.
func (e *Evaluator) Register(key string, p Predicate) {
	e.predicates[key] = p
}

// Matches reports whether every criterion holds. An unknown key never holds.
func (e *Evaluator) Matches(a *Achievement, agg Aggregate) bool {
	if len(a.Criteria) == 0 {
		return false
	}
	for _, key := range a.Criteria.Keys() {
		p, ok := e.predicates[key]
		if !ok || !p(agg, a.Criteria[key]) {
			return false
		}
	}
	return true
}

// Input is everything one evaluation needs.
type Input struct {
	Aggregate   Aggregate
	Definitions []*Achievement
	// Unlocked holds the keys of unlocks the learner already has.
	Unlocked       map[string]bool
	TriggerEventID string
	Now            time.Time
}

// Evaluate returns the unlocks the trigger newly earns. Definitions are
// visited in ID order; prerequisites may be satisfied by unlocks earned in
// the same evaluation.
func (e *Evaluator) Evaluate(in Input) []Unlock {
	defs := append([]*Achievement(nil), in.Definitions...)
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })

	earned := make(map[string]bool, len(in.Unlocked))
	for k := range in.Unlocked {
		earned[k] = true
	}
	unlockedIDs := func(id string) bool {
		if earned[id] {
			return true
		}
		for k := range earned {
			if strings.HasPrefix(k, id+"#") {
				return true
			}
		}
		return false
	}

	var out []Unlock
	// Prerequisite chains need more than one pass.
	for progress := true; progress; {
		progress = false
		for _, a := range defs {
			if !a.AvailableAt(in.Now) {
				continue
			}
			key := UnlockKey(a, in.TriggerEventID)
			if earned[key] {
				continue
			}
			if !prerequisitesMet(a, unlockedIDs) {
				continue
			}
			if !e.Matches(a, in.Aggregate) {
				continue
			}
			u := NewUnlock(a, in.Aggregate.LearnerID, in.TriggerEventID, in.Now)
			earned[key] = true
			out = append(out, u)
			progress = true
		}
	}
	return out
}

func prerequisitesMet(a *Achievement, unlocked func(string) bool) bool {
	for _, id := range a.Prerequisites {
		if !unlocked(id) {
			return false
		}
	}
	return true
}
