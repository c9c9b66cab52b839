package progress

import (
	"math"
	"time"
)

// CourseStatistics are derived enrollment counters of a course.
type CourseStatistics struct {
	CourseID        string    `json:"course_id"`
	EnrollmentCount int       `json:"enrollment_count"`
	CompletionCount int       `json:"completion_count"`
	CompletionRate  float64   `json:"completion_rate"`
	AverageXP       float64   `json:"average_xp"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ComputeCourseStatistics recomputes course counters from the course-scope
// records of its learners. Inactive records are ignored.
func ComputeCourseStatistics(courseID string, records []*ProgressRecord, now time.Time) CourseStatistics {
	s := CourseStatistics{CourseID: courseID, UpdatedAt: now}
	var xp int64
	for _, r := range records {
		if !r.IsActive || r.Key.Scope.ID != courseID {
			continue
		}
		s.EnrollmentCount++
		xp += r.XPEarned
		if r.IsCompleted {
			s.CompletionCount++
		}
	}
	if s.EnrollmentCount > 0 {
		n := float64(s.EnrollmentCount)
		s.CompletionRate = math.Round(float64(s.CompletionCount)/n*10000) / 100
		s.AverageXP = math.Round(float64(xp)/n*100) / 100
	}
	return s
}
