package shared

import (
	"fmt"
	"strings"
)

// LearnerID identifies a learner. Identity is owned by an external service.
type LearnerID string

func (id LearnerID) String() string { return string(id) }
func (id LearnerID) IsEmpty() bool  { return strings.TrimSpace(string(id)) == "" }

// ItemRef references a reviewable content item, e.g. "vocabulary:42".
type ItemRef string

func (r ItemRef) String() string { return string(r) }

// NewItemRef builds a typed item reference.
func NewItemRef(contentType, id string) ItemRef {
	return ItemRef(contentType + ":" + id)
}

// ScopeKind is the granularity of a progress record.
type ScopeKind string

const (
	ScopeCourse ScopeKind = "course"
	ScopeModule ScopeKind = "module"
	ScopeLesson ScopeKind = "lesson"
	ScopeStep   ScopeKind = "step"
)

// IsValid reports whether k is a known scope kind.
func (k ScopeKind) IsValid() bool {
	switch k {
	case ScopeCourse, ScopeModule, ScopeLesson, ScopeStep:
		return true
	}
	return false
}

// Scope names one node of the content hierarchy.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

// CourseScope is shorthand for a course-level scope.
func CourseScope(id string) Scope { return Scope{Kind: ScopeCourse, ID: id} }

// LessonScope is shorthand for a lesson-level scope.
func LessonScope(id string) Scope { return Scope{Kind: ScopeLesson, ID: id} }

// StepScope is shorthand for a step-level scope.
func StepScope(id string) Scope { return Scope{Kind: ScopeStep, ID: id} }

func (s Scope) String() string { return string(s.Kind) + ":" + s.ID }

// Validate checks the scope is well formed.
func (s Scope) Validate() error {
	if !s.Kind.IsValid() {
		return Validationf("shared", "Scope.Validate", "unknown scope kind %q", s.Kind)
	}
	if strings.TrimSpace(s.ID) == "" {
		return Validationf("shared", "Scope.Validate", "empty scope id")
	}
	return nil
}

// ParseScope parses "kind:id".
func ParseScope(s string) (Scope, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return Scope{}, fmt.Errorf("%w: scope %q must be kind:id", ErrValidation, s)
	}
	scope := Scope{Kind: ScopeKind(kind), ID: id}
	return scope, scope.Validate()
}
