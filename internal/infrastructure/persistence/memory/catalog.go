package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/alem-hub/progression-engine/internal/domain/achievement"
	"github.com/alem-hub/progression-engine/internal/domain/assessment"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// Lesson is one leaf of a course in a content document.
type Lesson struct {
	ID          string           `json:"id"`
	Steps       []string         `json:"steps,omitempty"`
	ReviewItems []shared.ItemRef `json:"reviewItems,omitempty"`
}

// Course lists the lessons of a course in a content document.
type Course struct {
	ID      string   `json:"id"`
	Lessons []Lesson `json:"lessons"`
}

// ContentDocument is the file format read by LoadCatalog. Field names of
// the embedded domain types match case-insensitively, e.g. "courseId".
type ContentDocument struct {
	Courses      []Course                   `json:"courses"`
	Assessments  []*assessment.Assessment   `json:"assessments"`
	Questions    []*assessment.Question     `json:"questions"`
	Achievements []*achievement.Achievement `json:"achievements"`
}

// Catalog serves content definitions owned by the content service: the
// assessment catalog, the course hierarchy, achievement definitions and
// discussion counts. It implements assessment.Catalog,
// progress.ContentHierarchy, achievement.DefinitionSource and
// achievement.ActivityCounter.
type Catalog struct {
	mu           sync.RWMutex
	assessments  map[string]*assessment.Assessment
	questions    map[string]*assessment.Question
	leaves       map[string][]shared.Scope
	lessonItems  map[string][]shared.ItemRef
	achievements map[string]*achievement.Achievement
	discussions  map[shared.LearnerID]int

	defaultAttempts int
	defaultPassing  float64
}

func NewCatalog() *Catalog {
	return &Catalog{
		assessments:  make(map[string]*assessment.Assessment),
		questions:    make(map[string]*assessment.Question),
		leaves:       make(map[string][]shared.Scope),
		lessonItems:  make(map[string][]shared.ItemRef),
		achievements: make(map[string]*achievement.Achievement),
		discussions:  make(map[shared.LearnerID]int),
	}
}

// LoadCatalog reads a JSON content document.
func LoadCatalog(path string) (*Catalog, error) {
	c := NewCatalog()
	if err := c.LoadFile(path); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile reads a JSON content document into c.
func (c *Catalog) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read content %s: %w", path, err)
	}
	var doc ContentDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode content %s: %w", path, err)
	}
	return c.Load(doc)
}

// Load validates and installs every definition of doc.
func (c *Catalog) Load(doc ContentDocument) error {
	for _, co := range doc.Courses {
		c.PutCourse(co)
	}
	for _, a := range doc.Assessments {
		c.PutAssessment(a)
	}
	for _, q := range doc.Questions {
		if err := c.PutQuestion(q); err != nil {
			return err
		}
	}
	for _, a := range doc.Achievements {
		if err := c.PutAchievement(a); err != nil {
			return err
		}
	}
	return nil
}

// PutCourse replaces the leaf scopes of a course. A lesson with steps
// contributes its steps as leaves; a lesson without steps is a leaf itself.
func (c *Catalog) PutCourse(co Course) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var leaves []shared.Scope
	for _, l := range co.Lessons {
		if len(l.Steps) == 0 {
			leaves = append(leaves, shared.LessonScope(l.ID))
		}
		for _, st := range l.Steps {
			leaves = append(leaves, shared.StepScope(st))
		}
		c.lessonItems[l.ID] = append([]shared.ItemRef(nil), l.ReviewItems...)
	}
	c.leaves[co.ID] = leaves
}

// SetDefaults changes the limits given to assessments that leave them unset.
// It applies to assessments put afterwards.
func (c *Catalog) SetDefaults(attemptsAllowed int, passingScore float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultAttempts = attemptsAllowed
	c.defaultPassing = passingScore
}

func (c *Catalog) PutAssessment(a *assessment.Assessment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *a
	if cp.AttemptsAllowed <= 0 {
		cp.AttemptsAllowed = c.defaultAttempts
	}
	if cp.PassingScore <= 0 {
		cp.PassingScore = c.defaultPassing
	}
	cp = cp.WithDefaults()
	c.assessments[a.ID] = &cp
}

func (c *Catalog) PutQuestion(q *assessment.Question) error {
	if err := q.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *q
	c.questions[q.ID] = &cp
	return nil
}

func (c *Catalog) PutAchievement(a *achievement.Achievement) error {
	if err := a.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *a
	c.achievements[a.ID] = &cp
	return nil
}

// SetDiscussionCount records the forum activity of a learner.
func (c *Catalog) SetDiscussionCount(learnerID shared.LearnerID, n int) {
	c.mu.Lock()
	c.discussions[learnerID] = n
	c.mu.Unlock()
}

func (c *Catalog) GetAssessment(_ context.Context, id string) (*assessment.Assessment, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.assessments[id]
	if !ok {
		return nil, shared.NewDomainError("assessment", "GetAssessment", shared.ErrNotFound, "assessment "+id)
	}
	cp := *a
	return &cp, nil
}

func (c *Catalog) GetQuestion(_ context.Context, id string) (*assessment.Question, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.questions[id]
	if !ok {
		return nil, shared.NewDomainError("assessment", "GetQuestion", shared.ErrNotFound, "question "+id)
	}
	cp := *q
	return &cp, nil
}

func (c *Catalog) ListAssessmentsByCourse(_ context.Context, courseID string) ([]*assessment.Assessment, error) {
	c.mu.RLock()
	var out []*assessment.Assessment
	for _, a := range c.assessments {
		if a.CourseID == courseID && a.IsActive {
			cp := *a
			out = append(out, &cp)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Catalog) LeafScopes(_ context.Context, courseID string) ([]shared.Scope, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	leaves, ok := c.leaves[courseID]
	if !ok {
		return nil, shared.NewDomainError("progress", "LeafScopes", shared.ErrNotFound, "course "+courseID)
	}
	return append([]shared.Scope(nil), leaves...), nil
}

func (c *Catalog) LessonItems(_ context.Context, lessonID string) ([]shared.ItemRef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]shared.ItemRef(nil), c.lessonItems[lessonID]...), nil
}

func (c *Catalog) ListAchievements(_ context.Context) ([]*achievement.Achievement, error) {
	c.mu.RLock()
	out := make([]*achievement.Achievement, 0, len(c.achievements))
	for _, a := range c.achievements {
		cp := *a
		out = append(out, &cp)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Catalog) DiscussionCount(_ context.Context, learnerID shared.LearnerID) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.discussions[learnerID], nil
}
