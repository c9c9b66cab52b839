package assessment

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// Outcome is the result of grading one response.
type Outcome struct {
	// Graded is false when the response needs manual or external grading.
	Graded    bool
	IsCorrect bool
	// Score may be negative when negative marking applies.
	Score    float64
	MaxScore float64
	Feedback string
}

// Ungraded returns an outcome awaiting an external grade.
func Ungraded(q *Question) Outcome {
	return Outcome{Graded: false, MaxScore: float64(q.Points), Feedback: "Pending grading"}
}

// Strategy grades one question type. Strategies are stateless.
type Strategy interface {
	Grade(q *Question, raw json.RawMessage) (Outcome, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(q *Question, raw json.RawMessage) (Outcome, error)

func (f StrategyFunc) Grade(q *Question, raw json.RawMessage) (Outcome, error) { return f(q, raw) }

// ExternalGrader grades open-ended responses outside the engine, e.g. a
// model-backed essay scorer. The returned outcome must have Graded set.
type ExternalGrader interface {
	GradeOpenEnded(ctx context.Context, q *Question, raw json.RawMessage) (Outcome, error)
}

// Grader validates payloads and dispatches to per-type strategies.
type Grader struct {
	validator  *PayloadValidator
	strategies map[QuestionType]Strategy
}

// NewGrader returns a grader with the built-in strategies registered.
func NewGrader(validator *PayloadValidator) *Grader {
	if validator == nil {
		validator = NewPayloadValidator()
	}
	g := &Grader{validator: validator, strategies: map[QuestionType]Strategy{}}
	g.Register(TypeSingleChoice, StrategyFunc(gradeSingleChoice))
	g.Register(TypeMultipleChoice, StrategyFunc(gradeSingleChoice))
	g.Register(TypeTrueFalse, StrategyFunc(gradeTrueFalse))
	g.Register(TypeMultiSelect, StrategyFunc(gradeMultiSelect))
	g.Register(TypeFillBlank, StrategyFunc(gradeText))
	g.Register(TypeShortAnswer, StrategyFunc(gradeText))
	g.Register(TypeNumeric, StrategyFunc(gradeNumeric))
	return g
}

// Register installs or replaces the strategy for t.
func (g *Grader) Register(t QuestionType, s Strategy) {
	g.strategies[t] = s
}

// Evaluate grades raw for q. Malformed payloads fail with
// shared.ErrValidation. Questions without a strategy, open-ended types and
// questions with auto-grading disabled come back ungraded.
func (g *Grader) Evaluate(q *Question, raw json.RawMessage) (Outcome, error) {
	if err := g.validator.Validate(q.Type, raw); err != nil {
		return Outcome{}, err
	}
	if !q.AutoGradingEnabled {
		return Ungraded(q), nil
	}
	s, ok := g.strategies[q.Type]
	if !ok {
		return Ungraded(q), nil
	}
	out, err := s.Grade(q, raw)
	if err != nil {
		return Outcome{}, err
	}
	out.Graded = true
	out.MaxScore = float64(q.Points)
	if out.Feedback == "" {
		out.Feedback = feedbackFor(q, out.IsCorrect)
	}
	return out, nil
}

func feedbackFor(q *Question, correct bool) string {
	if correct {
		if q.FeedbackCorrect != "" {
			return q.FeedbackCorrect
		}
		return "Correct!"
	}
	if q.FeedbackWrong != "" {
		return q.FeedbackWrong
	}
	return "Incorrect. Try again!"
}

// binary scores an all-or-nothing outcome with negative marking.
func binary(q *Question, correct bool) Outcome {
	if correct {
		return Outcome{IsCorrect: true, Score: float64(q.Points)}
	}
	return Outcome{Score: -q.NegativeMarking}
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return shared.WrapError("assessment", "Decode", shared.ErrValidation, "malformed response data", err)
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, c := range values {
		if c == v {
			return true
		}
	}
	return false
}

func gradeSingleChoice(q *Question, raw json.RawMessage) (Outcome, error) {
	var p struct {
		SelectedOption string `json:"selected_option"`
	}
	if err := decode(raw, &p); err != nil {
		return Outcome{}, err
	}
	return binary(q, contains(q.CorrectAnswers, p.SelectedOption)), nil
}

func gradeTrueFalse(q *Question, raw json.RawMessage) (Outcome, error) {
	var p struct {
		Answer any `json:"answer"`
	}
	if err := decode(raw, &p); err != nil {
		return Outcome{}, err
	}
	var answer string
	switch v := p.Answer.(type) {
	case bool:
		answer = strconv.FormatBool(v)
	case string:
		answer = strings.ToLower(strings.TrimSpace(v))
	default:
		return Outcome{}, shared.Validationf("assessment", "GradeTrueFalse", "answer must be boolean or string")
	}
	for _, c := range q.CorrectAnswers {
		if strings.ToLower(strings.TrimSpace(c)) == answer {
			return binary(q, true), nil
		}
	}
	return binary(q, false), nil
}

func gradeText(q *Question, raw json.RawMessage) (Outcome, error) {
	var p struct {
		Answer string `json:"answer"`
	}
	if err := decode(raw, &p); err != nil {
		return Outcome{}, err
	}
	answer := strings.ToLower(strings.TrimSpace(p.Answer))
	for _, c := range q.CorrectAnswers {
		if strings.ToLower(strings.TrimSpace(c)) == answer {
			return binary(q, true), nil
		}
	}
	return binary(q, false), nil
}

func gradeNumeric(q *Question, raw json.RawMessage) (Outcome, error) {
	var p struct {
		Value float64 `json:"value"`
	}
	if err := decode(raw, &p); err != nil {
		return Outcome{}, err
	}
	for _, c := range q.CorrectAnswers {
		want, err := strconv.ParseFloat(strings.TrimSpace(c), 64)
		if err != nil {
			return Outcome{}, fmt.Errorf("question %s: correct answer %q is not numeric: %w", q.ID, c, err)
		}
		if math.Abs(p.Value-want) <= q.Tolerance {
			return binary(q, true), nil
		}
	}
	return binary(q, false), nil
}

func gradeMultiSelect(q *Question, raw json.RawMessage) (Outcome, error) {
	var p struct {
		SelectedOptions []string `json:"selected_options"`
	}
	if err := decode(raw, &p); err != nil {
		return Outcome{}, err
	}

	correct := make(map[string]struct{}, len(q.CorrectAnswers))
	for _, c := range q.CorrectAnswers {
		correct[c] = struct{}{}
	}
	selected := make(map[string]struct{}, len(p.SelectedOptions))
	for _, s := range p.SelectedOptions {
		selected[s] = struct{}{}
	}

	exact := len(selected) == len(correct)
	if exact {
		for s := range selected {
			if _, ok := correct[s]; !ok {
				exact = false
				break
			}
		}
	}
	if exact || len(q.PartialCreditRules) == 0 {
		return binary(q, exact), nil
	}
	return Outcome{IsCorrect: false, Score: partialCredit(q, correct, selected)}, nil
}

// partialCredit awards points in proportion to the weight of selected
// correct options minus selected wrong options, clamped to [0, points].
func partialCredit(q *Question, correct, selected map[string]struct{}) float64 {
	weight := func(opt string) float64 {
		if w, ok := q.PartialCreditRules[opt]; ok {
			return w
		}
		return 1
	}

	var total, earned float64
	for c := range correct {
		total += weight(c)
	}
	if total <= 0 {
		return 0
	}
	for s := range selected {
		if _, ok := correct[s]; ok {
			earned += weight(s)
		} else {
			earned -= weight(s)
		}
	}
	score := float64(q.Points) * earned / total
	return math.Max(0, math.Min(float64(q.Points), score))
}
