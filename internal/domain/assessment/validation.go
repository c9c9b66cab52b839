package assessment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// Response payload schemas per question type.
var payloadSchemas = map[QuestionType]string{
	TypeSingleChoice: `{
		"type": "object",
		"required": ["selected_option"],
		"properties": {"selected_option": {"type": "string", "minLength": 1}}
	}`,
	TypeMultiSelect: `{
		"type": "object",
		"required": ["selected_options"],
		"properties": {
			"selected_options": {"type": "array", "items": {"type": "string"}, "uniqueItems": true}
		}
	}`,
	TypeTrueFalse: `{
		"type": "object",
		"required": ["answer"],
		"properties": {"answer": {"type": ["boolean", "string"]}}
	}`,
	TypeFillBlank: `{
		"type": "object",
		"required": ["answer"],
		"properties": {"answer": {"type": "string"}}
	}`,
	TypeNumeric: `{
		"type": "object",
		"required": ["value"],
		"properties": {"value": {"type": "number"}}
	}`,
	// Open-ended payloads only need to be a JSON object.
	TypeEssay: `{"type": "object"}`,
}

func schemaTypeFor(t QuestionType) QuestionType {
	switch t {
	case TypeMultipleChoice:
		return TypeSingleChoice
	case TypeShortAnswer:
		return TypeFillBlank
	}
	if t.IsOpenEnded() {
		return TypeEssay
	}
	return t
}

// PayloadValidator checks responseData against per-type JSON schemas.
// Compiled schemas are cached and safe for concurrent use.
type PayloadValidator struct {
	cache sync.Map // QuestionType -> *jsonschema.Schema
}

// NewPayloadValidator creates a validator.
func NewPayloadValidator() *PayloadValidator {
	return &PayloadValidator{}
}

// Validate parses raw and checks it against the schema for t.
// Failures wrap shared.ErrValidation.
func (v *PayloadValidator) Validate(t QuestionType, raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return shared.Validationf("assessment", "ValidatePayload", "empty response data")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return shared.WrapError("assessment", "ValidatePayload", shared.ErrValidation, "response data is not valid JSON", err)
	}

	sch, err := v.schema(schemaTypeFor(t))
	if err != nil {
		return err
	}
	if err := sch.Validate(doc); err != nil {
		return shared.WrapError("assessment", "ValidatePayload", shared.ErrValidation,
			fmt.Sprintf("response data does not match %s payload", t), err)
	}
	return nil
}

func (v *PayloadValidator) schema(t QuestionType) (*jsonschema.Schema, error) {
	if cached, ok := v.cache.Load(t); ok {
		return cached.(*jsonschema.Schema), nil
	}
	src, ok := payloadSchemas[t]
	if !ok {
		return nil, fmt.Errorf("no payload schema for question type %q", t)
	}
	def, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", t, err)
	}

	c := jsonschema.NewCompiler()
	url := fmt.Sprintf("schema://payload/%s.json", t)
	if err := c.AddResource(url, def); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", t, err)
	}
	actual, _ := v.cache.LoadOrStore(t, compiled)
	return actual.(*jsonschema.Schema), nil
}
