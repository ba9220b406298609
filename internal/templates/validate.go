package templates

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const defaultSchemaCacheSize = 128

var (
	// ErrPromptRequired indicates a template requires a prompt and none was given.
	ErrPromptRequired = errors.New("prompt is required")

	// ErrPromptTooLong indicates the prompt exceeds the template's limit.
	ErrPromptTooLong = errors.New("prompt too long")
)

// InputError reports input that does not match a template's schema.
type InputError struct {
	TemplateID string
	Field      string
	Err        error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s for agent %s: %v", e.Field, e.TemplateID, e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// Validator checks spawn input against template schemas. Compiled schemas
// are cached by content.
type Validator struct {
	cache *lru.Cache[string, *jsonschema.Schema]
}

// NewValidator creates a validator caching up to size compiled schemas.
func NewValidator(size int) *Validator {
	if size <= 0 {
		size = defaultSchemaCacheSize
	}
	cache, err := lru.New[string, *jsonschema.Schema](size)
	if err != nil {
		panic(fmt.Sprintf("templates: schema cache: %v", err))
	}
	return &Validator{cache: cache}
}

// Validate checks prompt and params against tmpl.InputSchema.
func (v *Validator) Validate(tmpl *AgentTemplate, prompt string, params map[string]any) error {
	if p := tmpl.InputSchema.Prompt; p != nil {
		if p.Required && prompt == "" {
			return &InputError{TemplateID: tmpl.ID, Field: "prompt", Err: ErrPromptRequired}
		}
		if p.MaxLength > 0 && utf8.RuneCountInString(prompt) > p.MaxLength {
			return &InputError{
				TemplateID: tmpl.ID,
				Field:      "prompt",
				Err:        fmt.Errorf("%w: %d > %d", ErrPromptTooLong, utf8.RuneCountInString(prompt), p.MaxLength),
			}
		}
	}

	if tmpl.InputSchema.Params == nil {
		return nil
	}
	schema, err := v.schema(tmpl)
	if err != nil {
		return &InputError{TemplateID: tmpl.ID, Field: "params schema", Err: err}
	}

	if params == nil {
		params = map[string]any{}
	}
	doc, err := normalize(params)
	if err != nil {
		return &InputError{TemplateID: tmpl.ID, Field: "params", Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &InputError{TemplateID: tmpl.ID, Field: "params", Err: err}
	}
	return nil
}

func (v *Validator) schema(tmpl *AgentTemplate) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(tmpl.InputSchema.Params)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	key := tmpl.ID + ":" + hex.EncodeToString(sum[:8])
	if s, ok := v.cache.Get(key); ok {
		return s, nil
	}
	s, err := compileSchema(tmpl.ID, tmpl.InputSchema.Params)
	if err != nil {
		return nil, err
	}
	v.cache.Add(key, s)
	return s, nil
}

func compileSchema(id string, doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString("agent_params_"+id+".json", string(raw))
}

// normalize converts a Go value into the generic JSON form the schema
// validator expects.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
