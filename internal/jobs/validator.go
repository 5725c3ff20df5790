package jobs

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/genforge/credits/internal/models"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

// ErrValidation can be used with errors.Is to detect rejected job input.
var ErrValidation = errors.New("validation failed")

// Validator checks a job's input payload against the JSON schema of its kind.
type Validator struct {
	schemas map[models.JobKind]*jsonschema.Schema
}

// NewValidator compiles the embedded schema of every job kind.
func NewValidator() (*Validator, error) {
	schemas := make(map[models.JobKind]*jsonschema.Schema, len(models.JobKinds))
	for _, kind := range models.JobKinds {
		data, err := schemaFiles.ReadFile("schemas/" + string(kind) + ".json")
		if err != nil {
			return nil, fmt.Errorf("read schema %q: %w", kind, err)
		}
		id := "https://genforge.dev/schemas/" + string(kind) + ".input"
		schemas[kind], err = jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", kind, err)
		}
	}
	return &Validator{schemas: schemas}, nil
}

// ValidateInput returns an ErrValidation-wrapped error when payload is not
// valid JSON or does not match the kind's schema.
func (v *Validator) ValidateInput(kind models.JobKind, payload json.RawMessage) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("%w: unknown job kind %q", ErrValidation, kind)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: input_payload is required", ErrValidation)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
