package config

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
)

//go:embed schema/restore.cue
var restoreSchemaSource string

const schemaFilename = "embedded:schema/restore.cue"

// RestoreRequestDefinition is the schema definition request files are unified with.
const RestoreRequestDefinition = "#RestoreRequest"

// Schema holds the compiled restore request schema.
type Schema struct {
	ctx     *cue.Context
	request cue.Value
}

// NewSchema compiles the embedded schema in ctx.
func NewSchema(ctx *cue.Context) (*Schema, error) {
	val := ctx.CompileString(restoreSchemaSource, cue.Filename(schemaFilename))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile restore schema: %w", err)
	}

	request := val.LookupPath(cue.ParsePath(RestoreRequestDefinition))
	if !request.Exists() {
		return nil, fmt.Errorf("restore schema does not define %s", RestoreRequestDefinition)
	}

	return &Schema{ctx: ctx, request: request}, nil
}

// Source returns the CUE source of the schema.
func (s *Schema) Source() string {
	return restoreSchemaSource
}

// Apply unifies a request value with the schema, filling in defaults.
// The result still has to be checked with Validate.
func (s *Schema) Apply(val cue.Value) cue.Value {
	return s.request.Unify(val)
}

// Validate checks that a unified value is complete and consistent.
func (s *Schema) Validate(val cue.Value) error {
	return val.Validate(cue.Concrete(true))
}

// ValidateData encodes Go data and validates it against the schema.
func (s *Schema) ValidateData(data interface{}) error {
	val := s.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if err := s.Validate(s.Apply(val)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
