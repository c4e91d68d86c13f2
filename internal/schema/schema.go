// Package schema validates the shape of uploaded payloads before they are
// decoded.
package schema

import (
	_ "embed"
	"errors"
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

//go:embed payload.schema.json
var payloadSchema []byte

var ErrInvalid = errors.New("payload does not match schema")

type Validator struct {
	schema *jsonschema.Schema
}

// New compiles the embedded payload schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(payloadSchema)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate checks a serialised payload.
func (v *Validator) Validate(data []byte) error {
	result := v.schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalid, result.Errors)
}
