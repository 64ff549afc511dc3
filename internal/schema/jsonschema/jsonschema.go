// Package jsonschema is an optional auxiliary check alongside the
// structural schema.Validator: Compile compiles a JSON Schema document
// once (rejecting a malformed one), and Check then validates arbitrary
// payloads against it. Neither the schema registration path nor the
// append, OCC or storage path calls this package.
package jsonschema

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Checker validates payloads against a compiled JSON Schema document.
type Checker struct {
	schema *jsonschema.Schema
}

// Compile parses and compiles a JSON Schema document (Draft 2020-12). It
// returns an error if the document itself is malformed, which lets callers
// reject bad registrations before they are ever used to validate events.
func Compile(doc string) (*Checker, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inline.json", strings.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("jsonschema: add resource: %w", err)
	}
	s, err := compiler.Compile("inline.json")
	if err != nil {
		return nil, fmt.Errorf("jsonschema: compile: %w", err)
	}
	return &Checker{schema: s}, nil
}

// Check validates a decoded JSON value (as produced by encoding/json.Unmarshal
// into interface{}) against the compiled document.
func (c *Checker) Check(value interface{}) error {
	if err := c.schema.Validate(value); err != nil {
		return fmt.Errorf("jsonschema: %w", err)
	}
	return nil
}
