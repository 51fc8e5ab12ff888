package tools

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compiledSchema wraps a compiled JSON schema for argument validation.
type compiledSchema struct {
	schema *jsonschema.Schema
}

// compileSchema compiles a tool's argument schema once at registration so
// per-call validation is cheap.
func compileSchema(name string, schema map[string]any) (*compiledSchema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema for %s: %w", name, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema for %s: %w", name, err)
	}

	c := jsonschema.NewCompiler()
	resource := fmt.Sprintf("%s.schema.json", name)
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource for %s: %w", name, err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for %s: %w", name, err)
	}
	return &compiledSchema{schema: compiled}, nil
}

// validate checks an arguments map against the schema.
func (c *compiledSchema) validate(args map[string]any) error {
	// Round-trip through JSON so numeric types match what the validator
	// expects regardless of how the arguments were decoded.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}
