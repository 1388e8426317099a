package generation

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/conduit/conduiterr"
)

// ValidateSchemas checks that req.Params.ResponseModel and every
// req.Tools[i].InputSchema, when present, are well-formed JSON Schema
// documents — grounded on registry/service.go's
// validatePayloadJSONAgainstSchema, narrowed to the schema-compiles half
// of that function since there is no response or tool-argument instance
// to validate yet at GENERATE time. Called by middleware.Chain.Wrap
// before the cache key is derived, so a malformed schema fails fast as
// {code: validation_error, category: client} ahead of any network call,
// per SPEC_FULL.md's ambient validation section.
func ValidateSchemas(req Request) *conduiterr.Error {
	if len(req.Params.ResponseModel) > 0 {
		if _, err := compileSchema(req.Params.ResponseModel); err != nil {
			return conduiterr.Wrap(conduiterr.CategoryClient, conduiterr.CodeValidationError,
				"generation: response_model is not a valid JSON Schema", err)
		}
	}
	for _, tool := range req.Tools {
		if len(tool.InputSchema) == 0 {
			continue
		}
		if _, err := compileSchema(tool.InputSchema); err != nil {
			return conduiterr.Wrap(conduiterr.CategoryClient, conduiterr.CodeValidationError,
				fmt.Sprintf("generation: tool %q input schema is not a valid JSON Schema", tool.Name), err)
		}
	}
	return nil
}

// ValidateArguments checks arguments against a tool's InputSchema (a no-op
// when schema is empty, since not every tool declares one). Used by
// engine.Loop.invokeTool before a tool is invoked, mirroring
// registry/service.go's payload-against-schema validation at call time
// rather than declaration time.
func ValidateArguments(schema json.RawMessage, arguments map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("generation: compile input schema: %w", err)
	}
	// jsonschema.Validate expects the same any-typed shape json.Unmarshal
	// produces, not a map[string]any wrapping already-Go-typed values
	// (e.g. a distinction between int and float64) — round-trip through
	// JSON to normalize.
	data, err := json.Marshal(arguments)
	if err != nil {
		return fmt.Errorf("generation: marshal arguments: %w", err)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("generation: unmarshal arguments: %w", err)
	}
	if err := compiled.Validate(instance); err != nil {
		return fmt.Errorf("generation: arguments do not match input schema: %w", err)
	}
	return nil
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("schema.json")
}
