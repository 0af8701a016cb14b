package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
	jsonschemav6 "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/voocel/taskrpc/protocol"
)

// inferSchema derives a JSON Schema from the type T.
func inferSchema[T any]() (protocol.JSONSchema, error) {
	rt := reflect.TypeFor[T]()

	// If the type is any, return a generic object schema.
	if rt == reflect.TypeFor[any]() {
		return protocol.JSONSchema{"type": "object"}, nil
	}

	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true, // Inline directly without using $ref
	}

	schema := reflector.ReflectFromType(rt)
	if schema == nil {
		return nil, fmt.Errorf("failed to generate schema for type %v", rt)
	}
	if schema.Type != "object" {
		return nil, fmt.Errorf("schema must have type 'object', got %q", schema.Type)
	}

	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	var schemaMap protocol.JSONSchema
	if err := json.Unmarshal(schemaBytes, &schemaMap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}
	// The draft marker confuses nothing but adds noise on the wire.
	delete(schemaMap, "$schema")
	return schemaMap, nil
}

// compileSchema compiles a wire-format schema into a validator.
func compileSchema(schema protocol.JSONSchema) (*jsonschemav6.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	doc, err := jsonschemav6.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid schema document: %w", err)
	}
	compiler := jsonschemav6.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return compiled, nil
}

// validateValue checks a value against a compiled schema. The value is
// round-tripped through JSON so in-process types (ints, structs) are
// validated the same way wire data is.
func validateValue(compiled *jsonschemav6.Schema, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	doc, err := jsonschemav6.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid value: %w", err)
	}
	return compiled.Validate(doc)
}

// validateAgainstSchema validates a value against a wire-format schema.
func validateAgainstSchema(value any, schema protocol.JSONSchema) error {
	compiled, err := compileSchema(schema)
	if err != nil {
		return err
	}
	return validateValue(compiled, value)
}

// unmarshalAndValidate validates map data against the schema and decodes
// it into T.
func unmarshalAndValidate[T any](data map[string]any, compiled *jsonschemav6.Schema) (T, error) {
	var zero T
	if compiled != nil {
		if err := validateValue(compiled, data); err != nil {
			return zero, err
		}
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal data: %w", err)
	}

	var result T
	if err := json.Unmarshal(dataBytes, &result); err != nil {
		return zero, fmt.Errorf("failed to unmarshal to target type: %w", err)
	}

	return result, nil
}

func getZeroValue[T any]() interface{} {
	var zero T
	return zero
}
