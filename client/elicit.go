package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/voocel/taskrpc/protocol"
)

// ErrShapeMismatch is returned when a value cannot be shaped into the
// object form an elicitation schema asks for.
var ErrShapeMismatch = errors.New("value does not fit the requested schema shape")

// ShapeContent turns an arbitrary value into the map form required by an
// elicitation accept response, then validates it against the requested
// schema. Maps are used as-is; other values are tried as JSON objects; a
// bare scalar is wrapped under the schema's single property when the
// schema has exactly one. Anything else fails with ErrShapeMismatch.
func ShapeContent(value any, schema protocol.JSONSchema) (map[string]any, error) {
	content, err := shapeValue(value, schema)
	if err != nil {
		return nil, err
	}

	if schema != nil {
		if err := validateContent(content, schema); err != nil {
			return nil, err
		}
	}

	return content, nil
}

func shapeValue(value any, schema protocol.JSONSchema) (map[string]any, error) {
	if m, ok := value.(map[string]any); ok {
		return m, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-encodable: %w", err)
	}

	var asObject map[string]any
	if err := json.Unmarshal(data, &asObject); err == nil {
		return asObject, nil
	}

	// A scalar fits a single-property schema positionally.
	props := protocol.SchemaProperties(schema)
	if len(props) == 1 {
		var scalar any
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&scalar); err != nil {
			return nil, fmt.Errorf("value is not JSON-encodable: %w", err)
		}
		return map[string]any{props[0]: scalar}, nil
	}

	return nil, fmt.Errorf("%w: %T", ErrShapeMismatch, value)
}

func validateContent(content map[string]any, schema protocol.JSONSchema) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("failed to parse schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("failed to add schema resource: %w", err)
	}

	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	// Round-trip so in-process values validate the same way wire data does.
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(contentJSON))
	if err != nil {
		return fmt.Errorf("failed to decode content: %w", err)
	}

	return compiled.Validate(instance)
}

// Accept shapes value against the requested schema and builds an accept
// response for the elicitation.
func Accept(value any, params *protocol.ElicitationCreateParams) (*protocol.ElicitationResult, error) {
	var schema protocol.JSONSchema
	if params != nil {
		schema = params.RequestedSchema
	}

	content, err := ShapeContent(value, schema)
	if err != nil {
		return nil, err
	}

	return protocol.NewElicitationAccept(content), nil
}
