package server

import (
	"testing"
)

func TestInferSchema(t *testing.T) {
	type Input struct {
		Name  string `json:"name" jsonschema:"description=user name"`
		Count int    `json:"count,omitempty"`
	}

	schema, err := inferSchema[Input]()
	if err != nil {
		t.Fatalf("infer failed: %v", err)
	}
	if schema["type"] != "object" {
		t.Fatalf("unexpected schema type: %v", schema["type"])
	}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing properties: %v", schema)
	}
	if _, ok := props["name"]; !ok {
		t.Fatalf("missing name property: %v", props)
	}
	if _, ok := schema["$schema"]; ok {
		t.Fatal("$schema key should be stripped")
	}
}

func TestInferSchemaAny(t *testing.T) {
	schema, err := inferSchema[any]()
	if err != nil {
		t.Fatalf("infer failed: %v", err)
	}
	if schema["type"] != "object" {
		t.Fatalf("unexpected schema: %v", schema)
	}
}

func TestInferSchemaRejectsNonObject(t *testing.T) {
	if _, err := inferSchema[int](); err == nil {
		t.Fatal("expected non-object type to be rejected")
	}
}

func TestValidateAgainstSchema(t *testing.T) {
	schema, err := inferSchema[struct {
		Name string `json:"name"`
	}]()
	if err != nil {
		t.Fatalf("infer failed: %v", err)
	}

	if err := validateAgainstSchema(map[string]any{"name": "ok"}, schema); err != nil {
		t.Fatalf("valid value rejected: %v", err)
	}
	if err := validateAgainstSchema(map[string]any{"name": 42}, schema); err == nil {
		t.Fatal("expected type mismatch to fail")
	}
}

func TestUnmarshalAndValidate(t *testing.T) {
	type Input struct {
		Name string `json:"name"`
	}

	schema, err := inferSchema[Input]()
	if err != nil {
		t.Fatalf("infer failed: %v", err)
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	in, err := unmarshalAndValidate[Input](map[string]any{"name": "bob"}, compiled)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if in.Name != "bob" {
		t.Fatalf("unexpected value: %+v", in)
	}

	if _, err := unmarshalAndValidate[Input](map[string]any{"name": 1}, compiled); err == nil {
		t.Fatal("expected invalid input to fail")
	}
}
