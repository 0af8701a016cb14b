package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
)

type ElicitationAction string

const (
	ElicitationActionAccept  ElicitationAction = "accept"
	ElicitationActionDecline ElicitationAction = "decline"
	ElicitationActionCancel  ElicitationAction = "cancel"
)

// ElicitationCreateParams represents the parameters for elicitation/create.
// The server sends it mid-call to request input from the client.
type ElicitationCreateParams struct {
	Meta map[string]any `json:"_meta,omitempty"`
	// Message is the human-readable prompt to display to the user
	Message string `json:"message"`
	// RequestedSchema describes the object shape an accept response must carry.
	// A nil schema means the server wants a bare confirmation.
	RequestedSchema JSONSchema `json:"requestedSchema,omitempty"`
}

// ElicitationResult represents the outcome of an elicitation request.
// Decline and cancel are ordinary outcomes, not errors.
type ElicitationResult struct {
	Action  ElicitationAction `json:"action"`
	Content map[string]any    `json:"content,omitempty"`
}

func NewElicitationAccept(content map[string]any) *ElicitationResult {
	return &ElicitationResult{Action: ElicitationActionAccept, Content: content}
}

func NewElicitationDecline() *ElicitationResult {
	return &ElicitationResult{Action: ElicitationActionDecline}
}

func NewElicitationCancel() *ElicitationResult {
	return &ElicitationResult{Action: ElicitationActionCancel}
}

func (r *ElicitationResult) IsAccepted() bool {
	return r.Action == ElicitationActionAccept
}

func (r *ElicitationResult) IsDeclined() bool {
	return r.Action == ElicitationActionDecline
}

func (r *ElicitationResult) IsCancelled() bool {
	return r.Action == ElicitationActionCancel
}

// Validate enforces the action/content pairing rules: only accept
// carries content.
func (r *ElicitationResult) Validate() error {
	switch r.Action {
	case ElicitationActionAccept:
	case ElicitationActionDecline, ElicitationActionCancel:
		if r.Content != nil {
			return fmt.Errorf("elicitation %s action must not have content", r.Action)
		}
	default:
		return fmt.Errorf("invalid elicitation action: %q", r.Action)
	}
	return nil
}

func (r *ElicitationResult) MarshalJSON() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	type Alias ElicitationResult
	return json.Marshal((*Alias)(r))
}

func (r *ElicitationResult) UnmarshalJSON(data []byte) error {
	type Alias ElicitationResult
	aux := (*Alias)(r)
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	return r.Validate()
}

// EnumElicitationSchema builds a single-property schema offering a fixed
// set of choices.
func EnumElicitationSchema(propertyName, description string, options []string) JSONSchema {
	return JSONSchema{
		"type": "object",
		"properties": map[string]interface{}{
			propertyName: map[string]interface{}{
				"type":        "string",
				"description": description,
				"enum":        options,
			},
		},
		"required": []string{propertyName},
	}
}

// StringElicitationSchema builds a single-property schema requesting free text.
func StringElicitationSchema(propertyName, description string, required bool) JSONSchema {
	schema := JSONSchema{
		"type": "object",
		"properties": map[string]interface{}{
			propertyName: map[string]interface{}{
				"type":        "string",
				"description": description,
			},
		},
	}

	if required {
		schema["required"] = []string{propertyName}
	}

	return schema
}

// SchemaProperties returns the property names of an object schema in a
// stable order, with required names first.
func SchemaProperties(schema JSONSchema) []string {
	if schema == nil {
		return nil
	}
	props, _ := schema["properties"].(map[string]interface{})
	if len(props) == 0 {
		return nil
	}

	var required []string
	switch req := schema["required"].(type) {
	case []string:
		required = req
	case []interface{}:
		for _, v := range req {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}

	seen := make(map[string]bool, len(props))
	names := make([]string, 0, len(props))
	for _, name := range required {
		if _, ok := props[name]; ok && !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}
	rest := make([]string, 0, len(props))
	for name := range props {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}
