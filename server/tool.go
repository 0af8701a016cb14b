package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	jsonschemav6 "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/voocel/taskrpc/protocol"
)

// ToolHandlerFor is a type-safe handler for tools/call requests.
//
// Unlike the low-level [ToolHandler], it decodes and validates the input
// against the tool's schema before the handler runs, and fills in the
// result from the typed output:
//   - the In type provides the default input schema (overridable on the Tool)
//   - invalid input is rejected before the handler is reached
//   - if Out is not [any], it provides the default output schema and the
//     output value populates result.StructuredContent
//   - a nil CallToolResult is allowed when only the output value matters
//
// Register a ToolHandlerFor with the package-level [AddTool].
type ToolHandlerFor[In, Out any] func(
	ctx context.Context,
	req *CallToolRequest,
	input In,
) (result *protocol.CallToolResult, output Out, err error)

// AddTool adds a tool with a type-safe handler to the server.
//
// This is a package-level function rather than a method on Server
// because Go does not support type parameters on methods.
//
// If the tool's input schema is nil it is inferred from the In type
// parameter; property descriptions come from 'jsonschema' struct tags.
// In must be a map or struct so the inferred schema has type "object".
// As a special case, an In type of 'any' yields an empty object schema.
//
// The output schema is handled the same way from Out, except that an
// Out type of 'any' omits the output schema entirely.
//
// AddTool panics on setup errors: a malformed schema or an unusable
// type parameter is a programming mistake, not a runtime condition.
func AddTool[In, Out any](s *Server, tool *protocol.Tool, handler ToolHandlerFor[In, Out]) {
	wrappedTool, wrappedHandler, err := wrapToolHandler(tool, handler)
	if err != nil {
		panic(fmt.Sprintf("AddTool %q: %v", tool.Name, err))
	}

	s.AddTool(wrappedTool, wrappedHandler)
}

// wrapToolHandler wraps the typed handler into a low-level one.
func wrapToolHandler[In, Out any](tool *protocol.Tool, handler ToolHandlerFor[In, Out]) (*protocol.Tool, ToolHandler, error) {
	toolCopy := *tool

	inputSchema, err := setupInputSchema[In](&toolCopy)
	if err != nil {
		return nil, nil, fmt.Errorf("input schema: %w", err)
	}

	outputSchema, err := setupOutputSchema[Out](&toolCopy)
	if err != nil {
		return nil, nil, fmt.Errorf("output schema: %w", err)
	}

	// Zero value stand-in for typed nil outputs.
	var outputZero interface{}
	if outputSchema != nil {
		outputZero = getZeroValue[Out]()
	}

	wrappedHandler := func(ctx context.Context, req *CallToolRequest) (*protocol.CallToolResult, error) {
		inputData := req.Params.Arguments
		if inputData == nil {
			inputData = make(map[string]any)
		}

		input, err := unmarshalAndValidate[In](inputData, inputSchema)
		if err != nil {
			return nil, InvalidParamsError(err.Error(), WithDetail("tool", toolCopy.Name))
		}

		result, output, err := handler(ctx, req, input)

		if err != nil {
			// A non-nil result alongside an error is a tool-level error,
			// already packaged for the caller.
			if result != nil {
				return result, nil
			}
			return nil, err
		}

		if result == nil {
			result = &protocol.CallToolResult{}
		}

		if outputSchema != nil {
			var zeroOut Out
			if outputZero != nil && any(output) == any(zeroOut) {
				output = outputZero.(Out)
			}

			if err := validateValue(outputSchema, output); err != nil {
				return nil, fmt.Errorf("tool output does not match output schema: %w", err)
			}
			result.StructuredContent = output

			if len(result.Content) == 0 {
				outputData, err := json.Marshal(output)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal output: %w", err)
				}
				result.Content = []protocol.Content{
					protocol.NewTextContent(string(outputData)),
				}
			}
		}

		return result, nil
	}

	return &toolCopy, wrappedHandler, nil
}

// setupInputSchema resolves the tool's input schema and compiles the
// validator used before each call.
func setupInputSchema[In any](tool *protocol.Tool) (*jsonschemav6.Schema, error) {
	if tool.InputSchema == nil {
		schema, err := inferSchema[In]()
		if err != nil {
			return nil, err
		}
		tool.InputSchema = schema
	}
	if typ, _ := tool.InputSchema["type"].(string); typ != "object" {
		return nil, fmt.Errorf("input schema must have type 'object', got %q", typ)
	}
	return compileSchema(tool.InputSchema)
}

// setupOutputSchema resolves the tool's output schema, if any.
func setupOutputSchema[Out any](tool *protocol.Tool) (*jsonschemav6.Schema, error) {
	if tool.OutputSchema == nil {
		if reflect.TypeFor[Out]() == reflect.TypeFor[any]() {
			return nil, nil
		}
		schema, err := inferSchema[Out]()
		if err != nil {
			return nil, err
		}
		tool.OutputSchema = schema
	}
	if typ, _ := tool.OutputSchema["type"].(string); typ != "object" {
		return nil, fmt.Errorf("output schema must have type 'object', got %q", typ)
	}
	return compileSchema(tool.OutputSchema)
}
