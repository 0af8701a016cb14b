package server

import (
	"fmt"

	"github.com/voocel/taskrpc/protocol"
)

// TextResult builds a successful tool result with a single text block.
func TextResult(text string) *protocol.CallToolResult {
	return &protocol.CallToolResult{
		Content: []protocol.Content{
			protocol.NewTextContent(text),
		},
	}
}

// ErrorResult builds an isError tool result, appending the cause if present.
func ErrorResult(message string, err error) *protocol.CallToolResult {
	errorText := message
	if err != nil {
		errorText = fmt.Sprintf("%s: %v", message, err)
	}

	return &protocol.CallToolResult{
		Content: []protocol.Content{
			protocol.NewTextContent(errorText),
		},
		IsError: true,
	}
}
