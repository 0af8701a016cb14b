package protocol

import "encoding/json"

// TaskSupport indicates how a tool may be invoked relative to tasks.
type TaskSupport string

const (
	// TaskSupportNone means the tool only runs synchronously; a
	// task-augmented call is rejected.
	TaskSupportNone TaskSupport = "none"
	// TaskSupportOptional means callers choose between a synchronous
	// call and a task-augmented call.
	TaskSupportOptional TaskSupport = "optional"
	// TaskSupportRequired means callers MUST invoke the tool as a task.
	TaskSupportRequired TaskSupport = "required"
)

// ToolExecution describes execution characteristics of a tool.
type ToolExecution struct {
	TaskSupport TaskSupport `json:"taskSupport,omitempty"`
}

type Tool struct {
	Name         string         `json:"name"`
	Title        string         `json:"title,omitempty"`
	Description  string         `json:"description,omitempty"`
	InputSchema  JSONSchema     `json:"inputSchema"`
	OutputSchema JSONSchema     `json:"outputSchema,omitempty"`
	Execution    *ToolExecution `json:"execution,omitempty"`
	Meta         map[string]any `json:"_meta,omitempty"`
}

// Mode returns the tool's task support, defaulting to none.
func (t *Tool) Mode() TaskSupport {
	if t.Execution == nil || t.Execution.TaskSupport == "" {
		return TaskSupportNone
	}
	return t.Execution.TaskSupport
}

type ListToolsParams struct {
	Meta   map[string]any `json:"_meta,omitempty"`
	Cursor string         `json:"cursor,omitempty"`
}

type ListToolsResult struct {
	Meta       map[string]any `json:"_meta,omitempty"`
	Tools      []Tool         `json:"tools"`
	NextCursor *string        `json:"nextCursor,omitempty"`
}

// CallToolParams invokes a tool. A non-nil Task field augments the call
// with background task execution.
type CallToolParams struct {
	Meta      map[string]any `json:"_meta,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Task      *TaskMetadata  `json:"task,omitempty"`
}

type CallToolResult struct {
	Meta              map[string]any `json:"_meta,omitempty"`
	Content           []Content      `json:"content"`
	StructuredContent any            `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
}

// UnmarshalJSON decodes the polymorphic content blocks.
func (r *CallToolResult) UnmarshalJSON(data []byte) error {
	type alias struct {
		Meta              map[string]any    `json:"_meta,omitempty"`
		Content           []json.RawMessage `json:"content"`
		StructuredContent any               `json:"structuredContent,omitempty"`
		IsError           bool              `json:"isError,omitempty"`
	}
	var aux alias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Meta = aux.Meta
	r.StructuredContent = aux.StructuredContent
	r.IsError = aux.IsError
	r.Content = r.Content[:0]
	for _, raw := range aux.Content {
		c, err := UnmarshalContent(raw)
		if err != nil {
			return err
		}
		r.Content = append(r.Content, c)
	}
	return nil
}

// Text concatenates all text blocks of the result.
func (r *CallToolResult) Text() string {
	var out string
	for _, c := range r.Content {
		if tc, ok := c.(TextContent); ok {
			if out != "" {
				out += "\n"
			}
			out += tc.Text
		}
	}
	return out
}

func NewToolResultText(text string) *CallToolResult {
	return &CallToolResult{
		Content: []Content{NewTextContent(text)},
	}
}

func NewToolResultError(text string) *CallToolResult {
	return &CallToolResult{
		Content: []Content{NewTextContent(text)},
		IsError: true,
	}
}
