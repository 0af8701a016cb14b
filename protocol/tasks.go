package protocol

// TaskState represents the current state of a task.
type TaskState string

const (
	// TaskStateSubmitted indicates the task is accepted but not yet running
	TaskStateSubmitted TaskState = "submitted"
	// TaskStateRunning indicates the task handler is executing
	TaskStateRunning TaskState = "running"
	// TaskStateCompleted indicates the task finished successfully
	TaskStateCompleted TaskState = "completed"
	// TaskStateFailed indicates the task handler returned an error
	TaskStateFailed TaskState = "failed"
	// TaskStateCancelled indicates the task was cancelled before finishing
	TaskStateCancelled TaskState = "cancelled"
)

// IsTerminal reports whether no further transitions may leave the state.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the edge from s to next is legal.
// submitted -> running -> completed|failed, and cancelled is reachable
// from any non-terminal state.
func (s TaskState) CanTransition(next TaskState) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case TaskStateRunning:
		return s == TaskStateSubmitted
	case TaskStateCompleted, TaskStateFailed:
		return s == TaskStateRunning
	case TaskStateCancelled:
		return true
	}
	return false
}

// Task is the durable snapshot of a background tool invocation.
type Task struct {
	// TaskID is the unique identifier for this task
	TaskID string `json:"taskId"`
	// State is the current state of the task execution
	State TaskState `json:"state"`
	// StatusMessage is an optional human-readable message providing additional details
	StatusMessage string `json:"statusMessage,omitempty"`
	// CreatedAt is the ISO 8601 timestamp when the task was created
	CreatedAt string `json:"createdAt"`
	// LastUpdatedAt is the ISO 8601 timestamp when the task state last changed
	LastUpdatedAt string `json:"lastUpdatedAt"`
	// TTL is the retention period in milliseconds after creation; null means no limit
	TTL *int `json:"ttl"`
	// PollInterval is the suggested time in milliseconds between status checks
	PollInterval *int `json:"pollInterval,omitempty"`
}

// TaskMetadata augments a request with task execution details.
type TaskMetadata struct {
	// TTL specifies the retention duration of the task in milliseconds
	TTL *int `json:"ttl,omitempty"`
}

// TaskProgress is the last progress report observed for a task.
type TaskProgress struct {
	Progress float64 `json:"progress"`
	Total    float64 `json:"total,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// CreateTaskResult is returned when a task-augmented tools/call is accepted.
// When ReturnedImmediately is true the handler already finished within the
// server's synchronous window and Result carries its outcome; the task
// snapshot is terminal in that case.
type CreateTaskResult struct {
	Meta                map[string]any  `json:"_meta,omitempty"`
	Task                Task            `json:"task"`
	ReturnedImmediately bool            `json:"returnedImmediately"`
	Result              *CallToolResult `json:"result,omitempty"`
}

// GetTaskParams represents the parameters for tasks/get request
type GetTaskParams struct {
	Meta   map[string]any `json:"_meta,omitempty"`
	TaskID string         `json:"taskId"`
}

// GetTaskResult carries the task snapshot plus the latest progress report.
type GetTaskResult struct {
	Task
	LastProgress *TaskProgress `json:"lastProgress,omitempty"`
}

// ListTasksParams represents the parameters for tasks/list request
type ListTasksParams struct {
	Meta   map[string]any `json:"_meta,omitempty"`
	Cursor string         `json:"cursor,omitempty"`
}

// ListTasksResult represents the result of tasks/list request
type ListTasksResult struct {
	Meta       map[string]any `json:"_meta,omitempty"`
	Tasks      []Task         `json:"tasks"`
	NextCursor *string        `json:"nextCursor,omitempty"`
}

// CancelTaskParams represents the parameters for tasks/cancel request
type CancelTaskParams struct {
	Meta   map[string]any `json:"_meta,omitempty"`
	TaskID string         `json:"taskId"`
	Reason string         `json:"reason,omitempty"`
}

// CancelTaskResult contains the task snapshot after cancellation.
type CancelTaskResult struct {
	Task
}

// TaskResultParams represents the parameters for tasks/result request
type TaskResultParams struct {
	Meta   map[string]any `json:"_meta,omitempty"`
	TaskID string         `json:"taskId"`
}

// TaskStatusNotificationParams represents the parameters for notifications/tasks/status
type TaskStatusNotificationParams struct {
	Meta map[string]any `json:"_meta,omitempty"`
	Task
}

// TasksCapability declares server-side task support.
type TasksCapability struct {
	// List indicates server supports the tasks/list operation
	List *struct{} `json:"list,omitempty"`
	// Cancel indicates server supports the tasks/cancel operation
	Cancel *struct{} `json:"cancel,omitempty"`
}
