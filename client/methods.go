package client

import (
	"context"

	"github.com/voocel/taskrpc/protocol"
)

// Ping sends a ping request
func (cs *ClientSession) Ping(ctx context.Context, params *protocol.PingParams) error {
	if params == nil {
		params = &protocol.PingParams{}
	}
	var result protocol.EmptyResult
	return cs.sendRequest(ctx, protocol.MethodPing, params, &result)
}

// ListTools lists the tools advertised by the server
func (cs *ClientSession) ListTools(ctx context.Context, params *protocol.ListToolsParams) (*protocol.ListToolsResult, error) {
	if params == nil {
		params = &protocol.ListToolsParams{}
	}
	var result protocol.ListToolsResult
	if err := cs.sendRequest(ctx, protocol.MethodToolsList, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CallTool invokes a tool synchronously and waits for its result.
// Tools that require task execution reject this form; use CallToolAsTask.
func (cs *ClientSession) CallTool(ctx context.Context, name string, arguments map[string]any) (*protocol.CallToolResult, error) {
	params := &protocol.CallToolParams{
		Name:      name,
		Arguments: arguments,
	}

	var result protocol.CallToolResult
	if err := cs.sendRequest(ctx, protocol.MethodToolsCall, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CallToolAsTask invokes a tool as a background task. The returned handle
// can be polled, awaited, and cancelled. When the server finished the call
// within its synchronous window the handle already carries the result.
func (cs *ClientSession) CallToolAsTask(ctx context.Context, name string, arguments map[string]any, meta *protocol.TaskMetadata) (*TaskHandle, error) {
	if meta == nil {
		meta = &protocol.TaskMetadata{}
	}
	params := &protocol.CallToolParams{
		Name:      name,
		Arguments: arguments,
		Task:      meta,
	}

	var result protocol.CreateTaskResult
	if err := cs.sendRequest(ctx, protocol.MethodToolsCall, params, &result); err != nil {
		return nil, err
	}

	cs.recordTaskStatus(result.Task)

	return &TaskHandle{
		session:             cs,
		taskID:              result.Task.TaskID,
		task:                result.Task,
		returnedImmediately: result.ReturnedImmediately,
		immediate:           result.Result,
	}, nil
}

// GetTask fetches the current snapshot of a task
func (cs *ClientSession) GetTask(ctx context.Context, taskID string) (*protocol.GetTaskResult, error) {
	params := &protocol.GetTaskParams{TaskID: taskID}

	var result protocol.GetTaskResult
	if err := cs.sendRequest(ctx, protocol.MethodTasksGet, params, &result); err != nil {
		return nil, err
	}

	cs.recordTaskStatus(result.Task)
	return &result, nil
}

// TaskResult retrieves the result of a terminal task. Calling it before the
// task reaches a terminal state fails with a not-ready error.
func (cs *ClientSession) TaskResult(ctx context.Context, taskID string) (*protocol.CallToolResult, error) {
	params := &protocol.TaskResultParams{TaskID: taskID}

	var result protocol.CallToolResult
	if err := cs.sendRequest(ctx, protocol.MethodTasksResult, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelTask requests cancellation of a non-terminal task
func (cs *ClientSession) CancelTask(ctx context.Context, taskID, reason string) (*protocol.CancelTaskResult, error) {
	params := &protocol.CancelTaskParams{TaskID: taskID, Reason: reason}

	var result protocol.CancelTaskResult
	if err := cs.sendRequest(ctx, protocol.MethodTasksCancel, params, &result); err != nil {
		return nil, err
	}

	cs.recordTaskStatus(result.Task)
	return &result, nil
}

// ListTasks lists the tasks the server currently retains
func (cs *ClientSession) ListTasks(ctx context.Context, params *protocol.ListTasksParams) (*protocol.ListTasksResult, error) {
	if params == nil {
		params = &protocol.ListTasksParams{}
	}
	var result protocol.ListTasksResult
	if err := cs.sendRequest(ctx, protocol.MethodTasksList, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// NotifyCancelled tells the server an in-flight request is no longer wanted
func (cs *ClientSession) NotifyCancelled(ctx context.Context, requestID any, reason string) error {
	params := &protocol.CancelledNotificationParams{
		RequestID: requestID,
		Reason:    reason,
	}
	return cs.sendNotification(ctx, protocol.NotificationCancelled, params)
}
