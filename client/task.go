package client

import (
	"context"
	"sync"
	"time"

	"github.com/voocel/taskrpc/protocol"
)

// fallbackPollInterval is used when the server gave no poll hint.
const fallbackPollInterval = 500 * time.Millisecond

// TaskHandle tracks a task-augmented tool call. It is safe for concurrent
// use by multiple goroutines.
type TaskHandle struct {
	session *ClientSession
	taskID  string

	mu   sync.Mutex
	task protocol.Task

	returnedImmediately bool
	immediate           *protocol.CallToolResult
}

// ID returns the server-assigned task identifier
func (h *TaskHandle) ID() string {
	return h.taskID
}

// ReturnedImmediately reports whether the call completed within the
// server's synchronous window. When true, Result returns without another
// round trip.
func (h *TaskHandle) ReturnedImmediately() bool {
	return h.returnedImmediately
}

// Status fetches a fresh snapshot of the task from the server
func (h *TaskHandle) Status(ctx context.Context) (*protocol.GetTaskResult, error) {
	result, err := h.session.GetTask(ctx, h.taskID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.task = result.Task
	h.mu.Unlock()

	return result, nil
}

// Snapshot returns the most recently observed task state without a network
// round trip.
func (h *TaskHandle) Snapshot() protocol.Task {
	if task, ok, _ := h.session.taskStatusSnapshot(h.taskID); ok {
		return task
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.task
}

// Progress returns the last progress report seen for the task, if any,
// without a network round trip.
func (h *TaskHandle) Progress() (protocol.TaskProgress, bool) {
	return h.session.taskProgressSnapshot(h.taskID)
}

// Wait blocks until the task reaches target or any terminal state. An
// empty target waits for a terminal state. It reacts to status
// notifications when the transport delivers them and falls back to polling
// tasks/get at the server's suggested interval, so it works on transports
// that drop notifications.
func (h *TaskHandle) Wait(ctx context.Context, target protocol.TaskState) (protocol.Task, error) {
	if h.returnedImmediately {
		return h.Snapshot(), nil
	}

	reached := func(state protocol.TaskState) bool {
		return state.IsTerminal() || (target != "" && state == target)
	}

	interval := fallbackPollInterval
	h.mu.Lock()
	if h.task.PollInterval != nil && *h.task.PollInterval > 0 {
		interval = time.Duration(*h.task.PollInterval) * time.Millisecond
	}
	h.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, known, changed := h.session.taskStatusSnapshot(h.taskID)
		if known && reached(task.State) {
			h.mu.Lock()
			h.task = task
			h.mu.Unlock()
			return task, nil
		}

		select {
		case <-ctx.Done():
			return protocol.Task{}, ctx.Err()
		case <-changed:
		case <-ticker.C:
			result, err := h.session.GetTask(ctx, h.taskID)
			if err != nil {
				return protocol.Task{}, err
			}
			if reached(result.State) {
				h.mu.Lock()
				h.task = result.Task
				h.mu.Unlock()
				return result.Task, nil
			}
		}
	}
}

// Result waits for the task to finish and retrieves its result. A result
// delivered with the original call is returned directly.
func (h *TaskHandle) Result(ctx context.Context) (*protocol.CallToolResult, error) {
	if h.returnedImmediately && h.immediate != nil {
		return h.immediate, nil
	}

	if _, err := h.Wait(ctx, ""); err != nil {
		return nil, err
	}

	return h.session.TaskResult(ctx, h.taskID)
}

// Cancel requests cancellation of the task
func (h *TaskHandle) Cancel(ctx context.Context, reason string) (*protocol.CancelTaskResult, error) {
	result, err := h.session.CancelTask(ctx, h.taskID, reason)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.task = result.Task
	h.mu.Unlock()

	return result, nil
}
