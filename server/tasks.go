package server

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voocel/taskrpc/protocol"
)

const (
	// DefaultTaskTTL is how long a terminal task stays queryable.
	DefaultTaskTTL = 5 * time.Minute

	// DefaultPollInterval is the poll hint reported to clients, in ms.
	DefaultPollInterval = 500

	taskSweepInterval = time.Minute
)

// TaskManager owns every task the server has created: the state machine,
// progress tracking, result retention, and expiry of terminal tasks.
type TaskManager struct {
	defaultTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	tasks map[string]*taskSlot

	closeOnce sync.Once
	done      chan struct{}
}

// taskSlot is the server-side record behind one task ID.
type taskSlot struct {
	task     protocol.Task
	progress *protocol.TaskProgress
	result   *protocol.CallToolResult
	session  *ServerSession
	cancel   context.CancelFunc
	created  time.Time
	ttl      time.Duration
	// expires is set once the task reaches a terminal state.
	expires time.Time
	// changed is closed and replaced on every state or progress update,
	// so waiters can block without polling.
	changed chan struct{}
}

func NewTaskManager(defaultTTL time.Duration, logger *slog.Logger) *TaskManager {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTaskTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	tm := &TaskManager{
		defaultTTL: defaultTTL,
		logger:     logger,
		now:        time.Now,
		tasks:      make(map[string]*taskSlot),
		done:       make(chan struct{}),
	}
	go tm.sweepLoop()
	return tm
}

func (tm *TaskManager) Close() {
	tm.closeOnce.Do(func() { close(tm.done) })
}

// Create registers a new task in the submitted state. The ttl parameter
// is the client-requested retention in milliseconds; nil uses the default.
func (tm *TaskManager) Create(ss *ServerSession, ttlMillis *int) protocol.Task {
	now := tm.now()
	ttl := tm.defaultTTL
	if ttlMillis != nil && *ttlMillis > 0 {
		ttl = time.Duration(*ttlMillis) * time.Millisecond
	}

	ttlOut := int(ttl / time.Millisecond)
	poll := DefaultPollInterval
	task := protocol.Task{
		TaskID:        uuid.NewString(),
		State:         protocol.TaskStateSubmitted,
		CreatedAt:     now.UTC().Format(time.RFC3339),
		LastUpdatedAt: now.UTC().Format(time.RFC3339),
		TTL:           &ttlOut,
		PollInterval:  &poll,
	}

	tm.mu.Lock()
	tm.tasks[task.TaskID] = &taskSlot{
		task:    task,
		session: ss,
		created: now,
		ttl:     ttl,
		changed: make(chan struct{}),
	}
	tm.mu.Unlock()

	return task
}

// bindCancel attaches the cancel function for the running handler.
func (tm *TaskManager) bindCancel(taskID string, cancel context.CancelFunc) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if slot, ok := tm.tasks[taskID]; ok {
		slot.cancel = cancel
	}
}

// Transition moves a task to the given state. Illegal transitions are
// rejected; transitions out of a terminal state never happen.
func (tm *TaskManager) Transition(taskID string, next protocol.TaskState, statusMessage string) error {
	tm.mu.Lock()
	slot, ok := tm.tasks[taskID]
	if !ok {
		tm.mu.Unlock()
		return fmt.Errorf("unknown task: %s", taskID)
	}
	if !slot.task.State.CanTransition(next) {
		state := slot.task.State
		tm.mu.Unlock()
		return fmt.Errorf("task %s: cannot transition from %s to %s", taskID, state, next)
	}

	slot.task.State = next
	if statusMessage != "" {
		slot.task.StatusMessage = statusMessage
	}
	slot.task.LastUpdatedAt = tm.now().UTC().Format(time.RFC3339)
	if next.IsTerminal() {
		slot.expires = tm.now().Add(slot.ttl)
		if slot.cancel != nil {
			slot.cancel()
		}
	}
	snapshot := slot.task
	session := slot.session
	tm.broadcastLocked(slot)
	tm.mu.Unlock()

	tm.notifyStatus(session, snapshot)
	return nil
}

// Complete stores the result and moves the task to completed. If the
// task is already terminal (for example cancelled while the handler was
// finishing) the result is dropped.
func (tm *TaskManager) Complete(taskID string, result *protocol.CallToolResult) error {
	tm.mu.Lock()
	slot, ok := tm.tasks[taskID]
	if ok && !slot.task.State.IsTerminal() {
		slot.result = result
	}
	tm.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task: %s", taskID)
	}
	return tm.Transition(taskID, protocol.TaskStateCompleted, "")
}

// Fail moves the task to failed with the given message.
func (tm *TaskManager) Fail(taskID string, statusMessage string) error {
	return tm.Transition(taskID, protocol.TaskStateFailed, statusMessage)
}

// Cancel requests cancellation. Terminal tasks cannot be cancelled.
func (tm *TaskManager) Cancel(taskID string, reason string) (*protocol.Task, error) {
	msg := "cancelled"
	if reason != "" {
		msg = "cancelled: " + reason
	}
	if err := tm.Transition(taskID, protocol.TaskStateCancelled, msg); err != nil {
		return nil, err
	}
	task, _, err := tm.Status(taskID)
	return task, err
}

// ReportProgress records progress for a task and notifies the client.
// Progress never goes backwards and updates after a terminal state are
// dropped.
func (tm *TaskManager) ReportProgress(taskID string, progress, total float64, message string) error {
	tm.mu.Lock()
	slot, ok := tm.tasks[taskID]
	if !ok {
		tm.mu.Unlock()
		return fmt.Errorf("unknown task: %s", taskID)
	}
	if slot.task.State.IsTerminal() {
		tm.mu.Unlock()
		return nil
	}
	if slot.progress != nil && progress < slot.progress.Progress {
		progress = slot.progress.Progress
	}
	slot.progress = &protocol.TaskProgress{
		Progress: progress,
		Total:    total,
		Message:  message,
	}
	if message != "" {
		slot.task.StatusMessage = message
	}
	slot.task.LastUpdatedAt = tm.now().UTC().Format(time.RFC3339)
	session := slot.session
	tm.broadcastLocked(slot)
	tm.mu.Unlock()

	if session != nil && session.conn != nil {
		_ = session.conn.SendNotification(context.Background(), protocol.NotificationProgress, &protocol.ProgressNotificationParams{
			TaskID:   taskID,
			Progress: progress,
			Total:    total,
			Message:  message,
		})
	}
	return nil
}

// Status returns the current task snapshot and last reported progress.
func (tm *TaskManager) Status(taskID string) (*protocol.Task, *protocol.TaskProgress, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	slot, ok := tm.tasks[taskID]
	if !ok {
		return nil, nil, fmt.Errorf("unknown task: %s", taskID)
	}
	task := slot.task
	var progress *protocol.TaskProgress
	if slot.progress != nil {
		p := *slot.progress
		progress = &p
	}
	return &task, progress, nil
}

// Await blocks until the task reaches target, reaches any terminal
// state, or ctx expires. An empty target waits for a terminal state.
func (tm *TaskManager) Await(ctx context.Context, taskID string, target protocol.TaskState) (*protocol.Task, error) {
	for {
		tm.mu.Lock()
		slot, ok := tm.tasks[taskID]
		if !ok {
			tm.mu.Unlock()
			return nil, fmt.Errorf("unknown task: %s", taskID)
		}
		if slot.task.State.IsTerminal() || (target != "" && slot.task.State == target) {
			task := slot.task
			tm.mu.Unlock()
			return &task, nil
		}
		changed := slot.changed
		tm.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// notReadyError is returned by Result while the task is still running.
type notReadyError struct{ taskID string }

func (e *notReadyError) Error() string {
	return fmt.Sprintf("task %s has no result yet", e.taskID)
}

// IsNotReady reports whether err means the task has not finished.
func IsNotReady(err error) bool {
	_, ok := err.(*notReadyError)
	return ok
}

// Result returns the stored result of a terminal task. Calling it again
// returns the same result. For a task that is still in flight it returns
// a not-ready error; for failed and cancelled tasks it returns an error
// result carrying the status message.
func (tm *TaskManager) Result(taskID string) (*protocol.CallToolResult, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	slot, ok := tm.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("unknown task: %s", taskID)
	}
	switch slot.task.State {
	case protocol.TaskStateCompleted:
		if slot.result == nil {
			return &protocol.CallToolResult{}, nil
		}
		return slot.result, nil
	case protocol.TaskStateFailed, protocol.TaskStateCancelled:
		msg := slot.task.StatusMessage
		if msg == "" {
			msg = fmt.Sprintf("task %s %s", taskID, slot.task.State)
		}
		return protocol.NewToolResultError(msg), nil
	default:
		return nil, &notReadyError{taskID: taskID}
	}
}

// List returns snapshots of all known tasks, newest first.
func (tm *TaskManager) List() []protocol.Task {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	out := make([]protocol.Task, 0, len(tm.tasks))
	for _, slot := range tm.tasks {
		out = append(out, slot.task)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// broadcastLocked wakes all waiters. Callers must hold tm.mu.
func (tm *TaskManager) broadcastLocked(slot *taskSlot) {
	close(slot.changed)
	slot.changed = make(chan struct{})
}

func (tm *TaskManager) notifyStatus(ss *ServerSession, task protocol.Task) {
	if ss == nil || ss.conn == nil {
		return
	}
	_ = ss.conn.SendNotification(context.Background(), protocol.NotificationTasksStatus, &protocol.TaskStatusNotificationParams{
		Task: task,
	})
}

func (tm *TaskManager) sweepLoop() {
	ticker := time.NewTicker(taskSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-tm.done:
			return
		case <-ticker.C:
			tm.sweep()
		}
	}
}

// sweep drops terminal tasks whose retention window has passed.
func (tm *TaskManager) sweep() {
	now := tm.now()
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for id, slot := range tm.tasks {
		if slot.task.State.IsTerminal() && now.After(slot.expires) {
			delete(tm.tasks, id)
		}
	}
}
