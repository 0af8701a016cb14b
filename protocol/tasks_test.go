package protocol

import "testing"

func TestTaskStateTransitions(t *testing.T) {
	cases := []struct {
		from, to TaskState
		want     bool
	}{
		{TaskStateSubmitted, TaskStateRunning, true},
		{TaskStateSubmitted, TaskStateCancelled, true},
		{TaskStateSubmitted, TaskStateCompleted, false},
		{TaskStateRunning, TaskStateCompleted, true},
		{TaskStateRunning, TaskStateFailed, true},
		{TaskStateRunning, TaskStateCancelled, true},
		{TaskStateRunning, TaskStateSubmitted, false},
		{TaskStateCompleted, TaskStateRunning, false},
		{TaskStateCompleted, TaskStateCancelled, false},
		{TaskStateFailed, TaskStateRunning, false},
		{TaskStateCancelled, TaskStateCompleted, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTaskStateTerminal(t *testing.T) {
	for _, s := range []TaskState{TaskStateCompleted, TaskStateFailed, TaskStateCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TaskState{TaskStateSubmitted, TaskStateRunning} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestToolMode(t *testing.T) {
	plain := &Tool{Name: "a"}
	if plain.Mode() != TaskSupportNone {
		t.Errorf("default mode = %s, want none", plain.Mode())
	}

	required := &Tool{Name: "b", Execution: &ToolExecution{TaskSupport: TaskSupportRequired}}
	if required.Mode() != TaskSupportRequired {
		t.Errorf("mode = %s, want required", required.Mode())
	}
}
