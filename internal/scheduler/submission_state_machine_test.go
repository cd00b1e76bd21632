package scheduler

import "testing"

func TestSubmissionStateMachineHappyPath(t *testing.T) {
	sm := NewSubmissionStateMachine(2)

	steps := []SubmissionEvent{EventMergeBegin, EventMergeSucceeded, EventVerifyPassed, EventGatePassed, EventPromoted}
	for _, event := range steps {
		if err := sm.Apply(event); err != nil {
			t.Fatalf("apply %s: %v", event, err)
		}
	}
	if sm.State() != SubmissionCompleted {
		t.Fatalf("expected completed, got %s", sm.State())
	}
}

func TestSubmissionStateMachineVerifyFailureEscalatesToFixup(t *testing.T) {
	sm := NewSubmissionStateMachine(2)

	if err := sm.Apply(EventMergeBegin); err != nil {
		t.Fatalf("merge begin: %v", err)
	}
	if err := sm.Apply(EventMergeSucceeded); err != nil {
		t.Fatalf("merge succeeded: %v", err)
	}
	if err := sm.Apply(EventVerifyFailed); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if sm.State() != SubmissionRolledBack {
		t.Fatalf("expected rolled_back, got %s", sm.State())
	}
	if sm.Attempts() != 1 {
		t.Fatalf("expected attempts=1, got %d", sm.Attempts())
	}

	if err := sm.Apply(EventFixupScheduled); err != nil {
		t.Fatalf("fixup scheduled: %v", err)
	}
	if err := sm.Apply(EventFixupWon); err != nil {
		t.Fatalf("fixup won: %v", err)
	}
	if sm.State() != SubmissionMerging {
		t.Fatalf("expected merging after fixup win, got %s", sm.State())
	}
}

func TestSubmissionStateMachineAbandonsAfterFixupCeiling(t *testing.T) {
	sm := NewSubmissionStateMachine(1)

	if err := sm.Apply(EventMergeBegin); err != nil {
		t.Fatalf("merge begin: %v", err)
	}
	if err := sm.Apply(EventMergeConflict); err != nil {
		t.Fatalf("merge conflict: %v", err)
	}
	if err := sm.Apply(EventFixupScheduled); err != nil {
		t.Fatalf("fixup scheduled: %v", err)
	}
	if err := sm.Apply(EventFixupWon); err != nil {
		t.Fatalf("fixup won: %v", err)
	}
	if err := sm.Apply(EventMergeConflict); err != nil {
		t.Fatalf("second merge conflict: %v", err)
	}

	if sm.State() != SubmissionAbandoned {
		t.Fatalf("expected abandoned after exceeding fixup_max_attempts, got %s", sm.State())
	}
	if sm.Attempts() != 2 {
		t.Fatalf("expected attempts=2, got %d", sm.Attempts())
	}
}

func TestSubmissionStateMachineRejectsInvalidTransitions(t *testing.T) {
	sm := NewSubmissionStateMachine(2)
	if err := sm.Apply(EventPromoted); err == nil {
		t.Fatalf("expected invalid transition error")
	}
	if sm.State() != SubmissionQueued {
		t.Fatalf("expected state to remain queued, got %s", sm.State())
	}
}

func TestSubmissionStateMachineTerminalStatesRejectFurtherEvents(t *testing.T) {
	for _, terminal := range []SubmissionState{SubmissionCompleted, SubmissionAbandoned} {
		t.Run(string(terminal), func(t *testing.T) {
			sm := NewSubmissionStateMachine(2)
			sm.state = terminal
			if err := sm.Apply(EventMergeBegin); err == nil {
				t.Fatalf("expected terminal transition to fail")
			}
		})
	}
}
