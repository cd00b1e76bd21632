package breaker

import (
	"testing"
	"time"
)

func TestSetTripsAfterConsecutiveFailures(t *testing.T) {
	s := NewSet(3, time.Minute)
	for i := 0; i < 2; i++ {
		if !s.Allow("green_branch") {
			t.Fatalf("expected breaker closed before threshold")
		}
		s.Record("green_branch", false)
	}
	if s.State("green_branch") != Closed {
		t.Fatalf("expected still closed, got %s", s.State("green_branch"))
	}
	s.Record("green_branch", false)
	if s.State("green_branch") != Open {
		t.Fatalf("expected open after 3rd consecutive failure, got %s", s.State("green_branch"))
	}
	if s.Allow("green_branch") {
		t.Fatalf("expected open breaker to short-circuit")
	}
}

func TestSetHalfOpenRecoversOnSuccess(t *testing.T) {
	frozen := time.Unix(0, 0)
	s := NewSet(1, 10*time.Millisecond)
	s.now = func() time.Time { return frozen }

	s.Allow("push")
	s.Record("push", false)
	if s.State("push") != Open {
		t.Fatalf("expected open, got %s", s.State("push"))
	}

	frozen = frozen.Add(20 * time.Millisecond)
	if !s.Allow("push") {
		t.Fatalf("expected half-open trial to be allowed after reset timeout")
	}
	if s.State("push") != HalfOpen {
		t.Fatalf("expected half_open, got %s", s.State("push"))
	}

	s.Record("push", true)
	if s.State("push") != Closed {
		t.Fatalf("expected closed after successful trial, got %s", s.State("push"))
	}
}

func TestSetHalfOpenReopensOnFailure(t *testing.T) {
	frozen := time.Unix(0, 0)
	s := NewSet(1, 10*time.Millisecond)
	s.now = func() time.Time { return frozen }

	s.Allow("push")
	s.Record("push", false)
	frozen = frozen.Add(20 * time.Millisecond)
	s.Allow("push")
	s.Record("push", false)
	if s.State("push") != Open {
		t.Fatalf("expected reopened, got %s", s.State("push"))
	}
}

func TestSetComponentsAreIndependent(t *testing.T) {
	s := NewSet(1, time.Minute)
	s.Allow("a")
	s.Record("a", false)
	if s.State("b") != Closed {
		t.Fatalf("expected unrelated component unaffected, got %s", s.State("b"))
	}
}
