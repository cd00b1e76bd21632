package mergequeue

import (
	"context"
	"testing"
	"time"

	"missionctl/internal/model"
)

func TestQueuePreservesSubmissionOrder(t *testing.T) {
	q := New()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Submit(model.MergeSubmission{UnitID: id}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}

	batch, err := q.Drain(context.Background(), 10, time.Second)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 items, got %d", len(batch))
	}
	for i, want := range []string{"a", "b", "c"} {
		if batch[i].UnitID != want {
			t.Fatalf("expected order a,b,c; got %v", batch)
		}
	}
}

func TestQueueDrainPartialBatchLeavesRestEnqueued(t *testing.T) {
	q := New()
	for _, id := range []string{"a", "b", "c"} {
		_ = q.Submit(model.MergeSubmission{UnitID: id})
	}

	first, err := q.Drain(context.Background(), 2, time.Second)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 items, got %d", len(first))
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 item remaining, got %d", q.Len())
	}
}

func TestQueueDrainTimesOutOnEmptyQueue(t *testing.T) {
	q := New()
	start := time.Now()
	batch, err := q.Drain(context.Background(), 5, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("expected empty batch, got %v", batch)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatalf("expected drain to wait out the timeout")
	}
}

func TestQueueDrainWakesOnLateSubmission(t *testing.T) {
	q := New()
	done := make(chan []model.MergeSubmission, 1)
	go func() {
		batch, _ := q.Drain(context.Background(), 5, time.Second)
		done <- batch
	}()

	time.Sleep(10 * time.Millisecond)
	if err := q.Submit(model.MergeSubmission{UnitID: "late"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case batch := <-done:
		if len(batch) != 1 || batch[0].UnitID != "late" {
			t.Fatalf("expected late submission delivered, got %v", batch)
		}
	case <-time.After(time.Second):
		t.Fatalf("drain did not wake on late submission")
	}
}
