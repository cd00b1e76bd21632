package scheduler

import (
	"reflect"
	"testing"
)

func TestUnitGraphDependencyOrdering(t *testing.T) {
	graph, err := NewUnitGraph([]UnitNode{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
	})
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}

	ready := graph.ReadySet()
	if !reflect.DeepEqual(ready, []string{"A"}) {
		t.Fatalf("expected only A ready, got %v", ready)
	}

	if err := graph.SetState("A", DispatchRunning); err != nil {
		t.Fatalf("set A running: %v", err)
	}
	if ready := graph.ReadySet(); len(ready) != 0 {
		t.Fatalf("expected no unit ready while A is in flight, got %v", ready)
	}

	if err := graph.SetState("A", DispatchSucceeded); err != nil {
		t.Fatalf("set A succeeded: %v", err)
	}
	ready = graph.ReadySet()
	if !reflect.DeepEqual(ready, []string{"B"}) {
		t.Fatalf("expected B ready after A succeeds, got %v", ready)
	}
}

func TestUnitGraphFileOverlapExclusion(t *testing.T) {
	graph, err := NewUnitGraph([]UnitNode{
		{ID: "X", FilesHint: []string{"src/foo.py"}},
		{ID: "Y", FilesHint: []string{"src/foo.py"}},
	})
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}

	ready := graph.ReadySet()
	if len(ready) != 1 {
		t.Fatalf("expected exactly one of X,Y admitted, got %v", ready)
	}
}

func TestUnitGraphRejectsCycles(t *testing.T) {
	_, err := NewUnitGraph([]UnitNode{
		{ID: "A", DependsOn: []string{"B"}},
		{ID: "B", DependsOn: []string{"A"}},
	})
	if err == nil {
		t.Fatalf("expected cycle detection error")
	}
}

func TestUnitGraphReserveReadyMarksRunning(t *testing.T) {
	graph, err := NewUnitGraph([]UnitNode{{ID: "A"}, {ID: "B"}})
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}

	reserved := graph.ReserveReady(1)
	if len(reserved) != 1 {
		t.Fatalf("expected 1 reserved unit, got %v", reserved)
	}
	insp, err := graph.InspectNode(reserved[0])
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if insp.State != DispatchRunning {
		t.Fatalf("expected reserved unit running, got %s", insp.State)
	}
}
