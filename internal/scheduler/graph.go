package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DispatchState is a work unit's position within a single epoch's dispatch
// graph (distinct from model.UnitState, which tracks the unit's full
// merge/promotion lifecycle across the mission).
type DispatchState string

const (
	DispatchPending   DispatchState = "pending"
	DispatchRunning   DispatchState = "running"
	DispatchSucceeded DispatchState = "succeeded"
	DispatchFailed    DispatchState = "failed"
	DispatchCanceled  DispatchState = "canceled"
)

func (s DispatchState) IsTerminal() bool {
	switch s {
	case DispatchSucceeded, DispatchFailed, DispatchCanceled:
		return true
	default:
		return false
	}
}

// UnitNode is one work unit's position in the epoch dependency graph.
type UnitNode struct {
	ID        string
	State     DispatchState
	DependsOn []string
	FilesHint []string
}

// UnitGraph is the epoch's dependency DAG over work unit ids. It tracks each
// node's dispatch state, reports the pending units whose dependencies have
// all succeeded, detects cycles at construction by depth-first search, and
// excludes a ready unit whose files_hint overlaps an earlier ready unit's.
type UnitGraph struct {
	mu           sync.RWMutex
	nodes        map[string]UnitNode
	dependencies map[string][]string
	dependents   map[string][]string
}

// NodeInspection is a point-in-time snapshot of one node's readiness.
type NodeInspection struct {
	UnitID     string
	State      DispatchState
	Ready      bool
	Terminal   bool
	DependsOn  []string
	Dependents []string
}

// NewUnitGraph builds a graph from nodes, rejecting unknown dependency ids
// and circular dependencies (the controller must request a replan on
// either error per the ambition-gate step).
func NewUnitGraph(nodes []UnitNode) (*UnitGraph, error) {
	graph := &UnitGraph{
		nodes:        make(map[string]UnitNode, len(nodes)),
		dependencies: make(map[string][]string, len(nodes)),
		dependents:   make(map[string][]string, len(nodes)),
	}

	for _, node := range nodes {
		if node.ID == "" {
			return nil, fmt.Errorf("unit id cannot be empty")
		}
		if _, exists := graph.nodes[node.ID]; exists {
			return nil, fmt.Errorf("duplicate unit id %q", node.ID)
		}
		if node.State == "" {
			node.State = DispatchPending
		}

		graph.nodes[node.ID] = node
		deps := append([]string(nil), node.DependsOn...)
		sort.Strings(deps)
		graph.dependencies[node.ID] = deps
	}

	for id, deps := range graph.dependencies {
		for _, depID := range deps {
			if _, exists := graph.nodes[depID]; !exists {
				return nil, fmt.Errorf("unit %q depends on unknown unit %q", id, depID)
			}
			graph.dependents[depID] = append(graph.dependents[depID], id)
		}
	}

	if cycle := graph.findDependencyCycle(); len(cycle) > 0 {
		return nil, fmt.Errorf("circular dependency detected: %s", strings.Join(cycle, " -> "))
	}

	for id, dependents := range graph.dependents {
		sort.Strings(dependents)
		graph.dependents[id] = dependents
	}

	return graph, nil
}

func (g *UnitGraph) DependenciesOf(unitID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependencies[unitID]...)
}

// ReadySet returns pending units whose dependencies have all succeeded,
// excluding units whose files_hint overlaps with another ready unit's (the
// later unit in lexical order defers to the next dispatch round).
func (g *UnitGraph) ReadySet() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.excludeFileOverlaps(g.readySetLocked())
}

func (g *UnitGraph) readySetLocked() []string {
	ready := make([]string, 0)
	for id, node := range g.nodes {
		if node.State != DispatchPending {
			continue
		}
		satisfied := true
		for _, depID := range g.dependencies[id] {
			if g.nodes[depID].State != DispatchSucceeded {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// excludeFileOverlaps drops later-sorted units whose files_hint intersects
// an earlier unit already admitted to this layer.
func (g *UnitGraph) excludeFileOverlaps(candidates []string) []string {
	admitted := make([]string, 0, len(candidates))
	claimed := make(map[string]struct{})
	for _, id := range candidates {
		node := g.nodes[id]
		overlap := false
		for _, f := range node.FilesHint {
			if _, ok := claimed[f]; ok {
				overlap = true
				break
			}
		}
		if overlap {
			continue
		}
		admitted = append(admitted, id)
		for _, f := range node.FilesHint {
			claimed[f] = struct{}{}
		}
	}
	return admitted
}

// ReserveReady admits up to limit ready units, transitioning them to
// DispatchRunning, and returns their ids.
func (g *UnitGraph) ReserveReady(limit int) []string {
	if limit <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	ready := g.excludeFileOverlaps(g.readySetLocked())
	if len(ready) > limit {
		ready = ready[:limit]
	}
	for _, id := range ready {
		node := g.nodes[id]
		node.State = DispatchRunning
		g.nodes[id] = node
	}
	return ready
}

func (g *UnitGraph) SetState(unitID string, state DispatchState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	node, exists := g.nodes[unitID]
	if !exists {
		return fmt.Errorf("unit %q not found", unitID)
	}
	node.State = state
	g.nodes[unitID] = node
	return nil
}

func (g *UnitGraph) IsComplete() bool {
	if g == nil {
		return true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, node := range g.nodes {
		if !node.State.IsTerminal() {
			return false
		}
	}
	return true
}

func (g *UnitGraph) InspectNode(unitID string) (NodeInspection, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, exists := g.nodes[unitID]
	if !exists {
		return NodeInspection{}, fmt.Errorf("unit %q not found", unitID)
	}
	ready := false
	if node.State == DispatchPending {
		ready = true
		for _, depID := range g.dependencies[unitID] {
			if g.nodes[depID].State != DispatchSucceeded {
				ready = false
				break
			}
		}
	}
	return NodeInspection{
		UnitID:     unitID,
		State:      node.State,
		Ready:      ready,
		Terminal:   node.State.IsTerminal(),
		DependsOn:  append([]string(nil), g.dependencies[unitID]...),
		Dependents: append([]string(nil), g.dependents[unitID]...),
	}, nil
}

func (g *UnitGraph) findDependencyCycle() []string {
	const (
		visitUnseen = iota
		visitPending
		visitDone
	)

	visitState := make(map[string]int, len(g.nodes))
	stack := make([]string, 0, len(g.nodes))
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var cycle []string
	var dfs func(unitID string) bool
	dfs = func(unitID string) bool {
		switch visitState[unitID] {
		case visitDone:
			return false
		case visitPending:
			start := 0
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i] == unitID {
					start = i
					break
				}
			}
			cycle = append(cycle, stack[start:]...)
			cycle = append(cycle, unitID)
			return true
		}
		visitState[unitID] = visitPending
		stack = append(stack, unitID)
		for _, depID := range g.dependencies[unitID] {
			if dfs(depID) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		visitState[unitID] = visitDone
		return false
	}

	for _, id := range ids {
		if visitState[id] != visitUnseen {
			continue
		}
		if dfs(id) {
			return cycle
		}
	}
	return nil
}
