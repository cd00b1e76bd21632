package controller

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"missionctl/internal/errs"
	"missionctl/internal/greenbranch"
	"missionctl/internal/model"
	"missionctl/internal/scheduler"
)

// epochResult is what runEpoch reports back to Run for the stop-condition
// check and mission bookkeeping.
type epochResult struct {
	CostUSD   float64
	AllFailed bool
	Advanced  bool // true if at least one submission promoted to mc/green
}

// runEpoch executes one plan-dispatch-merge-feedback cycle.
func (c *Controller) runEpoch(ctx context.Context, mission *model.Mission, state *epochState) (epochResult, error) {
	ordinal := state.ordinal
	state.ordinal++

	epoch := model.Epoch{
		ID:        model.NewID(),
		MissionID: mission.ID,
		Ordinal:   ordinal,
		StartedAt: c.opts.Now(),
	}

	units, staleUnits, ambitionScore, graph, err := c.planEpoch(ctx, mission, ordinal, state)
	if err != nil {
		return epochResult{}, err
	}
	epoch.AmbitionScore = ambitionScore
	if graph == nil {
		graph, err = scheduler.NewUnitGraph(nil)
		if err != nil {
			return epochResult{}, fmt.Errorf("build empty unit graph: %w", err)
		}
	}
	for _, u := range staleUnits {
		u.MissionID = mission.ID
		u.EpochID = epoch.ID
		if err := c.store.InsertWorkUnit(ctx, u); err != nil {
			return epochResult{}, fmt.Errorf("insert stale work unit %s: %w", u.ID, err)
		}
	}
	for i, u := range units {
		epoch.PlannedUnitIDs = append(epoch.PlannedUnitIDs, u.ID)
		u.MissionID = mission.ID
		u.EpochID = epoch.ID
		u.State = model.UnitPending
		u.QueuedAt = c.opts.Now()
		units[i] = u
		if err := c.store.InsertWorkUnit(ctx, u); err != nil {
			return epochResult{}, fmt.Errorf("insert work unit %s: %w", u.ID, err)
		}
	}
	if err := c.store.InsertEpoch(ctx, epoch); err != nil {
		return epochResult{}, fmt.Errorf("insert epoch: %w", err)
	}

	unitByID := make(map[string]model.WorkUnit, len(units))
	for _, u := range units {
		unitByID[u.ID] = u
	}

	dispatched, result := c.dispatchLayers(ctx, mission, &epoch, graph, unitByID)
	epoch.DispatchedUnitIDs = dispatched

	epoch.EndedAt = c.opts.Now()
	epoch.CostUSD = result.CostUSD
	epoch.AllFailed = result.AllFailed
	if err := c.store.CloseEpoch(ctx, epoch); err != nil {
		return result, fmt.Errorf("close epoch: %w", err)
	}

	c.emitFeedback(ctx, mission, &epoch, state, result)
	return result, nil
}

// planEpoch asks the Planner for a batch of units, drops units the §4.7
// backlog-staleness gate rejects, validates the dependency graph is a DAG,
// and enforces the ambition gate, replanning up to max_replan_attempts
// before accepting the last plan regardless. Units the staleness gate drops
// are returned separately so the caller can persist them as UnitStale; their
// descriptions are folded into the mission's feedback context so the next
// epoch's plan request knows they were dropped rather than silently vanish.
func (c *Controller) planEpoch(ctx context.Context, mission *model.Mission, ordinal int, state *epochState) ([]model.WorkUnit, []model.WorkUnit, float64, *scheduler.UnitGraph, error) {
	feedback := append([]string(nil), state.feedbackContext...)
	state.feedbackContext = nil

	var (
		units         []model.WorkUnit
		stale         []model.WorkUnit
		graph         *scheduler.UnitGraph
		score         float64
		staleFeedback []string
	)
	attempts := c.opts.MaxReplanAttempts
	if attempts < 0 {
		attempts = 0
	}

	for attempt := 0; attempt <= attempts; attempt++ {
		req := PlanRequest{
			MissionID:       mission.ID,
			Objective:       mission.Objective,
			EpochOrdinal:    ordinal,
			MaxUnits:        c.opts.MaxUnitsPerEpoch,
			ReplanAttempt:   attempt,
			FeedbackContext: feedback,
		}
		planned, err := c.planner.PlanEpoch(ctx, req)
		if err != nil {
			return nil, nil, 0, nil, fmt.Errorf("plan epoch: %w", err)
		}

		attemptFresh, attemptStale := c.applyBacklogStaleness(planned)
		for _, u := range attemptStale {
			msg := fmt.Sprintf("dropped stale unit %q: %s", u.Description, u.LastFailureReason)
			feedback = append(feedback, msg)
			staleFeedback = append(staleFeedback, msg)
		}

		g, gerr := buildUnitGraph(attemptFresh)
		if gerr != nil {
			if attempt < attempts {
				feedback = append(feedback, fmt.Sprintf("replan requested: %v", gerr))
				continue
			}
			// Out of replan attempts with a broken graph: dispatch nothing
			// rather than risk a deadlocked layer.
			state.feedbackContext = append(state.feedbackContext, staleFeedback...)
			return nil, attemptStale, 0, nil, nil
		}

		score = AmbitionScore(attemptFresh)
		units, stale, graph = attemptFresh, attemptStale, g
		if score >= c.opts.MinAmbitionScore || attempt == attempts {
			break
		}
		feedback = append(feedback, fmt.Sprintf("ambition gate rejected plan (score=%.2f, min=%.2f)", score, c.opts.MinAmbitionScore))
	}

	// Only the staleness-gate drops carry forward into the next epoch's
	// feedback context; in-attempt replan/ambition-gate messages are only
	// meant to steer the very next replan attempt within this same epoch.
	state.feedbackContext = append(state.feedbackContext, staleFeedback...)

	return units, stale, score, graph, nil
}

func buildUnitGraph(units []model.WorkUnit) (*scheduler.UnitGraph, error) {
	nodes := make([]scheduler.UnitNode, 0, len(units))
	for _, u := range units {
		nodes = append(nodes, scheduler.UnitNode{ID: u.ID, DependsOn: u.DependsOn, FilesHint: u.FilesHint})
	}
	return scheduler.NewUnitGraph(nodes)
}

// dispatchResult carries one dispatched unit's worker outcome from
// dispatchUnit back to the goroutine that submits it for merging.
type dispatchResult struct {
	unit    model.WorkUnit
	branch  string
	result  model.ResultEnvelope
	err     error
}

// dispatchLayers reserves and dispatches ready units under the workspace
// pool, the resizable permit pool, and the graph's dependency/file-overlap
// constraints, until every node is terminal. A dispatched unit only reaches
// the DispatchSucceeded state that ReadySet requires of a dependency once
// its branch has actually been merged (or its rejection resolved) by the
// green-branch manager, not merely once its worker returns — so a dependent
// is never admitted while its dependency's changes still live only in a
// discarded workspace clone. Merging happens concurrently with dispatch, one
// unit at a time off the shared merge queue, instead of waiting for the
// whole epoch to finish dispatching first: this mirrors
// round_controller.py's _execute_single_unit, which runs a unit's merge
// immediately after its own execution rather than batching merges per round.
func (c *Controller) dispatchLayers(ctx context.Context, mission *model.Mission, epoch *model.Epoch, graph *scheduler.UnitGraph, unitByID map[string]model.WorkUnit) ([]string, epochResult) {
	var (
		mu         sync.Mutex
		dispatched []string
		totalCost  float64
		ran        int
		failed     int
		promoted   int
	)
	done := make(chan struct{}, 2*len(unitByID)+2)

	mergeCtx, stopMerging := context.WithCancel(ctx)
	defer stopMerging()
	var mergeWG sync.WaitGroup
	mergeWG.Add(1)
	go func() {
		defer mergeWG.Done()
		for {
			batch, err := c.queue.Drain(mergeCtx, 1, c.opts.MergeDrainPerUnit)
			if err != nil {
				return
			}
			if len(batch) == 0 {
				if graph.IsComplete() {
					return
				}
				continue
			}
			for _, sub := range batch {
				unit := unitByID[sub.UnitID]
				outcome := c.green.ProcessWithFixup(ctx, c.opts.IntegrationDir, sub, unit, c.opts.WorkspaceAcquireTimeout)
				c.applyOutcome(ctx, epoch, unit, sub, outcome)

				// A submission already on mc/green (State completed, not
				// promoted) satisfies its dependents just like a promotion.
				state := scheduler.DispatchSucceeded
				mu.Lock()
				if outcome.Promoted {
					promoted++
				} else if outcome.State != scheduler.SubmissionCompleted {
					failed++
					state = scheduler.DispatchFailed
				}
				mu.Unlock()

				_ = graph.SetState(unit.ID, state)
				if state == scheduler.DispatchFailed {
					c.cascadeCancel(graph, unit.ID)
				}
				done <- struct{}{}
			}
		}
	}()

	// A plain, context-free errgroup: it's used here purely as a
	// wait-for-everything primitive, not for its cancel-on-first-error
	// behavior — a unit's failure is handled by cascadeCancel against the
	// dependency graph, not by aborting sibling dispatches.
	g := new(errgroup.Group)

	for !graph.IsComplete() {
		capacity := c.permits.Capacity() - c.permits.Held()
		if slots := c.pool.AvailableSlots(); slots < capacity {
			capacity = slots
		}
		ready := graph.ReserveReady(capacity)
		if len(ready) == 0 {
			select {
			case <-done:
			case <-ctx.Done():
				c.cancelRemaining(graph)
				_ = g.Wait()
				stopMerging()
				mergeWG.Wait()
				return dispatched, epochResult{CostUSD: totalCost, AllFailed: ran > 0 && failed == ran}
			}
			continue
		}

		for _, id := range ready {
			unit := unitByID[id]
			mu.Lock()
			dispatched = append(dispatched, id)
			mu.Unlock()

			g.Go(func() error {
				dr := c.dispatchUnit(ctx, mission, unit)
				c.budget.Record(dr.result.CostUSD)
				mu.Lock()
				ran++
				totalCost += dr.result.CostUSD
				mu.Unlock()

				if dr.err != nil || !dr.result.Succeeded() {
					u := dr.unit
					u.State = model.UnitRejected
					u.AttemptCount++
					if dr.err != nil {
						u.LastFailureReason = dr.err.Error()
					} else {
						u.LastFailureReason = string(dr.result.ErrorKind)
					}
					_ = c.store.UpdateWorkUnitState(ctx, u)

					mu.Lock()
					failed++
					mu.Unlock()
					// A unit that never dispatched successfully can't satisfy
					// its dependents' readiness condition; cascade-cancel
					// them so the graph still reaches IsComplete instead of
					// deadlocking on a permanently pending node.
					_ = graph.SetState(unit.ID, scheduler.DispatchFailed)
					c.cascadeCancel(graph, unit.ID)
					done <- struct{}{}
					return nil
				}

				if err := c.queue.Submit(model.MergeSubmission{
					UnitID:      dr.unit.ID,
					BranchRef:   dr.branch,
					Result:      dr.result,
					SubmittedAt: c.opts.Now(),
				}); err != nil {
					// Queue closed under us; retire the unit as failed so the
					// graph still reaches completion instead of hanging on a
					// submission nothing will ever drain.
					mu.Lock()
					failed++
					mu.Unlock()
					_ = graph.SetState(unit.ID, scheduler.DispatchFailed)
					c.cascadeCancel(graph, unit.ID)
					done <- struct{}{}
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	stopMerging()
	mergeWG.Wait()

	return dispatched, epochResult{
		CostUSD:   totalCost,
		AllFailed: ran > 0 && failed == ran,
		Advanced:  promoted > 0,
	}
}

func (c *Controller) cancelRemaining(graph *scheduler.UnitGraph) {
	for _, id := range graph.ReadySet() {
		_ = graph.SetState(id, scheduler.DispatchCanceled)
	}
}

// cascadeCancel marks every transitive dependent of a failed unit as
// canceled, mirroring the original controller's dependency-cascade
// propagation: a unit whose dependency never dispatched successfully can
// never become ready, so it must be retired rather than left pending
// forever.
func (c *Controller) cascadeCancel(graph *scheduler.UnitGraph, failedUnitID string) {
	queue := []string{failedUnitID}
	seen := map[string]bool{failedUnitID: true}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		insp, err := graph.InspectNode(id)
		if err != nil {
			continue
		}
		for _, dependent := range insp.Dependents {
			if seen[dependent] {
				continue
			}
			seen[dependent] = true
			if depInsp, err := graph.InspectNode(dependent); err == nil && !depInsp.Terminal {
				_ = graph.SetState(dependent, scheduler.DispatchCanceled)
				queue = append(queue, dependent)
			}
		}
	}
}

// dispatchUnit acquires a workspace clone and a concurrency permit, runs the
// unit through the WorkerBackend, and always releases what it acquired
// regardless of outcome.
func (c *Controller) dispatchUnit(ctx context.Context, mission *model.Mission, unit model.WorkUnit) dispatchResult {
	if !c.permits.Acquire(ctx.Done()) {
		return dispatchResult{unit: unit, err: fmt.Errorf("permit pool closed before dispatching unit %s", unit.ID)}
	}
	defer c.permits.Release()

	handle, err := c.pool.Acquire(ctx, c.opts.WorkspaceAcquireTimeout)
	if err != nil {
		c.breakers.Record("workspace", false)
		return dispatchResult{unit: unit, err: &errs.Transient{Component: "workspace", Err: err}}
	}
	defer c.pool.Release(handle)

	unit.State = model.UnitDispatched
	_ = c.store.UpdateWorkUnitState(ctx, unit)

	dispatchCtx, cancel := context.WithTimeout(ctx, c.opts.DispatchTimeout)
	defer cancel()

	if !c.breakers.Allow("worker") {
		return dispatchResult{unit: unit, err: &errs.Transient{Component: "worker", Err: fmt.Errorf("worker breaker open")}}
	}
	envelope, err := c.backend.Dispatch(dispatchCtx, unit, handle.Path)
	c.breakers.Record("worker", err == nil && envelope.Succeeded())
	if err != nil {
		return dispatchResult{unit: unit, err: err}
	}
	return dispatchResult{unit: unit, branch: envelope.BranchRef, result: envelope}
}

// applyOutcome translates a GreenBranchManager outcome into the WorkUnit's
// persisted state and, on promotion, records the discoveries its result
// envelope reported alongside the promotion in a single transaction.
func (c *Controller) applyOutcome(ctx context.Context, epoch *model.Epoch, unit model.WorkUnit, sub model.MergeSubmission, outcome greenbranch.Outcome) {
	switch {
	case outcome.Promoted:
		unit.State = model.UnitCompleted
		c.recordMergedFiles(sub.Result.FilesChanged)
	case outcome.State == scheduler.SubmissionCompleted:
		unit.State = model.UnitCompleted
	case outcome.Abandoned:
		unit.State = model.UnitRejected
	default:
		unit.State = model.UnitRolledBack
	}
	if outcome.Error != nil {
		unit.LastFailureReason = outcome.Error.Error()
	}

	discoveries := make([]model.ContextItem, 0, len(sub.Result.Discoveries))
	for _, d := range sub.Result.Discoveries {
		discoveries = append(discoveries, model.ContextItem{
			ID:        model.NewID(),
			MissionID: unit.MissionID,
			EpochID:   epoch.ID,
			UnitID:    unit.ID,
			Kind:      model.ContextDiscovery,
			Content:   d,
			CreatedAt: c.opts.Now(),
		})
	}

	if outcome.Promoted {
		if err := c.store.PromoteWorkUnit(ctx, unit, discoveries); err == nil {
			return
		}
	}
	_ = c.store.UpdateWorkUnitState(ctx, unit)
	for _, item := range discoveries {
		_ = c.store.InsertContextItem(ctx, item)
	}
}

// emitFeedback updates the reflection record and curates discoveries for
// the next epoch's plan request, per round_controller.py's
// _curate_discoveries.
func (c *Controller) emitFeedback(ctx context.Context, mission *model.Mission, epoch *model.Epoch, state *epochState, result epochResult) {
	completed := 0
	failed := 0
	for _, id := range epoch.DispatchedUnitIDs {
		u, err := c.store.GetWorkUnit(ctx, id)
		if err != nil {
			continue
		}
		if u.State == model.UnitCompleted {
			completed++
		} else if u.State == model.UnitRejected || u.State == model.UnitStale {
			failed++
		}
	}

	reflection := model.Reflection{
		ID:             model.NewID(),
		MissionID:      mission.ID,
		EpochID:        epoch.ID,
		Summary:        fmt.Sprintf("epoch %d: %d completed, %d failed, ambition=%.2f", epoch.Ordinal, completed, failed, epoch.AmbitionScore),
		UnitsCompleted: completed,
		UnitsFailed:    failed,
		CostUSD:        epoch.CostUSD,
		CreatedAt:      c.opts.Now(),
	}
	_ = c.store.InsertReflection(ctx, reflection)

	items, err := c.store.ContextItemsForEpoch(ctx, epoch.ID)
	if err == nil {
		state.feedbackContext = append(state.feedbackContext, curateDiscoveries(items, defaultDiscoveryCharCap)...)
	}
	state.feedbackContext = append(state.feedbackContext, reflection.Summary)
}
