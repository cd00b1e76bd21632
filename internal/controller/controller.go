package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"missionctl/internal/breaker"
	"missionctl/internal/budget"
	"missionctl/internal/greenbranch"
	"missionctl/internal/mergequeue"
	"missionctl/internal/model"
	"missionctl/internal/store"
	"missionctl/internal/vcsgit"
	"missionctl/internal/worker"
	"missionctl/internal/workspace"
)

// Options configures a Controller. Every field maps to the dotted config
// keys under continuous.* (plus the handful of collaborators the epoch loop
// needs direct references to). applyDefaults fills in NumWorkers,
// MaxUnitsPerEpoch, MaxConsecutiveFailures, StallThreshold,
// SignalPollInterval, DispatchTimeout, WorkspaceAcquireTimeout,
// MergeDrainPerUnit, Sleep and Now when they are zero; every other zero
// value is used as it is.
type Options struct {
	MissionID           string
	Objective           string
	VerificationCommand string
	BudgetUSD           float64
	WallTimeBudget      time.Duration

	NumWorkers              int
	MaxUnitsPerEpoch        int
	MinAmbitionScore        float64
	MaxReplanAttempts       int
	BacklogMaxAgeSeconds    int
	MaxConsecutiveFailures  int
	FailureBackoffSeconds   int
	StallThreshold          int
	SignalFile              string
	SignalPollInterval      time.Duration
	CooldownSeconds         int
	DispatchTimeout         time.Duration
	WorkspaceAcquireTimeout time.Duration
	MergeDrainPerUnit       time.Duration

	IntegrationDir string
	SourcePath     string
	BaseBranch     string

	// Verify runs the mission's objective verification, if configured; a
	// nil Verify means the mission only stops on budget, stall, or failure
	// conditions.
	Verify func(ctx context.Context) (bool, error)

	Sleep func(time.Duration)
	Now   func() time.Time
}

func (o *Options) applyDefaults() {
	if o.NumWorkers < 1 {
		o.NumWorkers = 2
	}
	if o.MaxUnitsPerEpoch < 1 {
		o.MaxUnitsPerEpoch = 8
	}
	if o.MaxConsecutiveFailures < 1 {
		o.MaxConsecutiveFailures = 3
	}
	if o.StallThreshold < 1 {
		o.StallThreshold = 3
	}
	if o.SignalPollInterval <= 0 {
		o.SignalPollInterval = 2 * time.Second
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 10 * time.Minute
	}
	if o.WorkspaceAcquireTimeout <= 0 {
		o.WorkspaceAcquireTimeout = o.DispatchTimeout
	}
	if o.MergeDrainPerUnit <= 0 {
		o.MergeDrainPerUnit = 5 * time.Second
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Controller is the top-level epoch loop: plan, ambition-gate, topological
// dispatch, drain completions into the merge queue, feedback, and
// stop-condition check. It is grounded on the teacher's agent.Loop
// (outer-loop shape, per-iteration retry/status handling) and on
// round_controller.py's RoundController.run for the epoch/feedback/stop
// semantics that Loop has no analogue for.
type Controller struct {
	store    *store.Store
	pool     *workspace.Pool
	breakers *breaker.Set
	budget   *budget.EMABudget
	queue    *mergequeue.Queue
	green    *greenbranch.Manager
	backend  worker.Backend
	planner  Planner
	git      *vcsgit.Git
	permits  *PermitPool
	opts     Options

	mergedFilesMu sync.Mutex
	mergedFiles   map[string]struct{} // files touched by units promoted so far this mission, for the backlog-overlap staleness check
}

// New constructs a Controller. Every collaborator is a required dependency;
// nothing here reaches for an ambient singleton (per SPEC_FULL §9's global
// mutable state note).
func New(
	st *store.Store,
	pool *workspace.Pool,
	breakers *breaker.Set,
	emaBudget *budget.EMABudget,
	queue *mergequeue.Queue,
	green *greenbranch.Manager,
	backend worker.Backend,
	planner Planner,
	git *vcsgit.Git,
	opts Options,
) *Controller {
	opts.applyDefaults()
	return &Controller{
		store:       st,
		pool:        pool,
		breakers:    breakers,
		budget:      emaBudget,
		queue:       queue,
		green:       green,
		backend:     backend,
		planner:     planner,
		git:         git,
		permits:     NewPermitPool(opts.NumWorkers),
		opts:        opts,
		mergedFiles: make(map[string]struct{}),
	}
}

// Resize changes the live worker concurrency target, applied without
// restarting any in-flight dispatch (SPEC_FULL §4.7's dynamic worker-count
// adjustment).
func (c *Controller) Resize(numWorkers int) {
	c.permits.Resize(numWorkers)
}

// epochState is the mutable bookkeeping the loop carries across epochs;
// kept separate from Options (immutable config) and from model.Mission
// (persisted state) so Run's loop body stays readable.
type epochState struct {
	ordinal            int
	consecutiveAllFail int
	stallCount         int
	feedbackContext    []string
}

// Run drives mission to a terminal stop reason and returns its final state.
// It never returns a non-nil error for a clean stop; the returned error is
// reserved for setup failures (bad integration workspace, store I/O) that
// prevent the mission from starting or persisting its result at all.
func (c *Controller) Run(ctx context.Context) (model.Mission, error) {
	mission := model.Mission{
		ID:                  c.opts.MissionID,
		Objective:           c.opts.Objective,
		VerificationCommand: c.opts.VerificationCommand,
		BudgetUSD:           c.opts.BudgetUSD,
		WallTimeBudget:      c.opts.WallTimeBudget,
		StartedAt:           c.opts.Now(),
		Status:              model.MissionRunning,
	}
	if mission.ID == "" {
		mission.ID = model.NewID()
	}
	if err := c.bootstrapIntegrationWorkspace(ctx); err != nil {
		return mission, fmt.Errorf("bootstrap integration workspace: %w", err)
	}
	if err := c.store.InsertMission(ctx, mission); err != nil {
		return mission, fmt.Errorf("insert mission: %w", err)
	}

	state := &epochState{}
	for {
		if reason := c.checkTimeAndCost(mission); reason != model.StopNone {
			mission.StopReason = reason
			break
		}

		epoch, err := c.runEpoch(ctx, &mission, state)
		if err != nil {
			mission.StopReason = model.StopInternalError
			mission.Status = model.MissionFailed
			_ = c.store.UpdateMission(ctx, mission)
			return mission, err
		}
		mission.TotalCostUSD += epoch.CostUSD

		if stop := c.evaluateStopConditions(ctx, &mission, state, epoch); stop != model.StopNone {
			mission.StopReason = stop
			break
		}

		if signals, err := readSignals(c.opts.SignalFile); err == nil {
			c.applySignals(signals, state)
		}

		if cooldown := c.adaptiveCooldown(mission); cooldown > 0 {
			c.opts.Sleep(cooldown)
		}
	}

	mission.Status = missionStatusFor(mission.StopReason)
	if err := c.store.UpdateMission(ctx, mission); err != nil {
		return mission, fmt.Errorf("finalize mission: %w", err)
	}
	c.queue.Close()
	return mission, nil
}

func missionStatusFor(reason model.StopReason) model.MissionStatus {
	switch reason {
	case model.StopObjectiveMet:
		return model.MissionCompleted
	case model.StopRepeatedTotalFailure, model.StopStalled, model.StopInternalError:
		return model.MissionFailed
	default:
		return model.MissionStopped
	}
}

// checkTimeAndCost stops the mission on wall-clock or cost grounds. The cost
// check looks one epoch ahead rather than at raw spend-so-far: it asks the
// EMA tracker whether spent plus the projected cost of another
// MaxUnitsPerEpoch units would meet or exceed budget, so a mission stops
// before it overshoots instead of after. With no cost samples yet the EMA is
// zero and this collapses to the plain spent>=budget comparison.
func (c *Controller) checkTimeAndCost(mission model.Mission) model.StopReason {
	if mission.WallTimeBudget > 0 && c.opts.Now().Sub(mission.StartedAt) >= mission.WallTimeBudget {
		return model.StopTimeBudget
	}
	if mission.BudgetUSD > 0 && c.budget.ShouldSlowDown(mission.TotalCostUSD, mission.BudgetUSD, c.opts.MaxUnitsPerEpoch) {
		return model.StopCostBudget
	}
	return model.StopNone
}

// cooldownSlowdownFactor multiplies the configured inter-epoch cooldown once
// ShouldSlowDown reports that another epoch at the current pace would meet
// budget, easing off dispatch rate before the mission is forced to stop
// outright.
const cooldownSlowdownFactor = 3

// adaptiveCooldown scales Options.CooldownSeconds by the EMA tracker's
// slow-down signal, per SPEC_FULL §4.3's requirement that the
// projected-cost EMA drive the pacing between epochs rather than only the
// hard stop gate.
func (c *Controller) adaptiveCooldown(mission model.Mission) time.Duration {
	base := time.Duration(c.opts.CooldownSeconds) * time.Second
	if base <= 0 || mission.BudgetUSD <= 0 {
		return base
	}
	if c.budget.ShouldSlowDown(mission.TotalCostUSD, mission.BudgetUSD, c.opts.MaxUnitsPerEpoch) {
		return base * cooldownSlowdownFactor
	}
	return base
}

// evaluateStopConditions applies the consecutive-all-fail, stall, and
// objective-verification checks from SPEC_FULL §4.7's stop-condition step.
// Wall-time and cost are checked separately at the top of each loop
// iteration via checkTimeAndCost, since they don't depend on this epoch's
// outcome.
func (c *Controller) evaluateStopConditions(ctx context.Context, mission *model.Mission, state *epochState, result epochResult) model.StopReason {
	if result.AllFailed {
		state.consecutiveAllFail++
		if state.consecutiveAllFail >= c.opts.MaxConsecutiveFailures {
			return model.StopRepeatedTotalFailure
		}
		if c.opts.FailureBackoffSeconds > 0 {
			c.opts.Sleep(time.Duration(c.opts.FailureBackoffSeconds) * time.Second)
		}
	} else {
		state.consecutiveAllFail = 0
	}

	if result.Advanced {
		state.stallCount = 0
	} else {
		state.stallCount++
		if state.stallCount >= c.opts.StallThreshold {
			return model.StopStalled
		}
	}

	if c.opts.Verify != nil {
		if met, err := c.opts.Verify(ctx); err == nil && met {
			return model.StopObjectiveMet
		}
	}

	return model.StopNone
}

func (c *Controller) applySignals(signals []Signal, state *epochState) {
	for _, s := range signals {
		switch s.Kind {
		case SignalAdjust:
			if s.Value > 0 {
				c.Resize(s.Value)
			}
		case SignalRetry:
			state.feedbackContext = append(state.feedbackContext, fmt.Sprintf("retry requested: %s", s.UnitID))
		case SignalStop:
			state.feedbackContext = append(state.feedbackContext, "stop requested")
		}
	}
}

// recordMergedFiles folds a promoted unit's changed files into the set the
// backlog-overlap staleness check compares pending units against.
func (c *Controller) recordMergedFiles(files []string) {
	if len(files) == 0 {
		return
	}
	c.mergedFilesMu.Lock()
	defer c.mergedFilesMu.Unlock()
	for _, f := range files {
		c.mergedFiles[f] = struct{}{}
	}
}

func (c *Controller) mergedFilesSnapshot() []string {
	c.mergedFilesMu.Lock()
	defer c.mergedFilesMu.Unlock()
	out := make([]string, 0, len(c.mergedFiles))
	for f := range c.mergedFiles {
		out = append(out, f)
	}
	return out
}

// backlogStalenessOverlap is the §4.7 threshold: a pending unit whose
// files_hint set is more than half covered by files already merged this
// mission is superseded work, not merely a slow one.
const backlogStalenessOverlap = 0.5

// applyBacklogStaleness drops units that have sat in the backlog past
// BacklogMaxAgeSeconds, or whose files_hint mostly overlaps files already
// merged into mc/green this mission, before they're ever admitted into a
// dependency graph. Dropped units are still returned, marked UnitStale, so
// the caller can persist them for the record.
func (c *Controller) applyBacklogStaleness(units []model.WorkUnit) (fresh, stale []model.WorkUnit) {
	maxAge := time.Duration(c.opts.BacklogMaxAgeSeconds) * time.Second
	merged := c.mergedFilesSnapshot()
	now := c.opts.Now()

	fresh = make([]model.WorkUnit, 0, len(units))
	for _, u := range units {
		reason := ""
		switch {
		case maxAge > 0 && !u.QueuedAt.IsZero() && now.Sub(u.QueuedAt) > maxAge:
			reason = fmt.Sprintf("queued %s ago, exceeding backlog_max_age_seconds", now.Sub(u.QueuedAt).Round(time.Second))
		case model.OverlapRatio(u, merged) > backlogStalenessOverlap:
			reason = "files_hint mostly overlaps work already merged this mission"
		}
		if reason == "" {
			fresh = append(fresh, u)
			continue
		}
		u.State = model.UnitStale
		u.LastFailureReason = reason
		stale = append(stale, u)
	}
	return fresh, stale
}

// bootstrapIntegrationWorkspace ensures the shared integration clone exists
// and mc/working / mc/green both point at the base branch's current head,
// so the very first submission of the mission has somewhere to merge into.
func (c *Controller) bootstrapIntegrationWorkspace(ctx context.Context) error {
	if c.opts.IntegrationDir == "" {
		return fmt.Errorf("integration workspace directory not configured")
	}
	if _, err := c.git.RevParse(ctx, c.opts.IntegrationDir, "HEAD"); err == nil {
		return nil // already cloned and initialized
	}
	if err := c.git.CloneShared(ctx, c.opts.SourcePath, c.opts.IntegrationDir, c.opts.BaseBranch); err != nil {
		return err
	}
	if err := c.git.CheckoutNew(ctx, c.opts.IntegrationDir, "mc/working"); err != nil {
		return err
	}
	return c.git.BranchCreate(ctx, c.opts.IntegrationDir, "mc/green", "mc/working")
}
