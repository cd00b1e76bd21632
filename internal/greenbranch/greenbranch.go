// Package greenbranch implements the GreenBranchManager: the single
// consumer of the merge queue that owns mc/working and mc/green, the two
// integration refs. It is grounded on the original_source/green_branch.py
// GreenBranchManager (merge_unit's fast-git-ops-then-verify-then-finalize
// pipeline, run_fixup's N-of-M tournament, merge_batch's bisection) adapted
// to the WorkUnit/ResultEnvelope domain and built on top of the other core
// packages: internal/vcsgit for plumbing, internal/scheduler for the
// per-submission state machine, internal/breaker for the green_branch
// circuit breaker, internal/workspace for fixup candidate clones,
// internal/worker for fixup dispatch, and internal/review for the
// post-promotion diff review.
package greenbranch

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"missionctl/internal/breaker"
	"missionctl/internal/errs"
	"missionctl/internal/logging"
	"missionctl/internal/model"
	"missionctl/internal/review"
	"missionctl/internal/scheduler"
	"missionctl/internal/vcsgit"
	"missionctl/internal/worker"
	"missionctl/internal/workspace"
)

// AutoPushPolicy controls what happens when the upstream push branch has
// diverged from mc/green.
type AutoPushPolicy string

const (
	PushPolicyAbort AutoPushPolicy = "abort"
	PushPolicyMerge AutoPushPolicy = "merge"
	PushPolicyForce AutoPushPolicy = "force"
)

// Config carries every green_branch.* option from the external interfaces
// contract.
type Config struct {
	WorkingRef  string
	GreenRef    string
	PushRemote  string
	PushBranch  string

	VerificationCommand string
	VerifyTimeout        time.Duration

	AutoPush       bool
	AutoPushPolicy AutoPushPolicy

	FixupMaxAttempts int
	FixupCandidates  int
	BatchMerge       bool

	DeployCommand       string
	HealthCheckCommand  string
	HealthCheckTimeout  time.Duration

	SkipReviewWhenCriteriaPassed bool

	DecisionLogPath string

	// FixupAcquireTimeout bounds how long a fixup candidate waits for a
	// workspace clone; defaults to VerifyTimeout when unset.
	FixupAcquireTimeout time.Duration
}

func (c Config) fixupAcquireTimeout() time.Duration {
	if c.FixupAcquireTimeout > 0 {
		return c.FixupAcquireTimeout
	}
	return c.VerifyTimeout
}

// Outcome reports what ProcessSubmission (or a batch/fixup helper) did with
// one submission.
type Outcome struct {
	UnitID     string
	State      scheduler.SubmissionState
	Promoted   bool
	NeedsFixup bool
	Abandoned  bool
	Error      error
}

// Manager owns mc/working and mc/green for one mission.
type Manager struct {
	git      *vcsgit.Git
	runner   vcsgit.CommandRunner
	pool     *workspace.Pool
	breakers *breaker.Set
	reviewer *review.Reviewer
	backend  worker.Backend
	cfg      Config

	mu          sync.Mutex
	submissions map[string]*scheduler.SubmissionStateMachine

	onReview func(model.ReviewRecord)
}

// New constructs a Manager. runner is used for the shell-level commands
// (verification, acceptance criteria, deploy, health check) that are not
// git plumbing; git wraps the same runner for git operations.
func New(cfg Config, git *vcsgit.Git, runner vcsgit.CommandRunner, pool *workspace.Pool, breakers *breaker.Set, reviewer *review.Reviewer, backend worker.Backend) *Manager {
	if cfg.WorkingRef == "" {
		cfg.WorkingRef = "mc/working"
	}
	if cfg.GreenRef == "" {
		cfg.GreenRef = "mc/green"
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 10 * time.Minute
	}
	if cfg.FixupCandidates <= 0 {
		cfg.FixupCandidates = 1
	}
	if runner == nil {
		runner = vcsgit.NewExecRunner()
	}
	if git == nil {
		git = vcsgit.New(runner)
	}
	return &Manager{
		git:         git,
		runner:      runner,
		pool:        pool,
		breakers:    breakers,
		reviewer:    reviewer,
		backend:     backend,
		cfg:         cfg,
		submissions: make(map[string]*scheduler.SubmissionStateMachine),
	}
}

// OnReview registers a callback invoked with every DiffReviewer result. It
// runs on the fire-and-forget review goroutine, never on the submission
// path.
func (m *Manager) OnReview(fn func(model.ReviewRecord)) {
	m.onReview = fn
}

func (m *Manager) stateMachineFor(unitID string) *scheduler.SubmissionStateMachine {
	m.mu.Lock()
	defer m.mu.Unlock()
	sm, ok := m.submissions[unitID]
	if !ok {
		sm = scheduler.NewSubmissionStateMachine(m.cfg.FixupMaxAttempts)
		m.submissions[unitID] = sm
	}
	return sm
}

// ProcessSubmission runs the full merge pipeline (§4.5) for one submission
// against workingDir, a clone with mc/working checked out.
func (m *Manager) ProcessSubmission(ctx context.Context, workingDir string, sub model.MergeSubmission, unit model.WorkUnit) Outcome {
	sm := m.stateMachineFor(sub.UnitID)

	if isAncestor, err := m.git.IsAncestor(ctx, workingDir, sub.BranchRef, m.cfg.GreenRef); err == nil && isAncestor {
		return Outcome{UnitID: sub.UnitID, State: scheduler.SubmissionCompleted, Promoted: false}
	}

	if !m.breakers.Allow("green_branch") {
		return Outcome{UnitID: sub.UnitID, State: sm.State(), Error: &errs.Integrity{Detail: "green_branch breaker open"}}
	}

	// A submission re-entering via ProcessWithFixup after a won fixup
	// tournament is already in SubmissionMerging (EventFixupWon put it
	// there); only a fresh submission needs the queued->merging transition.
	if sm.State() == scheduler.SubmissionQueued {
		if err := sm.Apply(scheduler.EventMergeBegin); err != nil {
			return Outcome{UnitID: sub.UnitID, State: sm.State(), Error: err}
		}
	}

	parent, err := m.git.RevParse(ctx, workingDir, "HEAD")
	if err != nil {
		m.breakers.Record("green_branch", false)
		return Outcome{UnitID: sub.UnitID, State: sm.State(), Error: &errs.Integrity{Detail: "rev-parse HEAD before merge", Err: err}}
	}

	if err := m.git.Merge(ctx, workingDir, sub.BranchRef, fmt.Sprintf("merge %s", sub.UnitID)); err != nil {
		_ = m.git.MergeAbort(ctx, workingDir)
		return m.escalate(sub, sm, scheduler.EventMergeConflict, "merge_conflict", err)
	}
	if err := sm.Apply(scheduler.EventMergeSucceeded); err != nil {
		return Outcome{UnitID: sub.UnitID, State: sm.State(), Error: err}
	}

	if err := m.verify(ctx, workingDir); err != nil {
		m.rollback(ctx, workingDir, parent)
		return m.escalate(sub, sm, scheduler.EventVerifyFailed, "verify_failed", err)
	}
	if err := sm.Apply(scheduler.EventVerifyPassed); err != nil {
		return Outcome{UnitID: sub.UnitID, State: sm.State(), Error: err}
	}

	criteriaPassed := true
	if err := m.runAcceptanceCriteria(ctx, workingDir, unit); err != nil {
		criteriaPassed = false
		m.rollback(ctx, workingDir, parent)
		return m.escalate(sub, sm, scheduler.EventGateFailed, "acceptance_failed", err)
	}
	if err := sm.Apply(scheduler.EventGatePassed); err != nil {
		return Outcome{UnitID: sub.UnitID, State: sm.State(), Error: err}
	}

	if err := m.promote(ctx, workingDir); err != nil {
		m.breakers.Record("green_branch", false)
		m.logDecision(sub.UnitID, logging.DecisionPushAttempted, "failed", "promote failed: "+err.Error(), "")
		return Outcome{UnitID: sub.UnitID, State: sm.State(), Error: &errs.Integrity{Detail: "fast-forward mc/green", Err: err}}
	}
	if err := sm.Apply(scheduler.EventPromoted); err != nil {
		return Outcome{UnitID: sub.UnitID, State: sm.State(), Error: err}
	}
	m.breakers.Record("green_branch", true)

	if m.cfg.AutoPush {
		if err := m.push(ctx, workingDir); err != nil {
			// Push failures never abandon an already-promoted unit.
			m.logDecision(sub.UnitID, logging.DecisionPushAttempted, "failed", err.Error(), "")
		} else {
			m.logDecision(sub.UnitID, logging.DecisionPushAttempted, "succeeded", "", "")
		}
	}

	if m.cfg.DeployCommand != "" {
		m.runDeployAndHealthCheck(ctx, workingDir, sub.UnitID)
	}

	skipReview := m.cfg.SkipReviewWhenCriteriaPassed && criteriaPassed
	if !skipReview && m.reviewer != nil {
		m.fireReview(ctx, workingDir, parent, unit)
	}

	return Outcome{UnitID: sub.UnitID, State: sm.State(), Promoted: true}
}

// escalate applies the failure event (transitioning to rolled_back or, once
// fixup_max_attempts is exceeded, abandoned) and logs a decision entry.
func (m *Manager) escalate(sub model.MergeSubmission, sm *scheduler.SubmissionStateMachine, event scheduler.SubmissionEvent, reason string, cause error) Outcome {
	if err := sm.Apply(event); err != nil {
		return Outcome{UnitID: sub.UnitID, State: sm.State(), Error: err}
	}

	var causeText string
	if cause != nil {
		causeText = cause.Error()
	}

	if sm.State() == scheduler.SubmissionAbandoned {
		m.breakers.Record("green_branch", false)
		m.logDecision(sub.UnitID, logging.DecisionFixupSelected, "abandoned", causeText, reason)
		return Outcome{UnitID: sub.UnitID, State: sm.State(), Abandoned: true, Error: &errs.Content{UnitID: sub.UnitID, Reason: reason, Err: cause}}
	}

	m.logDecision(sub.UnitID, logging.DecisionFixupSelected, "rolled_back", causeText, reason)
	return Outcome{UnitID: sub.UnitID, State: sm.State(), NeedsFixup: true, Error: &errs.Content{UnitID: sub.UnitID, Reason: reason, Err: cause}}
}

func (m *Manager) verify(ctx context.Context, workingDir string) error {
	if m.cfg.VerificationCommand == "" {
		return nil
	}
	runCtx, cancel := context.WithTimeout(ctx, m.cfg.VerifyTimeout)
	defer cancel()
	_, err := m.runner.Run(runCtx, workingDir, "sh", "-c", m.cfg.VerificationCommand)
	return err
}

func (m *Manager) runAcceptanceCriteria(ctx context.Context, workingDir string, unit model.WorkUnit) error {
	for _, criterion := range unit.AcceptanceCriteria {
		if _, err := m.runner.Run(ctx, workingDir, "sh", "-c", criterion); err != nil {
			return fmt.Errorf("acceptance criterion %q: %w", criterion, err)
		}
	}
	return nil
}

// rollback is git reset --hard <parent_of_failing_merge> on mc/working,
// leaving no untracked files behind.
func (m *Manager) rollback(ctx context.Context, workingDir, parent string) {
	_ = m.git.ResetHard(ctx, workingDir, parent)
	_ = m.git.CleanUntracked(ctx, workingDir)
}

// promote fast-forwards mc/green to the current mc/working HEAD.
func (m *Manager) promote(ctx context.Context, workingDir string) error {
	head, err := m.git.RevParse(ctx, workingDir, "HEAD")
	if err != nil {
		return err
	}
	return m.git.UpdateRefFastForward(ctx, workingDir, m.cfg.GreenRef, head)
}

// push force-updates the local push-tracking ref from mc/green (by fetching
// from the local repository itself, the "+mc/green:refs/mc/green-push"
// refspec) and pushes that ref to the configured upstream branch.
func (m *Manager) push(ctx context.Context, workingDir string) error {
	refspec := "+" + m.cfg.GreenRef + ":refs/mc/green-push"
	if err := m.git.Fetch(ctx, workingDir, ".", refspec); err != nil {
		return fmt.Errorf("force-update push-tracking ref: %w", err)
	}

	remote := m.cfg.PushRemote
	if remote == "" {
		remote = "origin"
	}
	branch := m.cfg.PushBranch
	if branch == "" {
		branch = "mc-green"
	}

	diverged, err := m.git.RemoteDiverged(ctx, workingDir, "refs/mc/green-push", "refs/remotes/"+remote+"/"+branch)
	if err == nil && diverged && m.cfg.AutoPushPolicy == PushPolicyAbort {
		return fmt.Errorf("push aborted: %s/%s has diverged from mc/green", remote, branch)
	}

	force := m.cfg.AutoPushPolicy == PushPolicyForce || (diverged && m.cfg.AutoPushPolicy == PushPolicyMerge)
	return m.git.Push(ctx, workingDir, remote, "refs/mc/green-push", "refs/heads/"+branch, force)
}

func (m *Manager) runDeployAndHealthCheck(ctx context.Context, workingDir, unitID string) {
	if _, err := m.runner.Run(ctx, workingDir, "sh", "-c", m.cfg.DeployCommand); err != nil {
		m.logDecision(unitID, logging.DecisionDeployAttempt, "failed", err.Error(), "")
		return
	}
	m.logDecision(unitID, logging.DecisionDeployAttempt, "succeeded", "", "")

	if m.cfg.HealthCheckCommand == "" {
		return
	}
	if err := m.pollHealthCheck(ctx, workingDir); err != nil {
		m.logDecision(unitID, logging.DecisionRollback, "health_check_failed", err.Error(), "")
	}
}

// pollHealthCheck runs health_check_command with jittered backoff until it
// succeeds or health_check_timeout elapses.
func (m *Manager) pollHealthCheck(ctx context.Context, workingDir string) error {
	timeout := m.cfg.HealthCheckTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	deadline := time.Now().Add(timeout)
	backoff := 500 * time.Millisecond
	const maxBackoff = 10 * time.Second

	var lastErr error
	for {
		if _, err := m.runner.Run(ctx, workingDir, "sh", "-c", m.cfg.HealthCheckCommand); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("health check never passed within %s: %w", timeout, lastErr)
		}

		sleep := jitter(backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// fireReview invokes the DiffReviewer in the background; its result never
// blocks or affects the submission outcome.
func (m *Manager) fireReview(ctx context.Context, workingDir, parent string, unit model.WorkUnit) {
	diff, err := m.git.Diff(ctx, workingDir, parent, "HEAD")
	if err != nil {
		return
	}
	go func() {
		record := m.reviewer.ReviewUnit(context.Background(), unit, diff, unit.Description)
		if m.onReview != nil {
			m.onReview(record)
		}
	}()
}

func (m *Manager) logDecision(unitID string, kind logging.DecisionType, outcome, reason, detail string) {
	if m.cfg.DecisionLogPath == "" {
		return
	}
	_ = logging.AppendDecision(m.cfg.DecisionLogPath, logging.DecisionLogEntry{
		LoggingSchemaFields: logging.LoggingSchemaFields{UnitID: unitID, Component: "green_branch"},
		DecisionType:        kind,
		Outcome:              outcome,
		Reason:                reason,
		Context:               detail,
	})
}

// jitter adds up to ±25% random variance to d so concurrent health-check
// polls do not thunder-herd the target.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.25
	return time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
}
