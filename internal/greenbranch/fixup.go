package greenbranch

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"missionctl/internal/model"
	"missionctl/internal/scheduler"
	"missionctl/internal/workspace"
)

// ProcessWithFixup drives ProcessSubmission and, on every NeedsFixup
// outcome, runs the N-of-M tournament and resubmits the winning branch as
// if it had been the original submission, following round_controller.py's
// run_fixup retry loop. It stops as soon as a submission completes, is
// abandoned, or a fixup round produces no usable candidate.
func (m *Manager) ProcessWithFixup(ctx context.Context, workingDir string, sub model.MergeSubmission, unit model.WorkUnit, acquireTimeout time.Duration) Outcome {
	outcome := m.ProcessSubmission(ctx, workingDir, sub, unit)
	for outcome.NeedsFixup {
		sm := m.stateMachineFor(sub.UnitID)
		if err := sm.Apply(scheduler.EventFixupScheduled); err != nil {
			return outcome
		}

		winner, err := m.RunFixup(ctx, unit, sub.BranchRef, acquireTimeout)
		if err != nil {
			_ = sm.Apply(scheduler.EventFixupExhausted)
			return Outcome{UnitID: sub.UnitID, State: sm.State(), Abandoned: true, Error: err}
		}

		if err := sm.Apply(scheduler.EventFixupWon); err != nil {
			m.pool.Release(winner.WorkspaceHandle)
			return Outcome{UnitID: sub.UnitID, State: sm.State(), Error: err}
		}

		sub = model.MergeSubmission{
			UnitID:      sub.UnitID,
			BranchRef:   winner.BranchRef,
			Result:      winner.Envelope,
			SubmittedAt: sub.SubmittedAt,
			Priority:    sub.Priority,
		}
		outcome = m.ProcessSubmission(ctx, workingDir, sub, unit)
		// The winner's own clone has served its purpose once its branch has
		// been merged (or rejected) into workingDir; release it so it
		// doesn't stay checked out of the pool for the rest of the mission.
		m.pool.Release(winner.WorkspaceHandle)
	}
	return outcome
}

// fixupPromptVariants are the distinct angles each parallel fixup candidate
// is given, mirroring the original FIXUP_PROMPTS: fix in place, rewrite
// with a simpler approach, or narrow the diff to the minimum that satisfies
// the acceptance criteria.
var fixupPromptVariants = []string{
	"The previous attempt failed merge or verification. Fix the failure directly while preserving the original intent and diff shape.",
	"The previous attempt failed merge or verification. Start over with a simpler, more conservative implementation that avoids the failure mode.",
	"The previous attempt failed merge or verification. Produce the smallest possible diff that still satisfies the acceptance criteria.",
}

// Candidate is one fixup worker's outcome, scored for the N-of-M tournament.
type Candidate struct {
	Index           int
	WorkspaceHandle workspace.Handle
	BranchRef       string
	Envelope        model.ResultEnvelope
	TestsPassed     int
	LintErrors      int
	DiffLines       int
}

func (c Candidate) viable() bool { return c.BranchRef != "" }

// RunFixup spawns fixup_candidates parallel fixup workers in distinct
// workspace clones, each given a distinct prompt variant, and selects a
// winner by the lexicographic tournament from §4.5.1: tests_passed desc,
// lint_errors asc, diff_lines asc, ties broken by submission (index) order.
// Losing candidates' workspaces are released back to the pool.
func (m *Manager) RunFixup(ctx context.Context, unit model.WorkUnit, baseRef string, acquireTimeout time.Duration) (Candidate, error) {
	n := m.cfg.FixupCandidates
	if n <= 0 {
		n = 1
	}

	candidates := make([]Candidate, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			candidates[i] = m.runFixupCandidate(ctx, unit, baseRef, i, acquireTimeout)
		}(i)
	}
	wg.Wait()

	winner, found := selectFixupWinner(candidates)
	for i, c := range candidates {
		if i == winner.Index && found {
			continue
		}
		if c.WorkspaceHandle.ID != "" {
			m.pool.Release(c.WorkspaceHandle)
		}
	}

	if !found {
		return Candidate{}, fmt.Errorf("fixup: none of %d candidates produced a usable branch", n)
	}
	return winner, nil
}

func (m *Manager) runFixupCandidate(ctx context.Context, unit model.WorkUnit, baseRef string, index int, acquireTimeout time.Duration) Candidate {
	handle, err := m.pool.Acquire(ctx, acquireTimeout)
	if err != nil {
		return Candidate{Index: index}
	}

	candidateUnit := unit
	candidateUnit.Description = unit.Description + "\n\n" + fixupPromptVariants[index%len(fixupPromptVariants)]

	env, err := m.backend.Dispatch(ctx, candidateUnit, handle.Path)
	if err != nil || !env.Succeeded() || env.BranchRef == "" {
		return Candidate{Index: index, WorkspaceHandle: handle, Envelope: env}
	}

	diffLines := 0
	if stat, err := m.git.DiffStat(ctx, handle.Path, baseRef, env.BranchRef); err == nil {
		diffLines = countDiffLines(stat)
	}

	return Candidate{
		Index:           index,
		WorkspaceHandle: handle,
		BranchRef:       env.BranchRef,
		Envelope:        env,
		TestsPassed:     parseIntField(env.MCResult, "tests_passed"),
		LintErrors:      parseIntField(env.MCResult, "lint_errors"),
		DiffLines:       diffLines,
	}
}

// selectFixupWinner picks the best viable candidate; found is false when no
// candidate produced a branch at all.
func selectFixupWinner(candidates []Candidate) (Candidate, bool) {
	var best Candidate
	found := false
	for _, c := range candidates {
		if !c.viable() {
			continue
		}
		if !found || isBetterFixupCandidate(c, best) {
			best = c
			found = true
		}
	}
	return best, found
}

func isBetterFixupCandidate(a, b Candidate) bool {
	if a.TestsPassed != b.TestsPassed {
		return a.TestsPassed > b.TestsPassed
	}
	if a.LintErrors != b.LintErrors {
		return a.LintErrors < b.LintErrors
	}
	if a.DiffLines != b.DiffLines {
		return a.DiffLines < b.DiffLines
	}
	return a.Index < b.Index
}

func parseIntField(fields map[string]string, key string) int {
	if fields == nil {
		return 0
	}
	n, err := strconv.Atoi(fields[key])
	if err != nil {
		return 0
	}
	return n
}

var diffStatTrailer = regexp.MustCompile(`(\d+)\s+insertions?\(\+\)|(\d+)\s+deletions?\(-\)`)

// countDiffLines sums the insertions and deletions reported on the
// trailer line of `git diff --stat` output.
func countDiffLines(stat string) int {
	total := 0
	for _, match := range diffStatTrailer.FindAllStringSubmatch(stat, -1) {
		for _, group := range match[1:] {
			if group == "" {
				continue
			}
			if n, err := strconv.Atoi(group); err == nil {
				total += n
			}
		}
	}
	return total
}
