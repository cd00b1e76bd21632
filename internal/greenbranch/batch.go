package greenbranch

import (
	"context"

	"missionctl/internal/model"
	"missionctl/internal/scheduler"
)

// MergeBatch implements §4.5.2: when batch_merge is enabled and more than
// one submission is ready, attempt to merge the whole batch and verify
// once; on failure, bisect recursively until failures are isolated to
// single-submission granularity, at which point ProcessSubmission's normal
// per-submission pipeline takes over for the isolated failures while the
// passing half is promoted immediately.
func (m *Manager) MergeBatch(ctx context.Context, workingDir string, subs []model.MergeSubmission, units map[string]model.WorkUnit) []Outcome {
	if len(subs) == 0 {
		return nil
	}
	if len(subs) == 1 || !m.cfg.BatchMerge {
		return m.processIndividually(ctx, workingDir, subs, units)
	}

	base, err := m.git.RevParse(ctx, workingDir, "HEAD")
	if err != nil {
		return m.processIndividually(ctx, workingDir, subs, units)
	}

	return m.bisectBatch(ctx, workingDir, base, subs, units)
}

func (m *Manager) processIndividually(ctx context.Context, workingDir string, subs []model.MergeSubmission, units map[string]model.WorkUnit) []Outcome {
	out := make([]Outcome, 0, len(subs))
	for _, s := range subs {
		out = append(out, m.ProcessWithFixup(ctx, workingDir, s, units[s.UnitID], m.cfg.fixupAcquireTimeout()))
	}
	return out
}

func (m *Manager) bisectBatch(ctx context.Context, workingDir, base string, subs []model.MergeSubmission, units map[string]model.WorkUnit) []Outcome {
	ok, _ := m.testBatch(ctx, workingDir, subs)
	if ok {
		return m.promoteBatch(ctx, workingDir, subs)
	}

	m.rollback(ctx, workingDir, base)

	if len(subs) == 1 {
		return m.processIndividually(ctx, workingDir, subs, units)
	}

	mid := len(subs) / 2
	firstHalf, secondHalf := subs[:mid], subs[mid:]

	results := m.bisectBatch(ctx, workingDir, base, firstHalf, units)

	newBase, err := m.git.RevParse(ctx, workingDir, "HEAD")
	if err != nil {
		newBase = base
	}
	results = append(results, m.bisectBatch(ctx, workingDir, newBase, secondHalf, units)...)
	return results
}

// testBatch merges every submission's branch into workingDir sequentially
// and runs the verification command once against the resulting tree.
func (m *Manager) testBatch(ctx context.Context, workingDir string, subs []model.MergeSubmission) (bool, error) {
	for _, s := range subs {
		if err := m.git.Merge(ctx, workingDir, s.BranchRef, "batch merge "+s.UnitID); err != nil {
			_ = m.git.MergeAbort(ctx, workingDir)
			return false, err
		}
	}
	if err := m.verify(ctx, workingDir); err != nil {
		return false, err
	}
	return true, nil
}

// promoteBatch fast-forwards mc/green once for the whole passing batch and
// marks every member submission completed.
func (m *Manager) promoteBatch(ctx context.Context, workingDir string, subs []model.MergeSubmission) []Outcome {
	if err := m.promote(ctx, workingDir); err != nil {
		m.breakers.Record("green_branch", false)
		out := make([]Outcome, 0, len(subs))
		for _, s := range subs {
			sm := m.stateMachineFor(s.UnitID)
			out = append(out, Outcome{UnitID: s.UnitID, State: sm.State(), Error: err})
		}
		return out
	}

	out := make([]Outcome, 0, len(subs))
	for _, s := range subs {
		sm := m.stateMachineFor(s.UnitID)
		_ = sm.Apply(scheduler.EventMergeBegin)
		_ = sm.Apply(scheduler.EventMergeSucceeded)
		_ = sm.Apply(scheduler.EventVerifyPassed)
		_ = sm.Apply(scheduler.EventGatePassed)
		_ = sm.Apply(scheduler.EventPromoted)
		out = append(out, Outcome{UnitID: s.UnitID, State: sm.State(), Promoted: true})
	}
	m.breakers.Record("green_branch", true)

	if m.cfg.AutoPush {
		_ = m.push(ctx, workingDir)
	}

	return out
}
