package vcsgit

import (
	"context"
	"strings"
)

// Git adapts a CommandRunner to the specific git operations the workspace
// pool and green-branch manager need.
type Git struct {
	runner CommandRunner
}

// New wraps runner as a Git adapter.
func New(runner CommandRunner) *Git {
	if runner == nil {
		runner = NewExecRunner()
	}
	return &Git{runner: runner}
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	return g.runner.Run(ctx, dir, "git", args...)
}

// CloneShared clones src into dest with --shared, the lightweight object-
// sharing clone used by the workspace pool so N clones do not duplicate the
// whole object database.
func (g *Git) CloneShared(ctx context.Context, src, dest, branch string) error {
	args := []string{"clone", "--shared"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, src, dest)
	_, err := g.run(ctx, "", args...)
	return err
}

// Checkout switches to ref in dir.
func (g *Git) Checkout(ctx context.Context, dir, ref string) error {
	_, err := g.run(ctx, dir, "checkout", ref)
	return err
}

// FetchAll fetches every remote ref into dir.
func (g *Git) FetchAll(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "fetch", "--all", "--prune")
	return err
}

// ResetHard resets dir's current branch to ref, discarding all changes.
func (g *Git) ResetHard(ctx context.Context, dir, ref string) error {
	_, err := g.run(ctx, dir, "reset", "--hard", ref)
	return err
}

// CleanUntracked removes untracked files and directories, including
// ignored ones, leaving no residue from a failed attempt.
func (g *Git) CleanUntracked(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "clean", "-fdx")
	return err
}

// Merge performs a three-way, non-fast-forward merge of ref into dir's
// current branch. A conflict surfaces as a non-nil error; callers must
// follow with MergeAbort or ResetHard before reusing dir.
func (g *Git) Merge(ctx context.Context, dir, ref, message string) error {
	_, err := g.run(ctx, dir, "merge", "--no-ff", "-m", message, ref)
	return err
}

// MergeAbort aborts an in-progress conflicted merge.
func (g *Git) MergeAbort(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "merge", "--abort")
	return err
}

// RevParse resolves ref to a full commit hash.
func (g *Git) RevParse(ctx context.Context, dir, ref string) (string, error) {
	out, err := g.run(ctx, dir, "rev-parse", ref)
	return strings.TrimSpace(out), err
}

// IsAncestor reports whether ancestor is an ancestor of (or equal to)
// descendant, used for the fast-forward idempotent-resubmit check.
func (g *Git) IsAncestor(ctx context.Context, dir, ancestor, descendant string) (bool, error) {
	_, err := g.run(ctx, dir, "merge-base", "--is-ancestor", ancestor, descendant)
	return err == nil, nil
}

// FastForward moves dir's currently checked-out branch to target, failing
// unless target is a descendant of that branch's current position (enforced
// by passing --ff-only through a merge rather than a raw update-ref).
func (g *Git) FastForward(ctx context.Context, dir, target string) error {
	_, err := g.run(ctx, dir, "merge", "--ff-only", target)
	return err
}

// UpdateRefFastForward moves the branch ref (e.g. "mc/green") in dir to
// target, refusing any non-fast-forward move. Used when the manager needs
// to advance mc/green without first checking it out.
func (g *Git) UpdateRefFastForward(ctx context.Context, dir, ref, target string) error {
	isAncestor, err := g.IsAncestor(ctx, dir, ref, target)
	if err != nil {
		return err
	}
	if !isAncestor {
		return errNotFastForward
	}
	_, err = g.run(ctx, dir, "update-ref", "refs/heads/"+ref, target)
	return err
}

// Push pushes localRef to remote:remoteRef. If force is true it uses a
// force refspec (+localRef:remoteRef), matching the wire-level push-
// tracking-ref contract for refs/mc/green-push.
func (g *Git) Push(ctx context.Context, dir, remote, localRef, remoteRef string, force bool) error {
	spec := localRef + ":" + remoteRef
	if force {
		spec = "+" + spec
	}
	_, err := g.run(ctx, dir, "push", remote, spec)
	return err
}

// Fetch fetches refspec from remote into dir.
func (g *Git) Fetch(ctx context.Context, dir, remote, refspec string) error {
	args := []string{"fetch", remote}
	if refspec != "" {
		args = append(args, refspec)
	}
	_, err := g.run(ctx, dir, args...)
	return err
}

// RemoteAdd registers a remote named name pointing at url in dir.
func (g *Git) RemoteAdd(ctx context.Context, dir, name, url string) error {
	_, err := g.run(ctx, dir, "remote", "add", name, url)
	return err
}

// RemoteRemove unregisters remote name in dir. Errors are expected (and
// ignored by callers) when the remote was never added due to an earlier
// failure, so this simply reports the raw result.
func (g *Git) RemoteRemove(ctx context.Context, dir, name string) error {
	_, err := g.run(ctx, dir, "remote", "remove", name)
	return err
}

// Rebase replays branch onto onto in dir. A conflict surfaces as a non-nil
// error; callers must follow with RebaseAbort before reusing dir.
func (g *Git) Rebase(ctx context.Context, dir, onto, branch string) error {
	_, err := g.run(ctx, dir, "rebase", onto, branch)
	return err
}

// RebaseAbort aborts an in-progress conflicted rebase.
func (g *Git) RebaseAbort(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "rebase", "--abort")
	return err
}

// BranchCreate creates branch name at startPoint, replacing it if it already
// exists (mirrors the teacher's branch -D-then-create idiom for disposable
// working branches like fixup candidates and rebase scratch branches).
func (g *Git) BranchCreate(ctx context.Context, dir, name, startPoint string) error {
	_, _ = g.run(ctx, dir, "branch", "-D", name)
	_, err := g.run(ctx, dir, "branch", name, startPoint)
	return err
}

// BranchDelete force-deletes branch name in dir.
func (g *Git) BranchDelete(ctx context.Context, dir, name string) error {
	_, err := g.run(ctx, dir, "branch", "-D", name)
	return err
}

// CheckoutNew creates and checks out a new branch name at the current HEAD.
func (g *Git) CheckoutNew(ctx context.Context, dir, name string) error {
	_, _ = g.run(ctx, dir, "branch", "-D", name)
	_, err := g.run(ctx, dir, "checkout", "-b", name)
	return err
}

// Revert reverts commit in dir, passing -m 1 so merge commits revert cleanly
// against their first parent.
func (g *Git) Revert(ctx context.Context, dir, commit string) error {
	_, err := g.run(ctx, dir, "revert", "--no-edit", "-m", "1", commit)
	return err
}

// DiffStat returns the `git diff --stat` summary between from and to, used
// to size a fixup candidate's patch.
func (g *Git) DiffStat(ctx context.Context, dir, from, to string) (string, error) {
	return g.run(ctx, dir, "diff", "--stat", from, to)
}

// DiffNameOnly lists files changed between from and to.
func (g *Git) DiffNameOnly(ctx context.Context, dir, from, to string) ([]string, error) {
	out, err := g.run(ctx, dir, "diff", "--name-only", from, to)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// Diff returns the unified diff between from and to, used by the diff
// reviewer.
func (g *Git) Diff(ctx context.Context, dir, from, to string) (string, error) {
	return g.run(ctx, dir, "diff", from, to)
}

// RemoteDiverged reports whether remote's ref has commits not present on
// dir's local ref, used by the auto_push_policy=abort/merge decision.
func (g *Git) RemoteDiverged(ctx context.Context, dir, localRef, remoteRef string) (bool, error) {
	// A remote ref that does not exist yet has nothing to diverge from.
	if _, err := g.RevParse(ctx, dir, remoteRef); err != nil {
		return false, nil
	}
	isAncestor, err := g.IsAncestor(ctx, dir, remoteRef, localRef)
	if err != nil {
		return false, nil
	}
	return !isAncestor, nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

type gitError string

func (e gitError) Error() string { return string(e) }

const errNotFastForward = gitError("refusing non-fast-forward ref update")
