package vcsgit

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

// fakeRunner records every invocation and returns scripted output, mirroring
// the fake command runner used throughout the teacher's test suite.
type fakeRunner struct {
	calls  [][]string
	script map[string]string
	errs   map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{script: map[string]string{}, errs: map[string]error{}}
}

func (r *fakeRunner) key(args []string) string { return strings.Join(args, " ") }

func (r *fakeRunner) Run(_ context.Context, dir string, name string, args ...string) (string, error) {
	full := append([]string{name}, args...)
	r.calls = append(r.calls, full)
	key := r.key(full)
	if err, ok := r.errs[key]; ok {
		return r.script[key], err
	}
	return r.script[key], nil
}

func TestGitCloneSharedInvokesExpectedArgs(t *testing.T) {
	runner := newFakeRunner()
	g := New(runner)

	if err := g.CloneShared(context.Background(), "/src", "/dest", "main"); err != nil {
		t.Fatalf("clone: %v", err)
	}

	want := []string{"git", "clone", "--shared", "--branch", "main", "/src", "/dest"}
	if len(runner.calls) != 1 || strings.Join(runner.calls[0], " ") != strings.Join(want, " ") {
		t.Fatalf("expected call %v, got %v", want, runner.calls)
	}
}

func TestGitIsAncestorTranslatesExitCode(t *testing.T) {
	runner := newFakeRunner()
	runner.errs["git merge-base --is-ancestor abc def"] = fmt.Errorf("exit status 1")
	g := New(runner)

	ok, err := g.IsAncestor(context.Background(), "/repo", "abc", "def")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected false when merge-base --is-ancestor fails")
	}
}

func TestGitUpdateRefFastForwardRejectsNonFastForward(t *testing.T) {
	runner := newFakeRunner()
	runner.errs["git merge-base --is-ancestor mc/green deadbeef"] = fmt.Errorf("not an ancestor")
	g := New(runner)

	err := g.UpdateRefFastForward(context.Background(), "/repo", "mc/green", "deadbeef")
	if err == nil {
		t.Fatalf("expected non-fast-forward rejection")
	}
}

func TestGitUpdateRefFastForwardAllowsAncestor(t *testing.T) {
	runner := newFakeRunner()
	g := New(runner)

	if err := g.UpdateRefFastForward(context.Background(), "/repo", "mc/green", "deadbeef"); err != nil {
		t.Fatalf("expected fast-forward allowed, got %v", err)
	}
	last := runner.calls[len(runner.calls)-1]
	want := []string{"git", "update-ref", "refs/heads/mc/green", "deadbeef"}
	if strings.Join(last, " ") != strings.Join(want, " ") {
		t.Fatalf("expected update-ref call, got %v", last)
	}
}

func TestGitDiffNameOnlySplitsLines(t *testing.T) {
	runner := newFakeRunner()
	runner.script["git diff --name-only a b"] = "src/one.go\nsrc/two.go\n"
	g := New(runner)

	files, err := g.DiffNameOnly(context.Background(), "/repo", "a", "b")
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(files) != 2 || files[0] != "src/one.go" || files[1] != "src/two.go" {
		t.Fatalf("expected 2 files, got %v", files)
	}
}
