package greenbranch

import (
	"context"
	"strings"
	"testing"
	"time"

	"missionctl/internal/breaker"
	"missionctl/internal/model"
	"missionctl/internal/vcsgit"
	"missionctl/internal/workspace"
)

type fakeFixupBackend struct {
	envelopes []model.ResultEnvelope
}

func (f *fakeFixupBackend) Dispatch(ctx context.Context, unit model.WorkUnit, ws string) (model.ResultEnvelope, error) {
	for i, variant := range fixupPromptVariants {
		if strings.HasSuffix(unit.Description, variant) && i < len(f.envelopes) {
			return f.envelopes[i], nil
		}
	}
	return model.ResultEnvelope{ErrorKind: model.ErrorContent}, nil
}

func newFixupManager(t *testing.T, runner *fakeGitRunner, backend *fakeFixupBackend, candidates int) *Manager {
	t.Helper()
	git := vcsgit.New(runner)
	pool := workspace.New(workspace.Options{
		SourcePath: "/src",
		BaseBranch: "main",
		BaseDir:    t.TempDir(),
		MaxClones:  candidates,
		Git:        git,
	})
	breakers := breaker.NewSet(3, time.Minute)
	cfg := baseConfig()
	cfg.FixupCandidates = candidates
	return New(cfg, git, runner, pool, breakers, nil, backend)
}

// TestRunFixupSelectsLexicographicWinner encodes the concrete fixup
// tournament scenario: three candidates scored (tests, lint, diff), the
// winner is the one with the most tests passed, ties on tests broken by
// fewer lint errors.
func TestRunFixupSelectsLexicographicWinner(t *testing.T) {
	runner := &fakeGitRunner{
		diffStatByBranch: map[string]string{
			"cand-0": " 3 files changed, 40 insertions(+), 0 deletions(-)",
			"cand-1": " 2 files changed, 18 insertions(+), 2 deletions(-)",
			"cand-2": " 1 file changed, 15 insertions(+), 0 deletions(-)",
		},
	}
	backend := &fakeFixupBackend{envelopes: []model.ResultEnvelope{
		{ErrorKind: model.ErrorNone, BranchRef: "cand-0", MCResult: map[string]string{"tests_passed": "12", "lint_errors": "0"}},
		{ErrorKind: model.ErrorNone, BranchRef: "cand-1", MCResult: map[string]string{"tests_passed": "12", "lint_errors": "2"}},
		{ErrorKind: model.ErrorNone, BranchRef: "cand-2", MCResult: map[string]string{"tests_passed": "11", "lint_errors": "0"}},
	}}
	m := newFixupManager(t, runner, backend, 3)

	winner, err := m.RunFixup(context.Background(), model.WorkUnit{ID: "u1", Description: "do the thing"}, "base", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if winner.BranchRef != "cand-0" {
		t.Fatalf("expected cand-0 (tests=12,lint=0) to win, got %q", winner.BranchRef)
	}
	if winner.DiffLines != 40 {
		t.Fatalf("expected 40 diff lines counted for the winner, got %d", winner.DiffLines)
	}
}

func TestRunFixupReturnsErrorWhenNoCandidateProducesBranch(t *testing.T) {
	runner := &fakeGitRunner{}
	backend := &fakeFixupBackend{envelopes: []model.ResultEnvelope{
		{ErrorKind: model.ErrorContent},
		{ErrorKind: model.ErrorContent},
	}}
	m := newFixupManager(t, runner, backend, 2)

	_, err := m.RunFixup(context.Background(), model.WorkUnit{ID: "u1"}, "base", time.Second)
	if err == nil {
		t.Fatalf("expected an error when every candidate fails")
	}
}

func TestCountDiffLinesSumsInsertionsAndDeletions(t *testing.T) {
	n := countDiffLines(" 4 files changed, 30 insertions(+), 12 deletions(-)")
	if n != 42 {
		t.Fatalf("expected 42, got %d", n)
	}
}

func TestCountDiffLinesHandlesInsertionsOnly(t *testing.T) {
	n := countDiffLines(" 1 file changed, 7 insertions(+)")
	if n != 7 {
		t.Fatalf("expected 7, got %d", n)
	}
}

func TestParseIntFieldDefaultsToZeroOnMissingOrMalformed(t *testing.T) {
	if got := parseIntField(nil, "tests_passed"); got != 0 {
		t.Fatalf("expected 0 for nil map, got %d", got)
	}
	if got := parseIntField(map[string]string{"tests_passed": "not-a-number"}, "tests_passed"); got != 0 {
		t.Fatalf("expected 0 for malformed value, got %d", got)
	}
}
