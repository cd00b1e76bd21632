package controller

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"missionctl/internal/breaker"
	"missionctl/internal/budget"
	"missionctl/internal/greenbranch"
	"missionctl/internal/mergequeue"
	"missionctl/internal/model"
	"missionctl/internal/review"
	"missionctl/internal/store"
	"missionctl/internal/vcsgit"
	"missionctl/internal/workspace"
)

// fakeGitRunner answers the small set of git invocations the controller and
// green-branch manager make against a fresh integration workspace, without
// touching a real filesystem or spawning a process.
type fakeGitRunner struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeGitRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name+" "+fmt.Sprint(args))
	f.mu.Unlock()

	if name != "git" || len(args) == 0 {
		return "", nil
	}
	switch args[0] {
	case "rev-parse":
		return "deadbeef", nil
	case "merge-base":
		return "", nil // treat every branch as an ancestor: fast-forward path
	default:
		return "ok", nil
	}
}

// fakeBackend dispatches every unit successfully unless told to fail it by
// unit ID, recording each call for assertions on dispatch order.
type fakeBackend struct {
	mu       sync.Mutex
	fail     map[string]bool
	dispatch []string
}

func (b *fakeBackend) Dispatch(ctx context.Context, unit model.WorkUnit, ws string) (model.ResultEnvelope, error) {
	b.mu.Lock()
	b.dispatch = append(b.dispatch, unit.ID)
	shouldFail := b.fail[unit.ID]
	b.mu.Unlock()

	if shouldFail {
		return model.ResultEnvelope{ExitStatus: 1, ErrorKind: model.ErrorContent}, nil
	}
	return model.ResultEnvelope{
		ExitStatus: 0,
		BranchRef:  "feature/" + unit.ID,
		CostUSD:    0.01,
	}, nil
}

func (b *fakeBackend) dispatchOrder() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.dispatch...)
}

func newTestController(t *testing.T, planner Planner, backend *fakeBackend, opts Options) (*Controller, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sourcePath := t.TempDir()
	runner := &fakeGitRunner{}
	git := vcsgit.New(runner)
	pool := workspace.New(workspace.Options{
		SourcePath: sourcePath,
		BaseBranch: "main",
		GreenRef:   "mc/green",
		BaseDir:    t.TempDir(),
		MaxClones:  4,
		Git:        git,
	})
	breakers := breaker.NewSet(3, time.Minute)
	emaBudget := budget.New()
	queue := mergequeue.New()
	reviewer := review.New(runner, review.Config{})
	green := greenbranch.New(greenbranch.Config{
		WorkingRef:          "mc/working",
		GreenRef:            "mc/green",
		VerificationCommand: "",
		FixupMaxAttempts:    1,
		FixupCandidates:     1,
	}, git, runner, pool, breakers, reviewer, backend)

	opts.IntegrationDir = t.TempDir()
	opts.SourcePath = sourcePath
	opts.BaseBranch = "main"
	opts.Sleep = func(time.Duration) {}
	opts.Now = time.Now

	c := New(st, pool, breakers, emaBudget, queue, green, backend, planner, git, opts)
	return c, st
}

func unit(id string, deps ...string) model.WorkUnit {
	return model.WorkUnit{ID: id, Description: id, DependsOn: deps}
}

func TestControllerDispatchesUnitsInDependencyOrder(t *testing.T) {
	var planned bool
	planner := PlannerFunc(func(ctx context.Context, req PlanRequest) ([]model.WorkUnit, error) {
		if planned {
			return nil, nil
		}
		planned = true
		return []model.WorkUnit{
			unit("a"),
			unit("b", "a"),
			unit("c", "b"),
		}, nil
	})

	backend := &fakeBackend{fail: map[string]bool{}}
	c, _ := newTestController(t, planner, backend, Options{
		NumWorkers:       3,
		MaxUnitsPerEpoch: 8,
		MinAmbitionScore: 0,
		StallThreshold:   1,
	})

	mission, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if mission.StopReason != model.StopStalled {
		t.Fatalf("expected stall once the planner runs dry, got %q", mission.StopReason)
	}

	order := backend.dispatchOrder()
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] >= pos["b"] || pos["b"] >= pos["c"] {
		t.Fatalf("expected dependency order a,b,c; got %v", order)
	}
}

func TestControllerCascadeCancelsDependentsOfAFailedUnit(t *testing.T) {
	var planned bool
	planner := PlannerFunc(func(ctx context.Context, req PlanRequest) ([]model.WorkUnit, error) {
		if planned {
			return nil, nil
		}
		planned = true
		return []model.WorkUnit{
			unit("a"),
			unit("b", "a"),
		}, nil
	})

	backend := &fakeBackend{fail: map[string]bool{"a": true}}
	c, _ := newTestController(t, planner, backend, Options{
		NumWorkers:       2,
		MaxUnitsPerEpoch: 8,
		MinAmbitionScore: 0,
		StallThreshold:   1,
	})

	mission, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if mission.StopReason != model.StopRepeatedTotalFailure && mission.StopReason != model.StopStalled {
		t.Fatalf("expected the mission to terminate cleanly, got %q", mission.StopReason)
	}

	order := backend.dispatchOrder()
	for _, id := range order {
		if id == "b" {
			t.Fatalf("expected b to be cascade-canceled without ever dispatching, got order %v", order)
		}
	}
}

func TestControllerStopsOnRepeatedTotalFailure(t *testing.T) {
	epochN := 0
	planner := PlannerFunc(func(ctx context.Context, req PlanRequest) ([]model.WorkUnit, error) {
		epochN++
		if epochN > 5 {
			return nil, nil
		}
		return []model.WorkUnit{unit(fmt.Sprintf("u%d", epochN))}, nil
	})

	backend := &fakeBackend{fail: map[string]bool{"u1": true, "u2": true, "u3": true, "u4": true, "u5": true}}
	c, _ := newTestController(t, planner, backend, Options{
		NumWorkers:             1,
		MaxUnitsPerEpoch:       1,
		MinAmbitionScore:       0,
		MaxConsecutiveFailures: 3,
		StallThreshold:         100,
	})

	mission, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if mission.StopReason != model.StopRepeatedTotalFailure {
		t.Fatalf("expected repeated_total_failure, got %q", mission.StopReason)
	}
	if mission.Status != model.MissionFailed {
		t.Fatalf("expected mission status failed, got %q", mission.Status)
	}
}

func TestControllerResizeChangesLivePermitCapacity(t *testing.T) {
	planner := PlannerFunc(func(ctx context.Context, req PlanRequest) ([]model.WorkUnit, error) {
		return nil, nil
	})
	backend := &fakeBackend{}
	c, _ := newTestController(t, planner, backend, Options{NumWorkers: 2})

	if got := c.permits.Capacity(); got != 2 {
		t.Fatalf("expected initial capacity 2, got %d", got)
	}
	c.Resize(5)
	if got := c.permits.Capacity(); got != 5 {
		t.Fatalf("expected resized capacity 5, got %d", got)
	}
}

func TestControllerStopsOnCostBudget(t *testing.T) {
	planner := PlannerFunc(func(ctx context.Context, req PlanRequest) ([]model.WorkUnit, error) {
		return []model.WorkUnit{unit(model.NewID())}, nil
	})
	backend := &fakeBackend{}
	c, _ := newTestController(t, planner, backend, Options{
		NumWorkers:       1,
		MaxUnitsPerEpoch: 1,
		BudgetUSD:        0.02,
		MinAmbitionScore: 0,
		StallThreshold:   100,
	})

	mission, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if mission.StopReason != model.StopCostBudget {
		t.Fatalf("expected cost_budget, got %q", mission.StopReason)
	}
}

func TestPermitPoolResizeAndAcquireRelease(t *testing.T) {
	p := NewPermitPool(1)
	done := make(chan struct{})

	if !p.Acquire(done) {
		t.Fatalf("expected first acquire to succeed")
	}

	acquired := make(chan bool, 1)
	go func() { acquired <- p.Acquire(done) }()

	select {
	case <-acquired:
		t.Fatalf("second acquire should have blocked at capacity 1")
	case <-time.After(20 * time.Millisecond):
	}

	p.Resize(2)
	select {
	case ok := <-acquired:
		if !ok {
			t.Fatalf("expected resized acquire to succeed")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for resize to unblock acquire")
	}

	if held := p.Held(); held != 2 {
		t.Fatalf("expected 2 held permits, got %d", held)
	}
	p.Release()
	p.Release()
	if held := p.Held(); held != 0 {
		t.Fatalf("expected 0 held permits after release, got %d", held)
	}
}

func TestPermitPoolCloseUnblocksWaiters(t *testing.T) {
	p := NewPermitPool(1)
	if !p.Acquire(nil) {
		t.Fatalf("expected first acquire to succeed")
	}

	result := make(chan bool, 1)
	go func() { result <- p.Acquire(nil) }()
	time.Sleep(10 * time.Millisecond)
	p.Close()

	select {
	case ok := <-result:
		if ok {
			t.Fatalf("expected acquire on a closed pool to fail")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for close to unblock acquire")
	}
}

func TestAmbitionScoreRewardsScopeAndDiversity(t *testing.T) {
	empty := AmbitionScore(nil)
	if empty != 0 {
		t.Fatalf("expected empty plan to score 0, got %f", empty)
	}

	narrow := AmbitionScore([]model.WorkUnit{
		{ID: "a", FilesHint: []string{"x.go"}, SpecialistTag: "backend"},
	})
	broad := AmbitionScore([]model.WorkUnit{
		{ID: "a", FilesHint: []string{"x.go"}, SpecialistTag: "backend"},
		{ID: "b", FilesHint: []string{"y.go"}, SpecialistTag: "frontend", DependsOn: []string{"a"}},
		{ID: "c", FilesHint: []string{"z.go"}, SpecialistTag: "infra", DependsOn: []string{"a", "b"}},
	})
	if broad <= narrow {
		t.Fatalf("expected a broader, more diverse plan to score higher: narrow=%f broad=%f", narrow, broad)
	}
	if broad > 1 || narrow < 0 {
		t.Fatalf("expected scores clamped to [0,1]: narrow=%f broad=%f", narrow, broad)
	}
}

func TestCurateDiscoveriesDedupesAndTruncates(t *testing.T) {
	items := []model.ContextItem{
		{Content: "found a race in the merge path"},
		{Content: "found a race in the merge path"},
		{Content: "cache invalidation needs a TTL"},
	}
	out := curateDiscoveries(items, 1000)
	if len(out) != 2 {
		t.Fatalf("expected duplicates collapsed, got %v", out)
	}

	truncated := curateDiscoveries(items, 10)
	if len(truncated) != 0 {
		t.Fatalf("expected nothing to fit under a 10-char cap, got %v", truncated)
	}
}

func TestParseSignalLine(t *testing.T) {
	cases := []struct {
		line    string
		want    Signal
		wantErr bool
	}{
		{line: "stop", want: Signal{Kind: SignalStop}},
		{line: "retry u42", want: Signal{Kind: SignalRetry, UnitID: "u42"}},
		{line: "adjust num_workers=6", want: Signal{Kind: SignalAdjust, Value: 6}},
		{line: "retry", wantErr: true},
		{line: "adjust num_workers=notanumber", wantErr: true},
		{line: "bogus", wantErr: true},
	}
	for _, tc := range cases {
		got, err := parseSignalLine(tc.line)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseSignalLine(%q): expected error", tc.line)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseSignalLine(%q): unexpected error: %v", tc.line, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseSignalLine(%q) = %+v, want %+v", tc.line, got, tc.want)
		}
	}
}

func TestApplyBacklogStalenessDropsAgedAndOverlappingUnits(t *testing.T) {
	c, _ := newTestController(t, PlannerFunc(func(ctx context.Context, req PlanRequest) ([]model.WorkUnit, error) {
		return nil, nil
	}), &fakeBackend{}, Options{BacklogMaxAgeSeconds: 60})

	c.recordMergedFiles([]string{"pkg/a.go", "pkg/b.go"})

	aged := unit("aged")
	aged.QueuedAt = c.opts.Now().Add(-time.Hour)

	overlapping := unit("overlapping")
	overlapping.FilesHint = []string{"pkg/a.go", "pkg/b.go", "pkg/c.go"} // 2/3 > 0.5 overlap

	fresh := unit("fresh")
	fresh.QueuedAt = c.opts.Now()
	fresh.FilesHint = []string{"pkg/z.go"}

	got, stale := c.applyBacklogStaleness([]model.WorkUnit{aged, overlapping, fresh})

	if len(got) != 1 || got[0].ID != "fresh" {
		t.Fatalf("expected only the fresh unit to survive, got %+v", got)
	}
	if len(stale) != 2 {
		t.Fatalf("expected 2 stale units, got %d", len(stale))
	}
	for _, u := range stale {
		if u.State != model.UnitStale {
			t.Errorf("expected dropped unit %s to be marked stale, got %q", u.ID, u.State)
		}
		if u.LastFailureReason == "" {
			t.Errorf("expected dropped unit %s to carry a staleness reason", u.ID)
		}
	}
}

func TestApplyBacklogStalenessKeepsEverythingWithNoAgeLimitOrOverlap(t *testing.T) {
	c, _ := newTestController(t, PlannerFunc(func(ctx context.Context, req PlanRequest) ([]model.WorkUnit, error) {
		return nil, nil
	}), &fakeBackend{}, Options{})

	old := unit("old")
	old.QueuedAt = c.opts.Now().Add(-365 * 24 * time.Hour)

	got, stale := c.applyBacklogStaleness([]model.WorkUnit{old})
	if len(got) != 1 || len(stale) != 0 {
		t.Fatalf("expected age check disabled with BacklogMaxAgeSeconds=0, got fresh=%d stale=%d", len(got), len(stale))
	}
}

func TestControllerStopsOnCostBudgetProjectedAheadOfRawSpend(t *testing.T) {
	planner := PlannerFunc(func(ctx context.Context, req PlanRequest) ([]model.WorkUnit, error) {
		return []model.WorkUnit{unit(model.NewID())}, nil
	})
	backend := &fakeBackend{}
	c, _ := newTestController(t, planner, backend, Options{
		NumWorkers:       1,
		MaxUnitsPerEpoch: 4,
		BudgetUSD:        0.1,
		MinAmbitionScore: 0,
		StallThreshold:   100,
	})

	// Each epoch spends a fixed 0.01, so raw spend alone would only trip
	// StopCostBudget once TotalCostUSD reaches 0.1 at epoch 10. Once the EMA
	// has enough samples, projecting MaxUnitsPerEpoch=4 more units ahead
	// pushes the projected total over budget earlier than that.
	mission, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if mission.StopReason != model.StopCostBudget {
		t.Fatalf("expected cost_budget, got %q", mission.StopReason)
	}
	if mission.TotalCostUSD >= mission.BudgetUSD {
		t.Fatalf("expected the projected stop gate to trip before raw spend reached budget, spent=%.4f", mission.TotalCostUSD)
	}
}

func TestReadSignalsTruncatesFileAfterReading(t *testing.T) {
	path := t.TempDir() + "/signals"
	if err := os.WriteFile(path, []byte("stop\nretry u1\n"), 0o644); err != nil {
		t.Fatalf("write signal file: %v", err)
	}

	signals, err := readSignals(path)
	if err != nil {
		t.Fatalf("readSignals: %v", err)
	}
	if len(signals) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(signals))
	}

	again, err := readSignals(path)
	if err != nil {
		t.Fatalf("readSignals (second read): %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected signal file to be consumed, got %v", again)
	}
}
