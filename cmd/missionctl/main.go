// Command missionctl runs one autonomous mission: it loads a YAML mission
// document, wires the store, workspace pool, circuit breakers, budget
// tracker, merge queue, green-branch manager, and worker backend it
// describes, and drives the epoch loop to a terminal stop reason.
//
// The planner, discovery/strategist, and dashboard subsystems are external
// collaborators this binary does not implement; missionctl only consumes a
// Planner and produces the persisted mission record a dashboard would read.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"missionctl/internal/breaker"
	"missionctl/internal/budget"
	"missionctl/internal/config"
	"missionctl/internal/controller"
	"missionctl/internal/distributed"
	"missionctl/internal/greenbranch"
	"missionctl/internal/mergequeue"
	"missionctl/internal/model"
	"missionctl/internal/review"
	"missionctl/internal/store"
	"missionctl/internal/vcsgit"
	"missionctl/internal/worker"
	"missionctl/internal/workspace"
)

type runConfig struct {
	configPath     string
	dbPath         string
	missionID      string
	integrationDir string
}

// RunMain is the testable core of main: it parses flags, wires every
// collaborator from a loaded Config, and hands the assembled Controller to
// run. Exit codes follow the mapping in the external-interfaces contract:
// 0 for a clean stop with progress, 1 for a failure stop, 2 for exhausting
// the cost budget, and 64+ for a setup error the mission never got past.
func RunMain(args []string, run func(context.Context, runConfig, config.Config) (model.Mission, error)) int {
	fs := flag.NewFlagSet("missionctl", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: missionctl -config mission.yaml [options]\n\n")
		fs.PrintDefaults()
	}
	configPath := fs.String("config", "", "Path to the mission YAML document (required)")
	dbPath := fs.String("db", "missionctl.db", "Path to the mission's SQLite state file")
	missionID := fs.String("mission-id", "", "Resume an existing mission id; a new one is generated when empty")
	integrationDir := fs.String("integration-dir", "", "Directory for the shared mc/working+mc/green integration clone (defaults next to -db)")
	if err := fs.Parse(args); err != nil {
		return 64
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "-config is required")
		return 64
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 64
	}

	rc := runConfig{
		configPath:     *configPath,
		dbPath:         *dbPath,
		missionID:      *missionID,
		integrationDir: *integrationDir,
	}
	if rc.integrationDir == "" {
		rc.integrationDir = rc.dbPath + ".integration"
	}

	if run == nil {
		run = defaultRun
	}

	mission, err := run(context.Background(), rc, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mission run:", err)
		return 65
	}

	fmt.Fprintf(os.Stdout, "mission %s stopped: status=%s reason=%s cost_usd=%.4f\n",
		mission.ID, mission.Status, mission.StopReason, mission.TotalCostUSD)
	return exitCodeFor(mission.StopReason)
}

// exitCodeFor maps a terminal StopReason to the process exit code the
// external-interfaces contract specifies.
func exitCodeFor(reason model.StopReason) int {
	switch reason {
	case model.StopObjectiveMet, model.StopTimeBudget:
		return 0
	case model.StopCostBudget:
		return 2
	case model.StopRepeatedTotalFailure, model.StopStalled:
		return 1
	case model.StopInternalError:
		return 70
	default:
		return 0
	}
}

// defaultRun wires every collaborator from cfg and drives one mission to
// completion. It is swapped out in tests so RunMain's flag/exit-code
// handling can be exercised without touching git, sqlite, or a worker
// subprocess.
func defaultRun(ctx context.Context, rc runConfig, cfg config.Config) (model.Mission, error) {
	st, err := store.Open(rc.dbPath)
	if err != nil {
		return model.Mission{}, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	runner := vcsgit.NewExecRunner()
	git := vcsgit.New(runner)

	// Worker clones share objects with the integration clone (not the
	// pristine target repo) and check out mc/green directly, so a unit whose
	// dependency has already been promoted this mission sees that promotion
	// in its own workspace instead of starting from the mission's original
	// base commit every time.
	pool := workspace.New(workspace.Options{
		SourcePath: rc.integrationDir,
		BaseBranch: "mc/green",
		GreenRef:   "mc/green",
		BaseDir:    cfg.Scheduler.Parallel.PoolDir,
		MaxClones:  cfg.Scheduler.Parallel.NumWorkers,
		Git:        git,
	})

	breakers := breaker.NewSet(cfg.Degradation.FailureThreshold, time.Duration(cfg.Degradation.ResetTimeout))
	emaBudget := budget.New()
	queue := mergequeue.New()
	reviewer := review.New(runner, review.Config{
		Enabled: cfg.Review.GateCompletion,
		Timeout: time.Duration(cfg.Target.Verification.Timeout),
	})

	backend, err := newWorkerBackend(cfg, runner)
	if err != nil {
		return model.Mission{}, fmt.Errorf("build worker backend: %w", err)
	}

	green := greenbranch.New(greenbranch.Config{
		WorkingRef:                   "mc/working",
		GreenRef:                     "mc/green",
		PushBranch:                   cfg.GreenBranch.PushBranch,
		VerificationCommand:          cfg.Target.Verification.Command,
		VerifyTimeout:                time.Duration(cfg.Target.Verification.Timeout),
		AutoPush:                     cfg.GreenBranch.AutoPush,
		AutoPushPolicy:               greenbranch.AutoPushPolicy(cfg.GreenBranch.AutoPushPolicy),
		FixupMaxAttempts:             cfg.GreenBranch.FixupMaxAttempts,
		FixupCandidates:              cfg.GreenBranch.FixupCandidates,
		BatchMerge:                   cfg.GreenBranch.BatchMerge,
		DeployCommand:                cfg.GreenBranch.DeployCommand,
		HealthCheckCommand:           cfg.GreenBranch.HealthCheckCommand,
		HealthCheckTimeout:           time.Duration(cfg.GreenBranch.HealthCheckTimeout),
		SkipReviewWhenCriteriaPassed: cfg.Review.SkipWhenCriteriaPassed,
	}, git, runner, pool, breakers, reviewer, backend)
	green.OnReview(func(rec model.ReviewRecord) {
		_ = st.UpsertReviewRecord(ctx, rec)
	})

	planner := backlogPlanner(st)

	opts := controller.Options{
		MissionID:               rc.missionID,
		Objective:                cfg.Target.Objective,
		VerificationCommand:      cfg.Target.Verification.Command,
		BudgetUSD:                cfg.Scheduler.Budget.MaxPerRunUSD,
		WallTimeBudget:           time.Duration(cfg.Continuous.MaxWallTimeSeconds) * time.Second,
		NumWorkers:               cfg.Scheduler.Parallel.NumWorkers,
		MaxUnitsPerEpoch:         cfg.Continuous.MaxUnitsPerEpoch,
		MinAmbitionScore:         cfg.Continuous.MinAmbitionScore,
		MaxReplanAttempts:        cfg.Continuous.MaxReplanAttempts,
		BacklogMaxAgeSeconds:     cfg.Continuous.BacklogMaxAgeSeconds,
		MaxConsecutiveFailures:   cfg.Continuous.MaxConsecutiveFailures,
		FailureBackoffSeconds:    cfg.Continuous.FailureBackoffSeconds,
		StallThreshold:           cfg.Continuous.StallThreshold,
		SignalFile:               cfg.Continuous.SignalFile,
		SignalPollInterval:       time.Duration(cfg.Continuous.SignalPollInterval),
		CooldownSeconds:          cfg.Continuous.CooldownSeconds,
		WorkspaceAcquireTimeout:  time.Duration(cfg.Scheduler.SessionTimeout),
		IntegrationDir:           rc.integrationDir,
		SourcePath:               cfg.Target.Path,
		BaseBranch:               cfg.Target.Branch,
	}
	if cfg.Continuous.VerifyBeforeMerge && cfg.Target.Verification.Command != "" {
		opts.Verify = func(ctx context.Context) (bool, error) {
			_, err := runner.Run(ctx, cfg.Target.Path, "sh", "-c", cfg.Target.Verification.Command)
			return err == nil, nil
		}
	}

	c := controller.New(st, pool, breakers, emaBudget, queue, green, backend, planner, git, opts)
	return c.Run(ctx)
}

// newWorkerBackend selects and constructs the WorkerBackend the
// worker.backend config key names.
func newWorkerBackend(cfg config.Config, runner vcsgit.CommandRunner) (worker.Backend, error) {
	switch cfg.Worker.Backend {
	case config.WorkerBackendLocal, "":
		return worker.NewLocalBackend(cfg.Worker.Command, cfg.Worker.Args, time.Duration(cfg.Worker.Timeout), runner), nil
	case config.WorkerBackendNATS:
		bus, err := distributed.NewNATSBus(cfg.Worker.Address)
		if err != nil {
			return nil, fmt.Errorf("connect nats bus: %w", err)
		}
		return newMastermind(bus, cfg), nil
	case config.WorkerBackendRedis:
		bus, err := distributed.NewRedisBus(cfg.Worker.Address)
		if err != nil {
			return nil, fmt.Errorf("connect redis bus: %w", err)
		}
		return newMastermind(bus, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported worker backend %q", cfg.Worker.Backend)
	}
}

func newMastermind(bus distributed.Bus, cfg config.Config) *distributed.Mastermind {
	return distributed.NewMastermind(distributed.MastermindOptions{
		ID:             "missionctl",
		Bus:            bus,
		Subjects:       distributed.DefaultEventSubjects("missionctl"),
		RegistryTTL:    30 * time.Second,
		RequestTimeout: time.Duration(cfg.Worker.Timeout),
	})
}

// backlogPlanner is the default Planner: a real discovery/strategist
// subsystem is out of scope for this binary, so in its absence each epoch
// simply pulls the highest-scored pending backlog items straight off the
// store. Anything more capable is expected to satisfy controller.Planner
// itself and be wired in from defaultRun instead.
func backlogPlanner(st *store.Store) controller.Planner {
	return controller.PlannerFunc(func(ctx context.Context, req controller.PlanRequest) ([]model.WorkUnit, error) {
		items, err := st.TopBacklogItems(ctx, req.MaxUnits)
		if err != nil {
			return nil, fmt.Errorf("load backlog: %w", err)
		}
		units := make([]model.WorkUnit, 0, len(items))
		for _, item := range items {
			units = append(units, model.WorkUnit{
				ID:          model.NewID(),
				Description: item.Description,
				QueuedAt:    item.Staleness,
			})
		}
		return units, nil
	})
}

func main() {
	os.Exit(RunMain(os.Args[1:], nil))
}
