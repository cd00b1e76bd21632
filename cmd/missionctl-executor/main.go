// Command missionctl-executor is the distributed counterpart to
// missionctl's local worker.Backend: it registers itself on a nats or redis
// bus, waits for work-unit dispatches addressed to it, runs each one
// through a local subprocess, and publishes the result envelope back to
// whichever Mastermind sent the dispatch.
//
// Its retry policy is driven by an executor pipeline config — the same
// document shape the teacher used for its quality-gate/execute/qc-gate
// pipeline, narrowed here to the one stage this binary actually runs:
// "execute". The other stage names are still accepted but ignored (a
// config written for the fuller pipeline still loads cleanly); only
// execute's retry block is read.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"missionctl/internal/distributed"
	"missionctl/internal/model"
	"missionctl/internal/vcsgit"
	"missionctl/internal/worker"
)

type executorRunConfig struct {
	bus             string
	address         string
	prefix          string
	executorID      string
	command         string
	pipelinePath    string
	dispatchTimeout time.Duration
}

func RunMain(args []string, run func(context.Context, executorRunConfig) error) int {
	fs := flag.NewFlagSet("missionctl-executor", flag.ContinueOnError)
	busBackend := fs.String("bus", "nats", "Distributed bus backend (nats, redis)")
	address := fs.String("address", "", "Bus connection address")
	prefix := fs.String("prefix", "missionctl", "Event subject prefix, must match the mastermind side")
	executorID := fs.String("id", "", "Executor id advertised on registration; derived from the start time when empty")
	command := fs.String("command", "", "Local worker command to run for each dispatched unit (required)")
	pipelinePath := fs.String("pipeline-config", "", "Path to an executor pipeline YAML document providing the execute stage's retry policy")
	dispatchTimeout := fs.Duration("dispatch-timeout", 10*time.Minute, "Per-unit dispatch timeout")
	if err := fs.Parse(args); err != nil {
		return 64
	}
	if *command == "" {
		fmt.Fprintln(os.Stderr, "-command is required")
		return 64
	}

	rc := executorRunConfig{
		bus:             *busBackend,
		address:         *address,
		prefix:          *prefix,
		executorID:      *executorID,
		command:         *command,
		pipelinePath:    *pipelinePath,
		dispatchTimeout: *dispatchTimeout,
	}

	if run == nil {
		run = defaultExecutorRun
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, rc); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "executor:", err)
		return 1
	}
	return 0
}

// retryPolicy is the subset of ExecutorConfigStage.Retry this binary
// applies: attempts capped at MaxAttempts, exponential backoff between
// InitialDelayMs and MaxDelayMs.
type retryPolicy struct {
	maxAttempts int
	initial     time.Duration
	backoffMs   int
	max         time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{maxAttempts: 1}
}

func loadRetryPolicy(path string) (retryPolicy, error) {
	if path == "" {
		return defaultRetryPolicy(), nil
	}
	cfg, err := distributed.LoadExecutorConfig(path)
	if err != nil {
		return retryPolicy{}, fmt.Errorf("load executor pipeline config: %w", err)
	}
	stage, ok := cfg.Pipeline["execute"]
	if !ok {
		return defaultRetryPolicy(), nil
	}
	p := retryPolicy{
		maxAttempts: stage.Retry.MaxAttempts,
		initial:     time.Duration(stage.Retry.InitialDelayMs) * time.Millisecond,
		backoffMs:   stage.Retry.BackoffMs,
		max:         time.Duration(stage.Retry.MaxDelayMs) * time.Millisecond,
	}
	if p.maxAttempts < 1 {
		p.maxAttempts = 1
	}
	return p, nil
}

// delay returns how long to wait after failed attempt n (1-indexed) before
// the next one: initial for n=1, then growing by a factor of
// 1+backoffMs/100 per further attempt, capped at max.
func (p retryPolicy) delay(attempt int) time.Duration {
	if p.initial <= 0 || attempt <= 1 {
		return p.initial
	}
	factor := 1.0 + float64(p.backoffMs)/100.0
	d := float64(p.initial) * math.Pow(factor, float64(attempt-1))
	if p.max > 0 && time.Duration(d) > p.max {
		return p.max
	}
	return time.Duration(d)
}

// retryingBackend wraps a worker.Backend, re-dispatching a unit up to
// policy.maxAttempts times whenever the prior attempt's envelope did not
// succeed, sleeping policy.delay between attempts.
type retryingBackend struct {
	inner  worker.Backend
	policy retryPolicy
	sleep  func(time.Duration)
}

func (b *retryingBackend) Dispatch(ctx context.Context, unit model.WorkUnit, workspace string) (model.ResultEnvelope, error) {
	var envelope model.ResultEnvelope
	var err error
	for attempt := 1; attempt <= b.policy.maxAttempts; attempt++ {
		envelope, err = b.inner.Dispatch(ctx, unit, workspace)
		if err == nil && envelope.Succeeded() {
			return envelope, nil
		}
		if attempt < b.policy.maxAttempts {
			b.sleep(b.policy.delay(attempt))
		}
	}
	return envelope, err
}

func defaultExecutorRun(ctx context.Context, rc executorRunConfig) error {
	policy, err := loadRetryPolicy(rc.pipelinePath)
	if err != nil {
		return err
	}

	var bus distributed.Bus
	switch rc.bus {
	case "redis":
		bus, err = distributed.NewRedisBus(rc.address)
	case "nats", "":
		bus, err = distributed.NewNATSBus(rc.address)
	default:
		return fmt.Errorf("unsupported bus backend %q", rc.bus)
	}
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer bus.Close()

	local := worker.NewLocalBackend(rc.command, nil, rc.dispatchTimeout, vcsgit.NewExecRunner())
	backend := &retryingBackend{inner: local, policy: policy, sleep: time.Sleep}

	w := distributed.NewExecutorWorker(distributed.ExecutorWorkerOptions{
		ID:                rc.executorID,
		Bus:               bus,
		Backend:           backend,
		Subjects:          distributed.DefaultEventSubjects(rc.prefix),
		Capabilities:      []distributed.Capability{distributed.CapabilityImplement},
		HeartbeatInterval: 5 * time.Second,
	})
	return w.Start(ctx)
}

func main() {
	os.Exit(RunMain(os.Args[1:], nil))
}
