package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseMinimalDocumentAppliesDefaults(t *testing.T) {
	doc := []byte(`
target:
  path: /repo
worker:
  backend: local
  command: run-worker
`)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Target.Path != "/repo" {
		t.Fatalf("expected target.path preserved, got %q", cfg.Target.Path)
	}
	if cfg.Scheduler.Parallel.NumWorkers != 2 {
		t.Fatalf("expected default num_workers=2, got %d", cfg.Scheduler.Parallel.NumWorkers)
	}
	if cfg.GreenBranch.AutoPushPolicy != PushPolicyAbort {
		t.Fatalf("expected default auto_push_policy=abort, got %q", cfg.GreenBranch.AutoPushPolicy)
	}
	if cfg.GreenBranch.FixupMaxAttempts != 2 || cfg.GreenBranch.FixupCandidates != 3 {
		t.Fatalf("expected fixup defaults, got %+v", cfg.GreenBranch)
	}
}

func TestParseMissingRequiredFieldFails(t *testing.T) {
	doc := []byte(`
worker:
  backend: local
`)
	if _, err := Parse(doc); err == nil {
		t.Fatalf("expected error for missing target.path")
	}
}

func TestParseRejectsUnknownAutoPushPolicy(t *testing.T) {
	doc := []byte(`
target:
  path: /repo
worker:
  backend: local
green_branch:
  auto_push_policy: rebase
`)
	_, err := Parse(doc)
	if err == nil {
		t.Fatalf("expected error for invalid auto_push_policy")
	}
	if !strings.Contains(err.Error(), "schema") {
		t.Fatalf("expected a schema validation error, got %v", err)
	}
}

func TestParseRejectsUnknownWorkerBackend(t *testing.T) {
	doc := []byte(`
target:
  path: /repo
worker:
  backend: carrier-pigeon
`)
	if _, err := Parse(doc); err == nil {
		t.Fatalf("expected error for invalid worker.backend")
	}
}

func TestDurationAcceptsStringAndNumericSeconds(t *testing.T) {
	doc := []byte(`
target:
  path: /repo
  verification:
    command: make test
    timeout: 45s
worker:
  backend: local
  timeout: 30
`)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Duration(cfg.Target.Verification.Timeout) != 45*time.Second {
		t.Fatalf("expected 45s, got %v", time.Duration(cfg.Target.Verification.Timeout))
	}
	if time.Duration(cfg.Worker.Timeout) != 30*time.Second {
		t.Fatalf("expected 30s from bare integer, got %v", time.Duration(cfg.Worker.Timeout))
	}
}

func TestParseFullDocumentRoundTrips(t *testing.T) {
	doc := []byte(`
target:
  path: /repo
  branch: main
  verification:
    command: make test
    timeout: 2m
scheduler:
  parallel:
    num_workers: 4
    pool_dir: /tmp/pool
  session_timeout: 10m
  budget:
    max_per_session_usd: 5
    max_per_run_usd: 100
rounds:
  max_rounds: 20
  stall_threshold: 2
continuous:
  max_wall_time_seconds: 3600
  min_ambition_score: 0.2
  max_replan_attempts: 3
  verify_before_merge: true
  backlog_max_age_seconds: 86400
  max_consecutive_failures: 5
  failure_backoff_seconds: 60
green_branch:
  auto_push: true
  auto_push_policy: merge
  push_branch: mc-green
  fixup_max_attempts: 3
  fixup_candidates: 4
  batch_merge: true
  deploy_command: ./deploy.sh
  health_check_command: curl -f http://localhost/health
  health_check_timeout: 30s
review:
  gate_completion: true
  min_review_score: 6
  skip_when_criteria_passed: true
degradation:
  failure_threshold: 5
  reset_timeout: 1m
worker:
  backend: nats
  command: run-worker
  args: ["--flag"]
  timeout: 5m
`)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Scheduler.Parallel.NumWorkers != 4 || cfg.Worker.Backend != WorkerBackendNATS {
		t.Fatalf("expected explicit values preserved, got %+v", cfg)
	}
	if cfg.GreenBranch.AutoPushPolicy != PushPolicyMerge || !cfg.GreenBranch.BatchMerge {
		t.Fatalf("expected green_branch overrides preserved, got %+v", cfg.GreenBranch)
	}
}
