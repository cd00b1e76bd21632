// Package config loads the mission configuration from a single YAML
// document, validates it against a JSON Schema before the controller ever
// starts, and exposes it as a typed Config. Invalid configuration is a
// startup error, never a runtime surprise.
package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Duration unmarshal from either a Go duration string ("30s") or a bare
// number of seconds, since the dotted-key contract mixes both spellings
// (`continuous.max_wall_time_seconds` vs `target.verification.timeout`).
type Duration time.Duration

// UnmarshalYAML accepts "30s"-style strings or a bare integer/float number
// of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Tag {
	case "!!str":
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case "!!int":
		var seconds int64
		if err := value.Decode(&seconds); err != nil {
			return err
		}
		*d = Duration(time.Duration(seconds) * time.Second)
	case "!!float":
		var seconds float64
		if err := value.Decode(&seconds); err != nil {
			return err
		}
		*d = Duration(time.Duration(seconds * float64(time.Second)))
	default:
		*d = 0
	}
	return nil
}

// AutoPushPolicy constants mirror internal/greenbranch.AutoPushPolicy; kept
// as plain strings here so the config package has no dependency on the
// green-branch manager.
const (
	PushPolicyAbort = "abort"
	PushPolicyMerge = "merge"
	PushPolicyForce = "force"
)

// WorkerBackendKind enumerates the WorkerBackend implementations §6 names.
type WorkerBackendKind string

const (
	WorkerBackendLocal WorkerBackendKind = "local"
	WorkerBackendNATS  WorkerBackendKind = "nats"
	WorkerBackendRedis WorkerBackendKind = "redis"
)

// Config is the root of the mission's YAML document, one field group per
// dotted-key namespace in SPEC_FULL §6.
type Config struct {
	Target      TargetConfig      `yaml:"target"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Rounds      RoundsConfig      `yaml:"rounds"`
	Continuous  ContinuousConfig  `yaml:"continuous"`
	GreenBranch GreenBranchConfig `yaml:"green_branch"`
	Review      ReviewConfig      `yaml:"review"`
	Degradation DegradationConfig `yaml:"degradation"`
	Worker      WorkerConfig      `yaml:"worker"`
}

type TargetConfig struct {
	Path         string             `yaml:"path"`
	Branch       string             `yaml:"branch"`
	Objective    string             `yaml:"objective"`
	Verification VerificationConfig `yaml:"verification"`
}

type VerificationConfig struct {
	Command string   `yaml:"command"`
	Timeout Duration `yaml:"timeout"`
}

type SchedulerConfig struct {
	Parallel       ParallelConfig `yaml:"parallel"`
	SessionTimeout Duration       `yaml:"session_timeout"`
	Budget         BudgetConfig   `yaml:"budget"`
}

type ParallelConfig struct {
	NumWorkers int    `yaml:"num_workers"`
	PoolDir    string `yaml:"pool_dir"`
}

type BudgetConfig struct {
	MaxPerSessionUSD float64 `yaml:"max_per_session_usd"`
	MaxPerRunUSD     float64 `yaml:"max_per_run_usd"`
}

type RoundsConfig struct {
	MaxRounds      int `yaml:"max_rounds"`
	StallThreshold int `yaml:"stall_threshold"`
}

type ContinuousConfig struct {
	MaxWallTimeSeconds     int      `yaml:"max_wall_time_seconds"`
	MinAmbitionScore       float64  `yaml:"min_ambition_score"`
	MaxReplanAttempts      int      `yaml:"max_replan_attempts"`
	VerifyBeforeMerge      bool     `yaml:"verify_before_merge"`
	BacklogMaxAgeSeconds   int      `yaml:"backlog_max_age_seconds"`
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures"`
	FailureBackoffSeconds  int      `yaml:"failure_backoff_seconds"`
	MaxUnitsPerEpoch       int      `yaml:"max_units_per_epoch"`
	StallThreshold         int      `yaml:"stall_threshold"`
	SignalFile             string   `yaml:"signal_file"`
	SignalPollInterval     Duration `yaml:"signal_poll_interval"`
	CooldownSeconds        int      `yaml:"cooldown_seconds"`
}

type GreenBranchConfig struct {
	AutoPush           bool     `yaml:"auto_push"`
	AutoPushPolicy     string   `yaml:"auto_push_policy"`
	PushBranch         string   `yaml:"push_branch"`
	FixupMaxAttempts   int      `yaml:"fixup_max_attempts"`
	FixupCandidates    int      `yaml:"fixup_candidates"`
	BatchMerge         bool     `yaml:"batch_merge"`
	DeployCommand      string   `yaml:"deploy_command"`
	HealthCheckCommand string   `yaml:"health_check_command"`
	HealthCheckTimeout Duration `yaml:"health_check_timeout"`
}

type ReviewConfig struct {
	GateCompletion         bool `yaml:"gate_completion"`
	MinReviewScore         int  `yaml:"min_review_score"`
	SkipWhenCriteriaPassed bool `yaml:"skip_when_criteria_passed"`
}

type DegradationConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	ResetTimeout     Duration `yaml:"reset_timeout"`
}

type WorkerConfig struct {
	Backend WorkerBackendKind `yaml:"backend"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Timeout Duration          `yaml:"timeout"`
	// Address is the bus connection string for the nats and redis backends
	// (a NATS URL or a Redis address); unused for local.
	Address string `yaml:"address"`
}

// applyDefaults fills in every field §6 implies has a sensible default, so
// a minimal document (just target + worker) is still runnable.
func (c *Config) applyDefaults() {
	if c.Scheduler.Parallel.NumWorkers == 0 {
		c.Scheduler.Parallel.NumWorkers = 2
	}
	if c.Rounds.MaxRounds == 0 {
		c.Rounds.MaxRounds = 50
	}
	if c.Rounds.StallThreshold == 0 {
		c.Rounds.StallThreshold = 3
	}
	if c.Continuous.MinAmbitionScore == 0 {
		c.Continuous.MinAmbitionScore = 0.1
	}
	if c.Continuous.MaxConsecutiveFailures == 0 {
		c.Continuous.MaxConsecutiveFailures = 3
	}
	if c.Continuous.FailureBackoffSeconds == 0 {
		c.Continuous.FailureBackoffSeconds = 30
	}
	if c.Continuous.MaxUnitsPerEpoch == 0 {
		c.Continuous.MaxUnitsPerEpoch = 8
	}
	if c.Continuous.StallThreshold == 0 {
		c.Continuous.StallThreshold = 3
	}
	if c.Continuous.SignalPollInterval == 0 {
		c.Continuous.SignalPollInterval = Duration(2 * time.Second)
	}
	if c.GreenBranch.AutoPushPolicy == "" {
		c.GreenBranch.AutoPushPolicy = PushPolicyAbort
	}
	if c.GreenBranch.FixupMaxAttempts == 0 {
		c.GreenBranch.FixupMaxAttempts = 2
	}
	if c.GreenBranch.FixupCandidates == 0 {
		c.GreenBranch.FixupCandidates = 3
	}
	if c.Review.MinReviewScore == 0 {
		c.Review.MinReviewScore = 1
	}
	if c.Degradation.FailureThreshold == 0 {
		c.Degradation.FailureThreshold = 3
	}
	if c.Degradation.ResetTimeout == 0 {
		c.Degradation.ResetTimeout = Duration(time.Minute)
	}
	if c.Worker.Backend == "" {
		c.Worker.Backend = WorkerBackendLocal
	}
}
