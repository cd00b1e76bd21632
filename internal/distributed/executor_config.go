package distributed

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ExecutorConfig is the pipeline document an executor process reads its
// dispatch retry policy from. missionctl-executor only ever runs one stage
// (execute) of what was once a fuller quality_gate/execute/qc_gate/complete
// pipeline, so this only keeps the shape that stage needs: a document
// written for the fuller pipeline still loads cleanly, its other stage
// entries are simply ignored.
type ExecutorConfig struct {
	Name     string                         `yaml:"name"`
	Backend  string                         `yaml:"backend"`
	Pipeline map[string]ExecutorConfigStage `yaml:"pipeline"`
}

// ExecutorConfigStage is one named pipeline stage. Only Retry is consumed.
type ExecutorConfigStage struct {
	Retry ExecutorConfigRetry `yaml:"retry"`
}

type ExecutorConfigRetry struct {
	MaxAttempts    int `yaml:"max_attempts"`
	InitialDelayMs int `yaml:"initial_delay_ms"`
	BackoffMs      int `yaml:"backoff_ms"`
	MaxDelayMs     int `yaml:"max_delay_ms"`
}

// LoadExecutorConfig reads and parses an executor pipeline document from
// disk. A missing pipeline map or missing execute entry is not an error
// here; the caller falls back to a single-attempt retry policy.
func LoadExecutorConfig(path string) (ExecutorConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return ExecutorConfig{}, fmt.Errorf("cannot read executor config at %q: %w", path, err)
	}
	var cfg ExecutorConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return ExecutorConfig{}, fmt.Errorf("cannot parse executor config at %q: %w", path, err)
	}
	if cfg.Name == "" {
		return ExecutorConfig{}, fmt.Errorf("executor config at %q: name is required", path)
	}
	return cfg, nil
}
