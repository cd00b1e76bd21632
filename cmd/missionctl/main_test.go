package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"missionctl/internal/config"
	"missionctl/internal/model"
)

func writeMinimalConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mission.yaml")
	doc := `
target:
  path: /repo
  branch: main
  objective: ship the thing
worker:
  backend: local
  command: /bin/true
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunMainRequiresConfigFlag(t *testing.T) {
	code := RunMain(nil, func(context.Context, runConfig, config.Config) (model.Mission, error) {
		t.Fatalf("run should not be invoked without -config")
		return model.Mission{}, nil
	})
	if code != 64 {
		t.Fatalf("expected exit code 64 for a missing -config, got %d", code)
	}
}

func TestRunMainRejectsUnreadableConfig(t *testing.T) {
	code := RunMain([]string{"-config", "/does/not/exist.yaml"}, func(context.Context, runConfig, config.Config) (model.Mission, error) {
		t.Fatalf("run should not be invoked when config fails to load")
		return model.Mission{}, nil
	})
	if code != 64 {
		t.Fatalf("expected exit code 64 for an unreadable config, got %d", code)
	}
}

func TestRunMainMapsStopReasonsToExitCodes(t *testing.T) {
	cases := []struct {
		reason model.StopReason
		want   int
	}{
		{model.StopObjectiveMet, 0},
		{model.StopTimeBudget, 0},
		{model.StopCostBudget, 2},
		{model.StopRepeatedTotalFailure, 1},
		{model.StopStalled, 1},
		{model.StopInternalError, 70},
	}
	for _, tc := range cases {
		path := writeMinimalConfig(t)
		code := RunMain([]string{"-config", path}, func(ctx context.Context, rc runConfig, cfg config.Config) (model.Mission, error) {
			return model.Mission{ID: "m1", StopReason: tc.reason}, nil
		})
		if code != tc.want {
			t.Errorf("stop reason %q: expected exit code %d, got %d", tc.reason, tc.want, code)
		}
	}
}

func TestRunMainReturnsSetupExitCodeOnRunError(t *testing.T) {
	path := writeMinimalConfig(t)
	code := RunMain([]string{"-config", path}, func(ctx context.Context, rc runConfig, cfg config.Config) (model.Mission, error) {
		return model.Mission{}, os.ErrNotExist
	})
	if code != 65 {
		t.Fatalf("expected exit code 65 on a run error, got %d", code)
	}
}

func TestRunMainDefaultsIntegrationDirNextToDB(t *testing.T) {
	path := writeMinimalConfig(t)
	var seen runConfig
	code := RunMain([]string{"-config", path, "-db", "/tmp/mission.db"}, func(ctx context.Context, rc runConfig, cfg config.Config) (model.Mission, error) {
		seen = rc
		return model.Mission{StopReason: model.StopObjectiveMet}, nil
	})
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if seen.integrationDir != "/tmp/mission.db.integration" {
		t.Fatalf("expected derived integration dir, got %q", seen.integrationDir)
	}
}
