// Package worker implements the pluggable WorkerBackend boundary: the
// interface the controller dispatches WorkUnits through, the MC_RESULT
// envelope parser every backend shares, and LocalBackend, the subprocess
// implementation. It is grounded on the teacher's
// internal/codingagents/command_adapter.go (line-buffered capture, a
// timeout-bounded subprocess, placeholder substitution in argv) adapted to
// the WorkUnit/ResultEnvelope domain instead of the teacher's generic
// coding-agent request/result contract.
package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"missionctl/internal/model"
	"missionctl/internal/vcsgit"
)

// Backend dispatches a WorkUnit into a worker process bound to workspace and
// returns its parsed ResultEnvelope. Implementations must never block past
// their configured timeout and must always return a ResultEnvelope (possibly
// with ErrorKind set) rather than leaving the caller to infer failure from a
// non-nil error alone; a non-nil error indicates the backend itself could
// not be invoked (e.g. binary not found), not that the unit's work failed.
type Backend interface {
	Dispatch(ctx context.Context, unit model.WorkUnit, workspace string) (model.ResultEnvelope, error)
}

// LocalBackend runs a configured CLI command as a subprocess per WorkUnit,
// the worker.backend=local case from the external-interfaces contract.
type LocalBackend struct {
	Command string
	Args    []string
	Timeout time.Duration
	runner  vcsgit.CommandRunner
}

// NewLocalBackend constructs a LocalBackend. A nil runner uses the real
// exec.Command-backed one.
func NewLocalBackend(command string, args []string, timeout time.Duration, runner vcsgit.CommandRunner) *LocalBackend {
	if runner == nil {
		runner = vcsgit.NewExecRunner()
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &LocalBackend{Command: command, Args: args, Timeout: timeout, runner: runner}
}

// Dispatch runs the configured command in workspace, substituting
// {{unit_id}}, {{description}}, and {{workspace}} placeholders into argv,
// and parses its stdout as an MC_RESULT envelope.
func (b *LocalBackend) Dispatch(ctx context.Context, unit model.WorkUnit, workspace string) (model.ResultEnvelope, error) {
	if strings.TrimSpace(b.Command) == "" {
		return model.ResultEnvelope{}, fmt.Errorf("local backend: no command configured")
	}

	runCtx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	args := resolveArgs(b.Args, unit, workspace)
	output, err := b.runner.Run(runCtx, workspace, b.Command, args...)
	if err != nil && runCtx.Err() != nil {
		return model.ResultEnvelope{
			ErrorKind: model.ErrorTransient,
			Summary:   fmt.Sprintf("worker timed out after %s", b.Timeout),
			RawStdout: output,
		}, nil
	}
	if err != nil {
		// The process ran and exited non-zero; let the envelope parser
		// decide the error kind from whatever it printed before failing.
		return ParseResultEnvelope(output), nil
	}

	return ParseResultEnvelope(output), nil
}

func resolveArgs(raw []string, unit model.WorkUnit, workspace string) []string {
	out := make([]string, 0, len(raw))
	replacements := map[string]string{
		"{{unit_id}}":     unit.ID,
		"{{description}}": unit.Description,
		"{{workspace}}":   workspace,
	}
	for _, arg := range raw {
		for placeholder, value := range replacements {
			arg = strings.ReplaceAll(arg, placeholder, value)
		}
		out = append(out, arg)
	}
	return out
}
