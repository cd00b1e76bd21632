// Package vcsgit wraps the git command-line plumbing used by the workspace
// pool and the green-branch manager: clone, fetch, merge, reset, checkout,
// and push. It follows the teacher's adapter-over-a-runner-interface style
// (a thin wrapper around a swappable command runner) so tests can substitute
// a fake runner instead of invoking a real git binary.
package vcsgit

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandRunner executes a command in dir and returns combined stdout.
// Production code uses execRunner (os/exec); tests substitute a fake.
type CommandRunner interface {
	Run(ctx context.Context, dir string, name string, args ...string) (string, error)
}

// execRunner shells out to the real binary on PATH.
type execRunner struct{}

// NewExecRunner returns a CommandRunner backed by os/exec.
func NewExecRunner() CommandRunner { return execRunner{} }

func (execRunner) Run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// LoggingRunner decorates a CommandRunner, invoking onCommand with the
// command, elapsed time, output, and error after every call.
type LoggingRunner struct {
	Inner     CommandRunner
	OnCommand func(command []string, output string, err error, elapsed time.Duration)
}

func (r LoggingRunner) Run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	start := time.Now()
	out, err := r.Inner.Run(ctx, dir, name, args...)
	if r.OnCommand != nil {
		r.OnCommand(append([]string{name}, args...), out, err, time.Since(start))
	}
	return out, err
}
