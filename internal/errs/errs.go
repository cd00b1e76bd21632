// Package errs implements the five-bucket error taxonomy from the
// error-handling design: transient, content, integrity, budget, and parse
// failures. Callers classify with errors.As instead of string matching.
package errs

import "fmt"

// Transient wraps timeouts, lock contention, and network hiccups. Retried
// with backoff by the caller; recorded on the relevant circuit breaker.
type Transient struct {
	Component string
	Err       error
}

func (e *Transient) Error() string { return fmt.Sprintf("transient[%s]: %v", e.Component, e.Err) }
func (e *Transient) Unwrap() error { return e.Err }

// Content wraps merge conflicts, verification failures, and acceptance
// failures. Escalates to fixup; counts toward per-unit attempts.
type Content struct {
	UnitID string
	Reason string
	Err    error
}

func (e *Content) Error() string {
	return fmt.Sprintf("content[%s]: %s: %v", e.UnitID, e.Reason, e.Err)
}
func (e *Content) Unwrap() error { return e.Err }

// Integrity wraps diverged refs, corrupted workspaces, and store invariant
// violations. Hard-stops the submission and trips the breaker.
type Integrity struct {
	Detail string
	Err    error
}

func (e *Integrity) Error() string { return fmt.Sprintf("integrity: %s: %v", e.Detail, e.Err) }
func (e *Integrity) Unwrap() error { return e.Err }

// Budget wraps cost or wall-time exhaustion. Terminal: the controller exits
// with the corresponding stop reason.
type Budget struct {
	Reason string
}

func (e *Budget) Error() string { return fmt.Sprintf("budget exhausted: %s", e.Reason) }

// Parse wraps a malformed worker envelope or review block. Logged and
// surfaced as a degraded signal; never kills the pipeline.
type Parse struct {
	Source string
	Raw    string
	Err    error
}

func (e *Parse) Error() string { return fmt.Sprintf("parse[%s]: %v", e.Source, e.Err) }
func (e *Parse) Unwrap() error { return e.Err }
