package model

import "time"

// ErrorKind classifies a ResultEnvelope failure for the error taxonomy in
// the error-handling design: transient/content/integrity/budget/parse.
type ErrorKind string

const (
	ErrorNone         ErrorKind = ""
	ErrorTransient    ErrorKind = "transient"
	ErrorContent      ErrorKind = "content"
	ErrorIntegrity    ErrorKind = "integrity"
	ErrorBudget       ErrorKind = "budget"
	ErrorParseFailure ErrorKind = "parse_failure"
)

// ResultEnvelope is the worker's structured output, parsed from its stdout
// MC_RESULT block (see internal/worker for the parser).
type ResultEnvelope struct {
	ExitStatus    int
	FilesChanged  []string
	Summary       string
	CostUSD       float64
	Tokens        int
	BranchRef     string
	MCResult      map[string]string
	Discoveries   []string
	ContextItems  []string
	ErrorKind     ErrorKind
	RawStdout     string
}

// Succeeded reports whether the worker completed with no error kind and a
// zero exit status.
func (r ResultEnvelope) Succeeded() bool {
	return r.ErrorKind == ErrorNone && r.ExitStatus == 0
}

// MergeSubmission is enqueued by the controller and dequeued by the
// GreenBranchManager in submission order.
type MergeSubmission struct {
	UnitID       string
	BranchRef    string
	Result       ResultEnvelope
	SubmittedAt  time.Time
	Priority     int
}

// ReviewRecord is the DiffReviewer's post-promotion quality assessment.
// Absence never blocks progress.
type ReviewRecord struct {
	UnitID    string
	Alignment int
	Approach  int
	Tests     int
	Notes     string
	Parsed    bool
}
