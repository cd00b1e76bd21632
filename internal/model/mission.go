// Package model defines the persistent data types shared by the controller,
// the green-branch manager, and the store: missions, epochs, work units,
// backlog items, merge submissions, result envelopes, and review records.
package model

import "time"

// MissionStatus is the terminal/non-terminal status of a Mission.
type MissionStatus string

const (
	MissionRunning   MissionStatus = "running"
	MissionCompleted MissionStatus = "completed"
	MissionStopped   MissionStatus = "stopped"
	MissionFailed    MissionStatus = "failed"
)

// StopReason explains why a mission stopped, surfaced in the exit code mapping.
type StopReason string

const (
	StopNone                  StopReason = ""
	StopObjectiveMet          StopReason = "objective_met"
	StopTimeBudget            StopReason = "time_budget"
	StopCostBudget            StopReason = "cost_budget"
	StopRepeatedTotalFailure  StopReason = "repeated_total_failure"
	StopStalled               StopReason = "stalled"
	StopInternalError         StopReason = "internal_error"
)

// Mission is the top-level run. It is created once by the controller and
// mutated only by the controller; all other components read it.
type Mission struct {
	ID                   string
	Objective            string
	VerificationCommand  string
	BudgetUSD            float64
	WallTimeBudget       time.Duration
	StartedAt            time.Time
	Status               MissionStatus
	StopReason           StopReason
	TotalCostUSD         float64
}

// Epoch is one plan-dispatch-merge-feedback cycle within a mission.
type Epoch struct {
	ID                 string
	MissionID          string
	Ordinal            int
	PlannedUnitIDs     []string
	DispatchedUnitIDs  []string
	StartedAt          time.Time
	EndedAt            time.Time
	AmbitionScore       float64
	AllFailed           bool
	CostUSD             float64
}

// Duration returns the epoch's wall-clock span, zero if not yet ended.
func (e Epoch) Duration() time.Duration {
	if e.EndedAt.IsZero() || e.StartedAt.IsZero() {
		return 0
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// ContextItemKind distinguishes what a ContextItem carries.
type ContextItemKind string

const (
	ContextDiscovery ContextItemKind = "discovery"
	ContextNote      ContextItemKind = "note"
)

// ContextItem is a small piece of cross-unit context surfaced by a worker
// (a discovery) or the controller (a note) and attached to later epochs'
// plans.
type ContextItem struct {
	ID        string
	MissionID string
	EpochID   string
	UnitID    string
	Kind      ContextItemKind
	Content   string
	CreatedAt time.Time
}

// Reflection is the feedback step's end-of-epoch summary for the planner:
// what was attempted, what landed, and the budget/breaker state it leaves
// behind.
type Reflection struct {
	ID             string
	MissionID      string
	EpochID        string
	Summary        string
	UnitsCompleted int
	UnitsFailed    int
	CostUSD        float64
	CreatedAt      time.Time
}
