package model

import "time"

// UnitState is the monotonic (modulo retry) lifecycle state of a WorkUnit.
type UnitState string

const (
	UnitPending    UnitState = "pending"
	UnitDispatched UnitState = "dispatched"
	UnitMerged     UnitState = "merged"
	UnitRolledBack UnitState = "rolled_back"
	UnitRejected   UnitState = "rejected"
	UnitStale      UnitState = "stale"
	UnitCompleted  UnitState = "completed"
)

// Terminal reports whether state is a terminal state for a WorkUnit.
func (s UnitState) Terminal() bool {
	switch s {
	case UnitCompleted, UnitRejected, UnitStale:
		return true
	default:
		return false
	}
}

// WorkUnit is an atomic, dispatchable task produced by the (external) planner.
type WorkUnit struct {
	ID                 string
	MissionID          string
	EpochID            string
	Description        string
	FilesHint          []string
	DependsOn          []string
	AcceptanceCriteria []string
	SpecialistTag      string
	NeedsResearch      bool
	State              UnitState
	AttemptCount       int
	QueuedAt           time.Time
	LastFailureReason  string
}

// FilesOverlap reports whether two units' files_hint sets intersect.
func FilesOverlap(a, b WorkUnit) bool {
	seen := make(map[string]struct{}, len(a.FilesHint))
	for _, f := range a.FilesHint {
		seen[f] = struct{}{}
	}
	for _, f := range b.FilesHint {
		if _, ok := seen[f]; ok {
			return true
		}
	}
	return false
}

// OverlapRatio returns the fraction of u.FilesHint present in changed, used
// by the controller's backlog-staleness check (>50% triggers staleness).
func OverlapRatio(u WorkUnit, changed []string) float64 {
	if len(u.FilesHint) == 0 {
		return 0
	}
	changedSet := make(map[string]struct{}, len(changed))
	for _, f := range changed {
		changedSet[f] = struct{}{}
	}
	hit := 0
	for _, f := range u.FilesHint {
		if _, ok := changedSet[f]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(u.FilesHint))
}

// BacklogItem is a persistent cross-mission work candidate owned by the
// planner/strategist; the core only reads it when building epoch plans.
type BacklogItem struct {
	ID           string
	Description  string
	Impact       float64
	Effort       float64
	AttemptCount int
	PinnedScore  float64
	LastFailure  string
	Staleness    time.Time
}
