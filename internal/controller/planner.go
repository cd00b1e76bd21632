package controller

import (
	"context"

	"missionctl/internal/model"
)

// PlanRequest is everything the controller hands the external Planner when
// asking for the next epoch's units. FeedbackContext carries the prior
// epoch's reflection plus curated discoveries and stale-unit descriptions;
// ReplanAttempt is 0 on the first request for an epoch and increments on
// each ambition-gate rejection.
type PlanRequest struct {
	MissionID       string
	Objective       string
	EpochOrdinal    int
	MaxUnits        int
	ReplanAttempt   int
	FeedbackContext []string
}

// Planner is implemented outside this package (the discovery/strategist
// subsystem); the controller only ever consumes it. It produces an ordered
// batch of work units, possibly with a dependency graph over their ids, for
// one epoch.
type Planner interface {
	PlanEpoch(ctx context.Context, req PlanRequest) ([]model.WorkUnit, error)
}

// PlannerFunc adapts a plain function to the Planner interface, mirroring
// the teacher's http.HandlerFunc-style adapters used elsewhere for small
// single-method interfaces.
type PlannerFunc func(ctx context.Context, req PlanRequest) ([]model.WorkUnit, error)

func (f PlannerFunc) PlanEpoch(ctx context.Context, req PlanRequest) ([]model.WorkUnit, error) {
	return f(ctx, req)
}
