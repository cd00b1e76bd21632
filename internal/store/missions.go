package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"missionctl/internal/model"
)

// ErrNotFound is returned by single-row lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// InsertMission persists a new mission row.
func (s *Store) InsertMission(ctx context.Context, m model.Mission) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO missions
		(id, objective, verification_command, budget_usd, wall_time_budget_ns,
		 started_at, status, stop_reason, total_cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Objective, m.VerificationCommand, m.BudgetUSD, m.WallTimeBudget.Nanoseconds(),
		m.StartedAt.UTC().Format(timeLayout), string(m.Status), string(m.StopReason), m.TotalCostUSD,
	)
	return err
}

// UpdateMission overwrites the mutable fields of an existing mission row.
func (s *Store) UpdateMission(ctx context.Context, m model.Mission) error {
	_, err := s.db.ExecContext(ctx, `UPDATE missions SET
		status=?, stop_reason=?, total_cost_usd=? WHERE id=?`,
		string(m.Status), string(m.StopReason), m.TotalCostUSD, m.ID,
	)
	return err
}

// GetMission loads a mission by ID.
func (s *Store) GetMission(ctx context.Context, id string) (model.Mission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, objective, verification_command, budget_usd,
		wall_time_budget_ns, started_at, status, stop_reason, total_cost_usd
		FROM missions WHERE id=?`, id)
	return scanMission(row)
}

func scanMission(row *sql.Row) (model.Mission, error) {
	var m model.Mission
	var startedAt string
	var wallNs int64
	var status, stopReason string
	if err := row.Scan(&m.ID, &m.Objective, &m.VerificationCommand, &m.BudgetUSD,
		&wallNs, &startedAt, &status, &stopReason, &m.TotalCostUSD); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Mission{}, ErrNotFound
		}
		return model.Mission{}, err
	}
	m.WallTimeBudget = time.Duration(wallNs)
	m.Status = model.MissionStatus(status)
	m.StopReason = model.StopReason(stopReason)
	m.StartedAt, _ = time.Parse(timeLayout, startedAt)
	return m, nil
}

// InsertEpoch persists a new epoch row.
func (s *Store) InsertEpoch(ctx context.Context, e model.Epoch) error {
	planned, err := json.Marshal(e.PlannedUnitIDs)
	if err != nil {
		return err
	}
	dispatched, err := json.Marshal(e.DispatchedUnitIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO epochs
		(id, mission_id, ordinal, planned_unit_ids, dispatched_unit_ids,
		 started_at, ambition_score, all_failed, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.MissionID, e.Ordinal, string(planned), string(dispatched),
		e.StartedAt.UTC().Format(timeLayout), e.AmbitionScore, boolToInt(e.AllFailed), e.CostUSD,
	)
	return err
}

// CloseEpoch records an epoch's end time, ambition score and cost once its
// feedback step has run.
func (s *Store) CloseEpoch(ctx context.Context, e model.Epoch) error {
	_, err := s.db.ExecContext(ctx, `UPDATE epochs SET
		ended_at=?, ambition_score=?, all_failed=?, cost_usd=? WHERE id=?`,
		e.EndedAt.UTC().Format(timeLayout), e.AmbitionScore, boolToInt(e.AllFailed), e.CostUSD, e.ID,
	)
	return err
}

// EpochsForMission returns every epoch belonging to a mission, ordinal-ordered.
func (s *Store) EpochsForMission(ctx context.Context, missionID string) ([]model.Epoch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, mission_id, ordinal, planned_unit_ids,
		dispatched_unit_ids, started_at, ended_at, ambition_score, all_failed, cost_usd
		FROM epochs WHERE mission_id=? ORDER BY ordinal ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Epoch
	for rows.Next() {
		var e model.Epoch
		var planned, dispatched, startedAt string
		var endedAt sql.NullString
		var allFailed int
		if err := rows.Scan(&e.ID, &e.MissionID, &e.Ordinal, &planned, &dispatched,
			&startedAt, &endedAt, &e.AmbitionScore, &allFailed, &e.CostUSD); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(planned), &e.PlannedUnitIDs)
		_ = json.Unmarshal([]byte(dispatched), &e.DispatchedUnitIDs)
		e.StartedAt, _ = time.Parse(timeLayout, startedAt)
		if endedAt.Valid {
			e.EndedAt, _ = time.Parse(timeLayout, endedAt.String)
		}
		e.AllFailed = allFailed != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
