package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"missionctl/internal/model"
)

// InsertWorkUnit persists a new work unit row.
func (s *Store) InsertWorkUnit(ctx context.Context, u model.WorkUnit) error {
	files, err := json.Marshal(u.FilesHint)
	if err != nil {
		return err
	}
	deps, err := json.Marshal(u.DependsOn)
	if err != nil {
		return err
	}
	criteria, err := json.Marshal(u.AcceptanceCriteria)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO work_units
		(id, mission_id, epoch_id, description, files_hint, depends_on,
		 acceptance_criteria, specialist_tag, needs_research, state,
		 attempt_count, queued_at, last_failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.MissionID, u.EpochID, u.Description, string(files), string(deps),
		string(criteria), u.SpecialistTag, boolToInt(u.NeedsResearch), string(u.State),
		u.AttemptCount, u.QueuedAt.UTC().Format(timeLayout), u.LastFailureReason,
	)
	return err
}

// UpdateWorkUnitState transitions a unit's state and attempt bookkeeping.
// Used on every lifecycle transition (dispatched, merged, rolled_back,
// rejected, stale, completed).
func (s *Store) UpdateWorkUnitState(ctx context.Context, u model.WorkUnit) error {
	_, err := s.db.ExecContext(ctx, `UPDATE work_units SET
		state=?, attempt_count=?, last_failure_reason=? WHERE id=?`,
		string(u.State), u.AttemptCount, u.LastFailureReason, u.ID,
	)
	return err
}

// GetWorkUnit loads a work unit by ID.
func (s *Store) GetWorkUnit(ctx context.Context, id string) (model.WorkUnit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, mission_id, epoch_id, description, files_hint,
		depends_on, acceptance_criteria, specialist_tag, needs_research, state,
		attempt_count, queued_at, last_failure_reason FROM work_units WHERE id=?`, id)
	return scanWorkUnit(row)
}

func scanWorkUnit(row *sql.Row) (model.WorkUnit, error) {
	var u model.WorkUnit
	var files, deps, criteria, queuedAt, state string
	var needsResearch int
	if err := row.Scan(&u.ID, &u.MissionID, &u.EpochID, &u.Description, &files, &deps,
		&criteria, &u.SpecialistTag, &needsResearch, &state, &u.AttemptCount,
		&queuedAt, &u.LastFailureReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.WorkUnit{}, ErrNotFound
		}
		return model.WorkUnit{}, err
	}
	_ = json.Unmarshal([]byte(files), &u.FilesHint)
	_ = json.Unmarshal([]byte(deps), &u.DependsOn)
	_ = json.Unmarshal([]byte(criteria), &u.AcceptanceCriteria)
	u.NeedsResearch = needsResearch != 0
	u.State = model.UnitState(state)
	u.QueuedAt, _ = time.Parse(timeLayout, queuedAt)
	return u, nil
}

// WorkUnitsForEpoch returns every unit dispatched within an epoch.
func (s *Store) WorkUnitsForEpoch(ctx context.Context, epochID string) ([]model.WorkUnit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, mission_id, epoch_id, description, files_hint,
		depends_on, acceptance_criteria, specialist_tag, needs_research, state,
		attempt_count, queued_at, last_failure_reason FROM work_units WHERE epoch_id=?
		ORDER BY queued_at ASC`, epochID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WorkUnit
	for rows.Next() {
		var u model.WorkUnit
		var files, deps, criteria, queuedAt, state string
		var needsResearch int
		if err := rows.Scan(&u.ID, &u.MissionID, &u.EpochID, &u.Description, &files, &deps,
			&criteria, &u.SpecialistTag, &needsResearch, &state, &u.AttemptCount,
			&queuedAt, &u.LastFailureReason); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(files), &u.FilesHint)
		_ = json.Unmarshal([]byte(deps), &u.DependsOn)
		_ = json.Unmarshal([]byte(criteria), &u.AcceptanceCriteria)
		u.NeedsResearch = needsResearch != 0
		u.State = model.UnitState(state)
		u.QueuedAt, _ = time.Parse(timeLayout, queuedAt)
		out = append(out, u)
	}
	return out, rows.Err()
}

// PromoteWorkUnit records a unit's completion alongside the review/merge
// bookkeeping atomically: the invariant is "the unit is never marked
// completed without its context items (discoveries) being recorded in the
// same epoch," so both writes share one transaction.
func (s *Store) PromoteWorkUnit(ctx context.Context, u model.WorkUnit, discoveries []model.ContextItem) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE work_units SET state=?, attempt_count=? WHERE id=?`,
			string(u.State), u.AttemptCount, u.ID); err != nil {
			return err
		}
		for _, d := range discoveries {
			if _, err := tx.ExecContext(ctx, `INSERT INTO context_items
				(id, mission_id, epoch_id, unit_id, kind, content, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				d.ID, d.MissionID, d.EpochID, d.UnitID, string(d.Kind), d.Content,
				d.CreatedAt.UTC().Format(timeLayout),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertBacklogItem persists a new backlog candidate.
func (s *Store) InsertBacklogItem(ctx context.Context, b model.BacklogItem) error {
	var staleness sql.NullString
	if !b.Staleness.IsZero() {
		staleness = sql.NullString{String: b.Staleness.UTC().Format(timeLayout), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO backlog_items
		(id, description, impact, effort, attempt_count, pinned_score, last_failure, staleness)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Description, b.Impact, b.Effort, b.AttemptCount, b.PinnedScore, b.LastFailure, staleness,
	)
	return err
}

// TopBacklogItems returns the highest-pinned-score backlog candidates,
// newest-staleness-timestamp first among ties, for the planner's epoch plan.
func (s *Store) TopBacklogItems(ctx context.Context, limit int) ([]model.BacklogItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, description, impact, effort, attempt_count,
		pinned_score, last_failure, staleness FROM backlog_items
		ORDER BY pinned_score DESC, staleness DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BacklogItem
	for rows.Next() {
		var b model.BacklogItem
		var staleness sql.NullString
		if err := rows.Scan(&b.ID, &b.Description, &b.Impact, &b.Effort, &b.AttemptCount,
			&b.PinnedScore, &b.LastFailure, &staleness); err != nil {
			return nil, err
		}
		if staleness.Valid {
			b.Staleness, _ = time.Parse(timeLayout, staleness.String)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
