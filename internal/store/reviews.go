package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"missionctl/internal/model"
)

// UpsertReviewRecord stores a post-promotion review score, overwriting any
// prior record for the same unit (a unit promotes at most once).
func (s *Store) UpsertReviewRecord(ctx context.Context, r model.ReviewRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO review_records
		(unit_id, alignment, approach, tests, notes, parsed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(unit_id) DO UPDATE SET
			alignment=excluded.alignment, approach=excluded.approach,
			tests=excluded.tests, notes=excluded.notes, parsed=excluded.parsed`,
		r.UnitID, r.Alignment, r.Approach, r.Tests, r.Notes, boolToInt(r.Parsed),
	)
	return err
}

// GetReviewRecord loads a unit's review record, if one was recorded.
func (s *Store) GetReviewRecord(ctx context.Context, unitID string) (model.ReviewRecord, error) {
	var r model.ReviewRecord
	var parsed int
	row := s.db.QueryRowContext(ctx, `SELECT unit_id, alignment, approach, tests, notes, parsed
		FROM review_records WHERE unit_id=?`, unitID)
	if err := row.Scan(&r.UnitID, &r.Alignment, &r.Approach, &r.Tests, &r.Notes, &parsed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ReviewRecord{}, ErrNotFound
		}
		return model.ReviewRecord{}, err
	}
	r.Parsed = parsed != 0
	return r, nil
}

// InsertContextItem records a single discovery or note outside of a
// PromoteWorkUnit transaction (e.g. a controller-authored note).
func (s *Store) InsertContextItem(ctx context.Context, c model.ContextItem) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO context_items
		(id, mission_id, epoch_id, unit_id, kind, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.MissionID, c.EpochID, c.UnitID, string(c.Kind), c.Content,
		c.CreatedAt.UTC().Format(timeLayout),
	)
	return err
}

// ContextItemsForEpoch returns every discovery/note attached to an epoch,
// for curation into the next epoch's plan per the feedback step.
func (s *Store) ContextItemsForEpoch(ctx context.Context, epochID string) ([]model.ContextItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, mission_id, epoch_id, unit_id, kind, content, created_at
		FROM context_items WHERE epoch_id=? ORDER BY created_at ASC`, epochID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ContextItem
	for rows.Next() {
		var c model.ContextItem
		var kind, createdAt string
		if err := rows.Scan(&c.ID, &c.MissionID, &c.EpochID, &c.UnitID, &kind, &c.Content, &createdAt); err != nil {
			return nil, err
		}
		c.Kind = model.ContextItemKind(kind)
		c.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertReflection records the feedback step's end-of-epoch summary.
func (s *Store) InsertReflection(ctx context.Context, r model.Reflection) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO reflections
		(id, mission_id, epoch_id, summary, units_completed, units_failed, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.MissionID, r.EpochID, r.Summary, r.UnitsCompleted, r.UnitsFailed, r.CostUSD,
		r.CreatedAt.UTC().Format(timeLayout),
	)
	return err
}

// LatestReflection returns the most recent reflection for a mission, used by
// the planner to seed the next epoch's plan.
func (s *Store) LatestReflection(ctx context.Context, missionID string) (model.Reflection, error) {
	var r model.Reflection
	var createdAt string
	row := s.db.QueryRowContext(ctx, `SELECT id, mission_id, epoch_id, summary, units_completed,
		units_failed, cost_usd, created_at FROM reflections WHERE mission_id=?
		ORDER BY created_at DESC LIMIT 1`, missionID)
	if err := row.Scan(&r.ID, &r.MissionID, &r.EpochID, &r.Summary, &r.UnitsCompleted,
		&r.UnitsFailed, &r.CostUSD, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Reflection{}, ErrNotFound
		}
		return model.Reflection{}, err
	}
	r.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return r, nil
}
