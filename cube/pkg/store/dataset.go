package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openspending/cube/cube/pkg/model"
)

// DatasetRecord is a registered dataset with its descriptor.
type DatasetRecord struct {
	Name      string
	Model     *model.Model
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SaveDataset registers a model, replacing the stored descriptor when the
// dataset already exists. The creation time is kept and updated_at bumped.
func (s *Store) SaveDataset(ctx context.Context, m *model.Model) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	now := s.clock.Now().UTC()
	_, err = s.db.Exec(ctx, `
		INSERT INTO cube_dataset (name, label, description, currency, model, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (name) DO UPDATE SET
			label = EXCLUDED.label,
			description = EXCLUDED.description,
			currency = EXCLUDED.currency,
			model = EXCLUDED.model,
			updated_at = EXCLUDED.updated_at
	`, m.Dataset.Name, m.Dataset.Label, m.Dataset.Description, m.Dataset.Currency, string(body), now)
	if err != nil {
		return fmt.Errorf("failed to save dataset %s: %w", m.Dataset.Name, err)
	}
	s.log.Debug("store: saved dataset", "dataset", m.Dataset.Name)
	return nil
}

// GetDataset returns the registered dataset with its parsed descriptor.
func (s *Store) GetDataset(ctx context.Context, name string) (*DatasetRecord, error) {
	var (
		rec  DatasetRecord
		body string
	)
	err := s.db.QueryRow(ctx, `
		SELECT name, model::text, created_at, updated_at
		FROM cube_dataset WHERE name = $1
	`, name).Scan(&rec.Name, &body, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("dataset %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset %s: %w", name, err)
	}
	m, err := model.Parse([]byte(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored model of %s: %w", name, err)
	}
	rec.Model = m
	return &rec, nil
}

// TouchDataset bumps the dataset's modification time. Caches key on it, so
// touching a dataset invalidates every cached result computed before.
func (s *Store) TouchDataset(ctx context.Context, name string) (time.Time, error) {
	now := s.clock.Now().UTC()
	tag, err := s.db.Exec(ctx, `UPDATE cube_dataset SET updated_at = $2 WHERE name = $1`, name, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to touch dataset %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return time.Time{}, fmt.Errorf("dataset %s: %w", name, ErrNotFound)
	}
	return now, nil
}

// DatasetUpdatedAt returns the dataset's modification time.
func (s *Store) DatasetUpdatedAt(ctx context.Context, name string) (time.Time, error) {
	var updatedAt time.Time
	err := s.db.QueryRow(ctx, `SELECT updated_at FROM cube_dataset WHERE name = $1`, name).Scan(&updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, fmt.Errorf("dataset %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get dataset %s: %w", name, err)
	}
	return updatedAt, nil
}

// DeleteDataset removes the registration together with its runs and their
// log records. Physical dataset tables are dropped by the dataset package.
func (s *Store) DeleteDataset(ctx context.Context, name string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM cube_log_record WHERE run_id IN (SELECT id FROM cube_run WHERE dataset = $1)`, name); err != nil {
		return fmt.Errorf("failed to delete log records of %s: %w", name, err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM cube_run WHERE dataset = $1`, name); err != nil {
		return fmt.Errorf("failed to delete runs of %s: %w", name, err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM cube_dataset WHERE name = $1`, name); err != nil {
		return fmt.Errorf("failed to delete dataset %s: %w", name, err)
	}
	return nil
}
