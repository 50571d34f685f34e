package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type Operation string

const (
	OperationSample Operation = "sample"
	OperationImport Operation = "import"
)

type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusRemoved  Status = "removed"
)

type Category string

const (
	CategorySystem Category = "system"
	CategoryData   Category = "data"
)

// Run is one execution of an import, either a dry-run sample or a full load.
type Run struct {
	ID        uuid.UUID
	Dataset   string
	Source    string
	Operation Operation
	Status    Status
	TimeStart time.Time
	TimeEnd   *time.Time
}

// LogRecord is a diagnostic attached to a run. Row is the 1-indexed source
// row, or zero for records that concern the run as a whole.
type LogRecord struct {
	ID        int64
	RunID     uuid.UUID
	Category  Category
	Row       int64
	Message   string
	Error     string
	Attribute string
	Column    string
	Value     string
	Datatype  string
	CreatedAt time.Time
}

const runColumns = `id, dataset, source, operation, status, time_start, time_end`

// CreateRun records a new run in the running state.
func (s *Store) CreateRun(ctx context.Context, dataset, source string, op Operation) (*Run, error) {
	if op != OperationSample && op != OperationImport {
		return nil, fmt.Errorf("invalid operation %q", op)
	}
	run := &Run{
		ID:        uuid.New(),
		Dataset:   dataset,
		Source:    source,
		Operation: op,
		Status:    StatusRunning,
		TimeStart: s.clock.Now().UTC(),
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO cube_run (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, NULL)
	`, run.ID, run.Dataset, run.Source, string(run.Operation), string(run.Status), run.TimeStart)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	s.log.Debug("store: created run", "run", run.ID, "dataset", dataset, "operation", op)
	return run, nil
}

// FinishRun moves a running run to complete or failed and stamps time_end.
// Finished runs are immutable; a second transition returns ErrRunFinished.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, status Status) (*Run, error) {
	if status != StatusComplete && status != StatusFailed {
		return nil, fmt.Errorf("invalid final status %q", status)
	}
	run, err := scanRun(s.db.QueryRow(ctx, `
		UPDATE cube_run SET status = $2, time_end = $3
		WHERE id = $1 AND status = $4
		RETURNING `+runColumns,
		id, string(status), s.clock.Now().UTC(), string(StatusRunning)))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetRun(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("run %s: %w", id, ErrRunFinished)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	return run, nil
}

// MarkRemoved flags the completed runs of a dataset as removed once their
// data has been flushed. It returns the number of runs marked.
func (s *Store) MarkRemoved(ctx context.Context, dataset string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE cube_run SET status = $2
		WHERE dataset = $1 AND status = $3
	`, dataset, string(StatusRemoved), string(StatusComplete))
	if err != nil {
		return 0, fmt.Errorf("failed to mark runs of %s removed: %w", dataset, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	run, err := scanRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM cube_run WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns a dataset's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, dataset string) ([]*Run, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+runColumns+`
		FROM cube_run
		WHERE dataset = $1
		ORDER BY time_start DESC, id ASC
	`, dataset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (*Run, error) {
	var (
		run       Run
		operation string
		status    string
	)
	if err := row.Scan(&run.ID, &run.Dataset, &run.Source, &operation, &status, &run.TimeStart, &run.TimeEnd); err != nil {
		return nil, err
	}
	run.Operation = Operation(operation)
	run.Status = Status(status)
	return &run, nil
}

const logRecordColumns = `id, run_id, category, row_number, message, error, attribute, column_name, value, datatype, created_at`

// AddLogRecord appends a record to its run. The insert commits on its own.
func (s *Store) AddLogRecord(ctx context.Context, rec *LogRecord) error {
	if rec.Category != CategorySystem && rec.Category != CategoryData {
		return fmt.Errorf("invalid log record category %q", rec.Category)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock.Now().UTC()
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO cube_log_record (run_id, category, row_number, message, error, attribute, column_name, value, datatype, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, rec.RunID, string(rec.Category), rec.Row, rec.Message, rec.Error,
		rec.Attribute, rec.Column, rec.Value, rec.Datatype, rec.CreatedAt).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to add log record to run %s: %w", rec.RunID, err)
	}
	return nil
}

// ListLogRecords returns a run's records ordered by row. An empty category
// returns every record.
func (s *Store) ListLogRecords(ctx context.Context, runID uuid.UUID, category Category) ([]*LogRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+logRecordColumns+`
		FROM cube_log_record
		WHERE run_id = $1 AND ($2::text = '' OR category = $2)
		ORDER BY row_number ASC, id ASC
	`, runID, string(category))
	if err != nil {
		return nil, fmt.Errorf("failed to list log records: %w", err)
	}
	defer rows.Close()

	records := []*LogRecord{}
	for rows.Next() {
		var (
			rec      LogRecord
			category string
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &category, &rec.Row, &rec.Message, &rec.Error,
			&rec.Attribute, &rec.Column, &rec.Value, &rec.Datatype, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log record: %w", err)
		}
		rec.Category = Category(category)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate log records: %w", err)
	}
	return records, nil
}

// CountLogRecords counts a run's records. An empty category counts all.
func (s *Store) CountLogRecords(ctx context.Context, runID uuid.UUID, category Category) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM cube_log_record
		WHERE run_id = $1 AND ($2::text = '' OR category = $2)
	`, runID, string(category)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count log records: %w", err)
	}
	return n, nil
}
