// Package importer drives one import run: it reads source rows, converts them
// with the dataset's model, loads them and records every failure against the
// run.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/openspending/cube/cube/pkg/convert"
	"github.com/openspending/cube/cube/pkg/dataset"
	"github.com/openspending/cube/cube/pkg/jobs"
	"github.com/openspending/cube/cube/pkg/metrics"
	"github.com/openspending/cube/cube/pkg/postgres"
	"github.com/openspending/cube/cube/pkg/source"
	"github.com/openspending/cube/cube/pkg/store"
)

// RunLog is the bookkeeping an import writes to.
type RunLog interface {
	CreateRun(ctx context.Context, dataset, source string, op store.Operation) (*store.Run, error)
	FinishRun(ctx context.Context, id uuid.UUID, status store.Status) (*store.Run, error)
	AddLogRecord(ctx context.Context, rec *store.LogRecord) error
	TouchDataset(ctx context.Context, name string) (time.Time, error)
}

// Invalidator drops cached results of a dataset.
type Invalidator interface {
	Invalidate(ctx context.Context, dataset string) error
}

type State int

const (
	StatePending State = iota
	StateRunning
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Dataset *dataset.Dataset
	// DB is only needed for runs that write.
	DB   postgres.Connection
	Runs RunLog
	// Source names the location rows come from in the run log.
	Source string
	Rows   RowSource

	Queue       jobs.Queue
	Invalidator Invalidator
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Dataset == nil {
		return errors.New("dataset is required")
	}
	if cfg.Runs == nil {
		return errors.New("run log is required")
	}
	if cfg.Rows == nil {
		return errors.New("row source is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type RunOptions struct {
	// DryRun converts rows and checks key uniqueness without writing.
	DryRun bool
	// MaxLines stops after that many rows. Zero reads everything.
	MaxLines int
	// RaiseErrors aborts on the first failing row and returns its error.
	RaiseErrors bool
}

// Importer runs a single import. It is not reusable.
type Importer struct {
	log *slog.Logger
	cfg Config

	mu       sync.Mutex
	state    State
	runID    uuid.UUID
	errors   int
	rowsRead int
}

func New(cfg Config) (*Importer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Importer{
		log: cfg.Logger.With("dataset", cfg.Dataset.Name(), "source", cfg.Source),
		cfg: cfg,
	}, nil
}

// NewCSVImporter imports the CSV file at cfg.Source.
func NewCSVImporter(cfg Config, opener *source.Opener) (*Importer, error) {
	cfg.Rows = csvRows(opener, cfg.Source, false)
	return New(cfg)
}

// NewBudgetDataPackageImporter imports a Budget Data Package CSV file at
// cfg.Source.
func NewBudgetDataPackageImporter(cfg Config, opener *source.Opener) (*Importer, error) {
	cfg.Rows = csvRows(opener, cfg.Source, true)
	return New(cfg)
}

func (i *Importer) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Errors returns the number of failed rows and run-level errors so far.
func (i *Importer) Errors() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.errors
}

// RowsRead returns the number of source rows processed so far.
func (i *Importer) RowsRead() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rowsRead
}

// RunID returns the id of the run, once started.
func (i *Importer) RunID() uuid.UUID {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.runID
}

// rowError is the outcome of a row that could not be processed. Row zero
// marks errors about the run as a whole.
type rowError struct {
	row      int
	category store.Category
	message  string
	err      error
}

func (e *rowError) Error() string {
	if e.row > 0 {
		return fmt.Sprintf("row %d: %s", e.row, e.err)
	}
	return e.err.Error()
}

func (e *rowError) Unwrap() error { return e.err }

// Run executes the import. Row failures are recorded against the run and
// only returned when opts.RaiseErrors is set. Otherwise the returned error
// reports cancellation or bookkeeping failures.
func (i *Importer) Run(ctx context.Context, opts RunOptions) error {
	if opts.MaxLines < 0 {
		return fmt.Errorf("max lines must not be negative, got %d", opts.MaxLines)
	}
	if !opts.DryRun && i.cfg.DB == nil {
		return errors.New("postgres connection is required to load data")
	}
	i.mu.Lock()
	if i.state != StatePending {
		i.mu.Unlock()
		return fmt.Errorf("importer already %s", i.state)
	}
	i.state = StateRunning
	i.mu.Unlock()

	op := store.OperationImport
	if opts.DryRun {
		op = store.OperationSample
	}
	start := i.cfg.Clock.Now()
	run, err := i.cfg.Runs.CreateRun(ctx, i.cfg.Dataset.Name(), i.cfg.Source, op)
	if err != nil {
		i.setState(StateFailed)
		return fmt.Errorf("failed to create run: %w", err)
	}
	i.mu.Lock()
	i.runID = run.ID
	i.mu.Unlock()
	log := i.log.With("run", run.ID, "operation", op)
	log.Info("importer: run started", "maxLines", opts.MaxLines)

	loaded, aborted := i.process(ctx, log, opts)

	if aborted == nil && i.Errors() == 0 && i.RowsRead() == 0 {
		i.fail(ctx, log, &rowError{
			category: store.CategorySystem,
			message:  "no data read",
			err:      errors.New("no data read from source"),
		})
	}
	if aborted == nil && !opts.DryRun && i.Errors() == 0 && loaded.written < loaded.ok {
		i.fail(ctx, log, &rowError{
			category: store.CategoryData,
			message:  "unique key may be misconfigured",
			err: fmt.Errorf("%d rows loaded into %d entries, rows with equal unique keys were merged",
				loaded.ok, loaded.written),
		})
	}

	return i.finish(ctx, log, run, opts, start, aborted)
}

type loadStats struct {
	ok      int
	written int
}

func (i *Importer) process(ctx context.Context, log *slog.Logger, opts RunOptions) (loadStats, error) {
	var stats loadStats
	rows, err := i.cfg.Rows.Rows(ctx)
	if err != nil {
		rerr := &rowError{
			category: store.CategorySystem,
			message:  "failed to open source",
			err:      err,
		}
		i.fail(ctx, log, rerr)
		if opts.RaiseErrors {
			return stats, rerr
		}
		return stats, nil
	}

	session := i.cfg.Dataset.NewSession()
	seen := make(map[dataset.EntryID]int)
	for row, readErr := range rows {
		if err := ctx.Err(); err != nil {
			rerr := &rowError{category: store.CategorySystem, message: "import cancelled", err: err}
			i.fail(context.WithoutCancel(ctx), log, rerr)
			return stats, rerr
		}
		if opts.MaxLines > 0 && i.RowsRead() >= opts.MaxLines {
			log.Info("importer: reached max lines", "maxLines", opts.MaxLines)
			break
		}
		i.mu.Lock()
		i.rowsRead++
		n := i.rowsRead
		i.mu.Unlock()

		if rerr := i.processRow(ctx, n, row, readErr, session, seen, opts.DryRun); rerr != nil {
			metrics.ImportRowsTotal.WithLabelValues(i.cfg.Dataset.Name(), "error").Inc()
			i.fail(ctx, log, rerr)
			if opts.RaiseErrors {
				return stats, rerr
			}
			continue
		}
		metrics.ImportRowsTotal.WithLabelValues(i.cfg.Dataset.Name(), "ok").Inc()
		stats.ok++
	}
	stats.written = session.Written()
	return stats, nil
}

func (i *Importer) processRow(ctx context.Context, n int, row source.Row, readErr error, session *dataset.LoadSession, seen map[dataset.EntryID]int, dryRun bool) *rowError {
	if readErr != nil {
		return &rowError{row: n, category: store.CategoryData, message: "failed to read row", err: readErr}
	}
	data, err := convert.Types(i.cfg.Dataset.Model(), row)
	if err != nil {
		var invalid *convert.InvalidError
		if errors.As(err, &invalid) {
			return &rowError{row: n, category: store.CategoryData, message: "invalid row", err: err}
		}
		return &rowError{row: n, category: store.CategorySystem, message: "failed to convert row", err: err}
	}

	if dryRun {
		id := i.cfg.Dataset.EntryID(data)
		if first, ok := seen[id]; ok {
			return &rowError{
				row:      n,
				category: store.CategoryData,
				message:  "duplicate unique key",
				err:      fmt.Errorf("unique key already used by row %d", first),
			}
		}
		seen[id] = n
		return nil
	}

	if _, err := session.Load(ctx, i.cfg.DB, data); err != nil {
		return &rowError{row: n, category: store.CategorySystem, message: "failed to load row", err: err}
	}
	return nil
}

// fail counts one error and writes its log records. A conversion failure
// produces one record per failing cell.
func (i *Importer) fail(ctx context.Context, log *slog.Logger, rerr *rowError) {
	i.mu.Lock()
	i.errors++
	i.mu.Unlock()
	log.Warn("importer: "+rerr.message, "row", rerr.row, "error", rerr.err)

	var records []*store.LogRecord
	var invalid *convert.InvalidError
	if errors.As(rerr.err, &invalid) {
		for _, fe := range invalid.Errors {
			attr := fe.Field
			if fe.Attribute != "" {
				attr += "." + fe.Attribute
			}
			records = append(records, &store.LogRecord{
				Category:  rerr.category,
				Row:       int64(rerr.row),
				Message:   fe.Message,
				Error:     fe.Error(),
				Attribute: attr,
				Column:    fe.Column,
				Value:     fe.Value,
				Datatype:  fe.Datatype,
			})
		}
	} else {
		records = append(records, &store.LogRecord{
			Category: rerr.category,
			Row:      int64(rerr.row),
			Message:  rerr.message,
			Error:    rerr.err.Error(),
		})
	}
	runID := i.RunID()
	for _, rec := range records {
		rec.RunID = runID
		if err := i.cfg.Runs.AddLogRecord(ctx, rec); err != nil {
			log.Error("importer: failed to add log record", "row", rerr.row, "error", err)
		}
	}
}

func (i *Importer) finish(ctx context.Context, log *slog.Logger, run *store.Run, opts RunOptions, start time.Time, aborted error) error {
	ctx = context.WithoutCancel(ctx)
	name := i.cfg.Dataset.Name()

	if _, err := i.cfg.Runs.TouchDataset(ctx, name); err != nil {
		i.fail(ctx, log, &rowError{category: store.CategorySystem, message: "failed to update dataset", err: err})
	}

	status := store.StatusComplete
	state := StateComplete
	if aborted != nil || i.Errors() > 0 {
		status = store.StatusFailed
		state = StateFailed
	}
	_, finishErr := i.cfg.Runs.FinishRun(ctx, run.ID, status)
	i.setState(state)

	metrics.ImportRunsTotal.WithLabelValues(string(run.Operation), string(status)).Inc()
	metrics.ImportDuration.WithLabelValues(string(run.Operation)).Observe(i.cfg.Clock.Since(start).Seconds())
	log.Info("importer: run finished",
		"status", status,
		"rows", i.RowsRead(),
		"errors", i.Errors(),
		"duration", i.cfg.Clock.Since(start))

	if finishErr != nil {
		return fmt.Errorf("failed to finish run: %w", finishErr)
	}

	if status == store.StatusComplete && !opts.DryRun {
		if i.cfg.Invalidator != nil {
			if err := i.cfg.Invalidator.Invalidate(ctx, name); err != nil {
				log.Warn("importer: failed to invalidate cache", "error", err)
			}
		}
		if i.cfg.Queue != nil {
			if err := i.cfg.Queue.Enqueue(ctx, jobs.IndexDataset, name); err != nil {
				log.Warn("importer: failed to enqueue indexing", "error", err)
			}
		}
	}

	return aborted
}

func (i *Importer) setState(s State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = s
}
