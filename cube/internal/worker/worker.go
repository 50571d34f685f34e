// Package worker ties datasets, imports and the aggregation cache together
// behind the jobs the cube worker runs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"

	"github.com/openspending/cube/cube/pkg/cache"
	"github.com/openspending/cube/cube/pkg/dataset"
	"github.com/openspending/cube/cube/pkg/importer"
	"github.com/openspending/cube/cube/pkg/jobs"
	"github.com/openspending/cube/cube/pkg/model"
	"github.com/openspending/cube/cube/pkg/postgres"
	"github.com/openspending/cube/cube/pkg/source"
	"github.com/openspending/cube/cube/pkg/store"
)

// Source formats an import can read.
const (
	FormatCSV = "csv"
	FormatBDP = "bdp"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	DB     postgres.Connection
	Store  *store.Store
	Opener *source.Opener
	Cache  *cache.AggregationCache
	// Queue receives follow-up jobs. When it is a *jobs.Local the worker
	// registers its handlers on it.
	Queue jobs.Queue
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("postgres connection is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Opener == nil {
		return errors.New("opener is required")
	}
	if cfg.Cache == nil {
		return errors.New("aggregation cache is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Worker struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate worker config: %w", err)
	}
	w := &Worker{log: cfg.Logger, cfg: cfg}
	if q, ok := cfg.Queue.(*jobs.Local); ok {
		q.Register(jobs.LoadSource, w.handleLoadSource)
		q.Register(jobs.IndexDataset, w.handleIndexDataset)
	}
	return w, nil
}

// Register stores a model and creates or evolves its tables.
func (w *Worker) Register(ctx context.Context, m *model.Model) (*dataset.Dataset, error) {
	ds, err := dataset.New(w.log, m)
	if err != nil {
		return nil, err
	}
	if err := w.cfg.Store.SaveDataset(ctx, m); err != nil {
		return nil, err
	}
	if err := ds.Generate(ctx, w.cfg.DB); err != nil {
		return nil, fmt.Errorf("failed to generate tables of %s: %w", m.Dataset.Name, err)
	}
	return ds, nil
}

// Dataset loads a registered dataset by name.
func (w *Worker) Dataset(ctx context.Context, name string) (*dataset.Dataset, error) {
	rec, err := w.cfg.Store.GetDataset(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset %s: %w", name, err)
	}
	return dataset.New(w.log, rec.Model)
}

type ImportRequest struct {
	Dataset string
	Source  string
	Format  string
	Options importer.RunOptions
}

func (r ImportRequest) Validate() error {
	if r.Dataset == "" {
		return errors.New("dataset is required")
	}
	if r.Source == "" {
		return errors.New("source is required")
	}
	switch r.Format {
	case "", FormatCSV, FormatBDP:
		return nil
	default:
		return fmt.Errorf("unknown source format %q", r.Format)
	}
}

// Import runs one import of a registered dataset. The importer is returned
// even when the run failed so callers can inspect its outcome.
func (w *Worker) Import(ctx context.Context, req ImportRequest) (*importer.Importer, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ds, err := w.Dataset(ctx, req.Dataset)
	if err != nil {
		return nil, err
	}

	span := sentry.StartSpan(ctx, "cube.import", sentry.WithDescription(fmt.Sprintf("import %s", req.Dataset)))
	defer span.Finish()
	span.SetTag("dataset", req.Dataset)
	span.SetData("cube.source", req.Source)
	span.SetData("cube.dry_run", req.Options.DryRun)
	ctx = span.Context()

	cfg := importer.Config{
		Logger:      w.log,
		Clock:       w.cfg.Clock,
		Dataset:     ds,
		DB:          w.cfg.DB,
		Runs:        w.cfg.Store,
		Source:      req.Source,
		Queue:       w.cfg.Queue,
		Invalidator: w.cfg.Cache,
	}
	var imp *importer.Importer
	if req.Format == FormatBDP {
		imp, err = importer.NewBudgetDataPackageImporter(cfg, w.cfg.Opener)
	} else {
		imp, err = importer.NewCSVImporter(cfg, w.cfg.Opener)
	}
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return nil, err
	}

	err = imp.Run(ctx, req.Options)
	span.SetData("cube.rows", imp.RowsRead())
	span.SetData("cube.errors", imp.Errors())
	if err != nil || imp.State() != importer.StateComplete {
		span.Status = sentry.SpanStatusInternalError
	} else {
		span.Status = sentry.SpanStatusOK
	}
	return imp, err
}

// Flush deletes a dataset's data, marks its completed runs removed and drops
// its cached results.
func (w *Worker) Flush(ctx context.Context, name string) error {
	ds, err := w.Dataset(ctx, name)
	if err != nil {
		return err
	}
	if err := ds.Flush(ctx, w.cfg.DB); err != nil {
		return fmt.Errorf("failed to flush %s: %w", name, err)
	}
	n, err := w.cfg.Store.MarkRemoved(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.cfg.Store.TouchDataset(ctx, name); err != nil {
		return err
	}
	if err := w.cfg.Cache.Invalidate(ctx, name); err != nil {
		w.log.Warn("worker: failed to invalidate cache", "dataset", name, "error", err)
	}
	w.log.Info("worker: flushed dataset", "dataset", name, "removedRuns", n)
	return nil
}

// Drop removes a dataset's tables along with its runs and model.
func (w *Worker) Drop(ctx context.Context, name string) error {
	ds, err := w.Dataset(ctx, name)
	if err != nil {
		return err
	}
	if err := ds.Drop(ctx, w.cfg.DB); err != nil {
		return fmt.Errorf("failed to drop %s: %w", name, err)
	}
	if err := w.cfg.Store.DeleteDataset(ctx, name); err != nil {
		return err
	}
	if err := w.cfg.Cache.Invalidate(ctx, name); err != nil {
		w.log.Warn("worker: failed to invalidate cache", "dataset", name, "error", err)
	}
	w.log.Info("worker: dropped dataset", "dataset", name)
	return nil
}

// IndexDataset warms the cache with the dataset's totals and the members of
// every dimension.
func (w *Worker) IndexDataset(ctx context.Context, name string) error {
	ds, err := w.Dataset(ctx, name)
	if err != nil {
		return err
	}
	updatedAt, err := w.cfg.Store.DatasetUpdatedAt(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.cfg.Cache.Aggregate(ctx, w.cfg.DB, ds, updatedAt, dataset.AggregateParams{}); err != nil {
		return fmt.Errorf("failed to index totals of %s: %w", name, err)
	}
	for _, dim := range ds.Dimensions() {
		if _, err := w.cfg.Cache.Members(ctx, w.cfg.DB, ds, updatedAt, dim.Name(), dataset.MembersParams{}); err != nil {
			return fmt.Errorf("failed to index %s of %s: %w", dim.Name(), name, err)
		}
	}
	w.log.Info("worker: indexed dataset", "dataset", name, "dimensions", len(ds.Dimensions()))
	return nil
}

// handleLoadSource runs an import queued as load_source(dataset, source,
// format).
func (w *Worker) handleLoadSource(ctx context.Context, args ...any) error {
	req, err := loadSourceRequest(args)
	if err != nil {
		return err
	}
	imp, err := w.Import(ctx, req)
	if err != nil {
		return err
	}
	if imp.State() != importer.StateComplete {
		return fmt.Errorf("import of %s from %s failed with %d errors", req.Dataset, req.Source, imp.Errors())
	}
	return nil
}

func (w *Worker) handleIndexDataset(ctx context.Context, args ...any) error {
	if len(args) != 1 {
		return fmt.Errorf("%s expects 1 argument, got %d", jobs.IndexDataset, len(args))
	}
	name, ok := args[0].(string)
	if !ok {
		return fmt.Errorf("%s expects a dataset name, got %T", jobs.IndexDataset, args[0])
	}
	return w.IndexDataset(ctx, name)
}

func loadSourceRequest(args []any) (ImportRequest, error) {
	if len(args) < 2 || len(args) > 3 {
		return ImportRequest{}, fmt.Errorf("%s expects 2 or 3 arguments, got %d", jobs.LoadSource, len(args))
	}
	strs := make([]string, len(args))
	for i, a := range args {
		s, ok := a.(string)
		if !ok {
			return ImportRequest{}, fmt.Errorf("%s argument %d is %T, not a string", jobs.LoadSource, i, a)
		}
		strs[i] = s
	}
	req := ImportRequest{Dataset: strs[0], Source: strs[1]}
	if len(strs) == 3 {
		req.Format = strs[2]
	}
	return req, req.Validate()
}
