// Package store persists import bookkeeping: registered dataset models, import
// runs and the log records each run accumulates.
package store

import (
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/openspending/cube/cube/pkg/postgres"
)

var (
	// ErrNotFound is returned when a dataset or run does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRunFinished is returned when a run that already reached a terminal
	// state is transitioned again.
	ErrRunFinished = errors.New("run already finished")
)

type Config struct {
	Logger *slog.Logger
	DB     postgres.Connection
	Clock  clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("postgres connection is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store reads and writes the bookkeeping tables. Every call runs in its own
// statement, so records are visible to other readers as soon as they return.
type Store struct {
	log   *slog.Logger
	db    postgres.Connection
	clock clockwork.Clock
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:   cfg.Logger,
		db:    cfg.DB,
		clock: cfg.Clock,
	}, nil
}
