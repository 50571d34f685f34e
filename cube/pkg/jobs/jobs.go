// Package jobs dispatches named background jobs. Delivery is fire and forget;
// callers that need at-least-once semantics retry themselves.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/openspending/cube/cube/pkg/metrics"
)

// Jobs the worker registers.
const (
	LoadSource   = "load_source"
	IndexDataset = "index_dataset"
)

var (
	ErrUnknownJob  = errors.New("unknown job")
	ErrQueueClosed = errors.New("queue closed")
)

// Queue accepts jobs by name.
type Queue interface {
	Enqueue(ctx context.Context, name string, args ...any) error
}

// Handler runs one job.
type Handler func(ctx context.Context, args ...any) error

type LocalConfig struct {
	Logger *slog.Logger
	// Workers bounds how many jobs run at once.
	Workers int
	// Buffer is the number of jobs that can wait before Enqueue blocks.
	// Jobs enqueued by a running handler are always accepted.
	Buffer int
	// Rate limits how fast jobs are dispatched. Zero means no limit.
	Rate  rate.Limit
	Burst int
	// OnError is called with every failed job.
	OnError func(name string, err error)
}

func (cfg *LocalConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.Rate == 0 {
		cfg.Rate = rate.Inf
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return nil
}

type job struct {
	name    string
	args    []any
	handler Handler
}

type handlerKey struct{}

// inHandler reports whether ctx belongs to a running job.
func inHandler(ctx context.Context) bool {
	return ctx.Value(handlerKey{}) != nil
}

var _ Queue = (*Local)(nil)

// Local runs jobs in process on a bounded worker pool.
type Local struct {
	log     *slog.Logger
	cfg     LocalConfig
	limiter *rate.Limiter

	mu       sync.Mutex
	handlers map[string]Handler
	closed   bool
	queue    []job
	// added is closed and replaced whenever a job is queued or the queue
	// closes; taken whenever a job leaves the queue.
	added chan struct{}
	taken chan struct{}

	pending   sync.WaitGroup
	stopped   chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

func NewLocal(cfg LocalConfig) (*Local, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Local{
		log:      cfg.Logger,
		cfg:      cfg,
		limiter:  rate.NewLimiter(cfg.Rate, cfg.Burst),
		handlers: make(map[string]Handler),
		added:    make(chan struct{}),
		taken:    make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

// Register binds a handler to a job name, replacing any previous one.
func (q *Local) Register(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// Enqueue schedules a job. It blocks while Buffer jobs are waiting, except
// when called from a running handler.
func (q *Local) Enqueue(ctx context.Context, name string, args ...any) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		h, ok := q.handlers[name]
		if !ok {
			q.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownJob, name)
		}
		if len(q.queue) < q.cfg.Buffer || inHandler(ctx) {
			q.pending.Add(1)
			q.queue = append(q.queue, job{name: name, args: args, handler: h})
			q.broadcast(&q.added)
			q.mu.Unlock()
			q.log.Debug("jobs: enqueued", "job", name)
			return nil
		}
		taken := q.taken
		q.mu.Unlock()

		select {
		case <-taken:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// broadcast wakes every waiter on *ch. The caller holds mu.
func (q *Local) broadcast(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}

// next pops the oldest job, waiting for one if the queue is empty. It returns
// false once the queue is closed and drained or ctx is done.
func (q *Local) next(ctx context.Context) (job, bool) {
	for {
		q.mu.Lock()
		if len(q.queue) > 0 {
			j := q.queue[0]
			q.queue[0] = job{}
			q.queue = q.queue[1:]
			q.broadcast(&q.taken)
			q.mu.Unlock()
			return j, true
		}
		if q.closed {
			q.mu.Unlock()
			return job{}, false
		}
		added := q.added
		q.mu.Unlock()

		select {
		case <-added:
		case <-ctx.Done():
			return job{}, false
		}
	}
}

// Start dispatches jobs until the queue is closed or ctx is done.
func (q *Local) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		go q.run(ctx)
	})
}

func (q *Local) run(ctx context.Context) {
	defer close(q.stopped)

	var g errgroup.Group
	g.SetLimit(q.cfg.Workers)
	defer func() { _ = g.Wait() }()

	for {
		j, ok := q.next(ctx)
		if !ok {
			return
		}
		if err := q.limiter.Wait(ctx); err != nil {
			q.drop(j)
			return
		}
		g.Go(func() error {
			q.execute(ctx, j)
			return nil
		})
	}
}

func (q *Local) execute(ctx context.Context, j job) {
	defer q.pending.Done()

	ctx = context.WithValue(ctx, handlerKey{}, j.name)
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()
		return j.handler(ctx, j.args...)
	}()
	if err != nil {
		metrics.JobsTotal.WithLabelValues(j.name, "error").Inc()
		q.log.Error("jobs: job failed", "job", j.name, "duration", time.Since(start), "error", err)
		if q.cfg.OnError != nil {
			q.cfg.OnError(j.name, err)
		}
		return
	}
	metrics.JobsTotal.WithLabelValues(j.name, "ok").Inc()
	q.log.Debug("jobs: job completed", "job", j.name, "duration", time.Since(start))
}

func (q *Local) drop(j job) {
	q.log.Warn("jobs: dropped job", "job", j.name)
	metrics.JobsTotal.WithLabelValues(j.name, "dropped").Inc()
	q.pending.Done()
}

// Wait blocks until every enqueued job has run, including jobs enqueued by
// running handlers, or until dispatching stopped.
func (q *Local) Wait() {
	done := make(chan struct{})
	go func() {
		q.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-q.stopped:
	}
}

// Close stops accepting jobs, lets queued jobs finish and waits for the
// dispatcher to exit. Jobs left over after the dispatcher stopped early are
// dropped.
func (q *Local) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.broadcast(&q.added)
		q.broadcast(&q.taken)
		q.mu.Unlock()
	})
	q.startOnce.Do(func() {
		close(q.stopped)
	})
	<-q.stopped

	q.mu.Lock()
	left := q.queue
	q.queue = nil
	q.mu.Unlock()
	for _, j := range left {
		q.drop(j)
	}
}
