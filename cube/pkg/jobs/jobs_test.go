package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	cubetesting "github.com/openspending/cube/utils/pkg/testing"
)

func testQueue(t *testing.T, cfg LocalConfig) *Local {
	t.Helper()
	cfg.Logger = cubetesting.NewLogger()
	q, err := NewLocal(cfg)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func TestCube_Jobs_NewLocal(t *testing.T) {
	t.Parallel()

	_, err := NewLocal(LocalConfig{})
	require.ErrorContains(t, err, "logger is required")

	cfg := LocalConfig{Logger: cubetesting.NewLogger()}
	require.NoError(t, cfg.Validate())
	require.Equal(t, 2, cfg.Workers)
	require.Equal(t, 64, cfg.Buffer)
	require.Equal(t, rate.Inf, cfg.Rate)
	require.Equal(t, 1, cfg.Burst)
}

func TestCube_Jobs_Local(t *testing.T) {
	t.Parallel()

	t.Run("runs handlers with their args", func(t *testing.T) {
		t.Parallel()
		q := testQueue(t, LocalConfig{})
		var mu sync.Mutex
		var got []string
		q.Register("index_dataset", func(_ context.Context, args ...any) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, args[0].(string))
			return nil
		})
		q.Start(t.Context())

		require.NoError(t, q.Enqueue(t.Context(), "index_dataset", "a"))
		require.NoError(t, q.Enqueue(t.Context(), "index_dataset", "b"))
		q.Wait()

		mu.Lock()
		defer mu.Unlock()
		require.ElementsMatch(t, []string{"a", "b"}, got)
	})

	t.Run("unknown job", func(t *testing.T) {
		t.Parallel()
		q := testQueue(t, LocalConfig{})
		err := q.Enqueue(t.Context(), "nope")
		require.ErrorIs(t, err, ErrUnknownJob)
	})

	t.Run("closed queue rejects jobs", func(t *testing.T) {
		t.Parallel()
		q := testQueue(t, LocalConfig{})
		q.Register("noop", func(context.Context, ...any) error { return nil })
		q.Close()
		require.ErrorIs(t, q.Enqueue(t.Context(), "noop"), ErrQueueClosed)
	})

	t.Run("close runs queued jobs", func(t *testing.T) {
		t.Parallel()
		q := testQueue(t, LocalConfig{})
		var runs atomic.Int32
		q.Register("count", func(context.Context, ...any) error {
			runs.Add(1)
			return nil
		})
		for range 5 {
			require.NoError(t, q.Enqueue(t.Context(), "count"))
		}
		q.Start(t.Context())
		q.Close()
		require.Equal(t, int32(5), runs.Load())
	})

	t.Run("wait covers jobs enqueued by handlers", func(t *testing.T) {
		t.Parallel()
		q := testQueue(t, LocalConfig{})
		var indexed atomic.Bool
		q.Register("index_dataset", func(context.Context, ...any) error {
			time.Sleep(10 * time.Millisecond)
			indexed.Store(true)
			return nil
		})
		q.Register("load_source", func(ctx context.Context, _ ...any) error {
			return q.Enqueue(ctx, "index_dataset")
		})
		q.Start(t.Context())

		require.NoError(t, q.Enqueue(t.Context(), "load_source"))
		q.Wait()
		require.True(t, indexed.Load())
	})

	t.Run("handlers enqueue past a full buffer", func(t *testing.T) {
		t.Parallel()
		q := testQueue(t, LocalConfig{Workers: 1, Buffer: 1})
		var indexed atomic.Int32
		q.Register("index_dataset", func(context.Context, ...any) error {
			indexed.Add(1)
			return nil
		})
		q.Register("load_source", func(ctx context.Context, _ ...any) error {
			ctx = context.WithoutCancel(ctx)
			for range 3 {
				if err := q.Enqueue(ctx, "index_dataset"); err != nil {
					return err
				}
			}
			return nil
		})
		q.Start(t.Context())

		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
		defer cancel()
		require.NoError(t, q.Enqueue(ctx, "load_source"))
		require.NoError(t, q.Enqueue(ctx, "load_source"))

		done := make(chan struct{})
		go func() {
			q.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			t.Fatal("queue stalled")
		}
		require.Equal(t, int32(6), indexed.Load())
	})

	t.Run("full buffer blocks until a job is taken", func(t *testing.T) {
		t.Parallel()
		q := testQueue(t, LocalConfig{Workers: 1, Buffer: 1})
		q.Register("noop", func(context.Context, ...any) error { return nil })
		require.NoError(t, q.Enqueue(t.Context(), "noop"))

		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, q.Enqueue(ctx, "noop"), context.DeadlineExceeded)

		q.Start(t.Context())
		require.NoError(t, q.Enqueue(t.Context(), "noop"))
		q.Wait()
	})

	t.Run("close releases blocked enqueue", func(t *testing.T) {
		t.Parallel()
		q := testQueue(t, LocalConfig{Buffer: 1})
		q.Register("noop", func(context.Context, ...any) error { return nil })
		require.NoError(t, q.Enqueue(t.Context(), "noop"))

		errc := make(chan error, 1)
		go func() { errc <- q.Enqueue(t.Context(), "noop") }()
		time.Sleep(10 * time.Millisecond)
		q.Close()
		require.ErrorIs(t, <-errc, ErrQueueClosed)
	})

	t.Run("worker limit bounds concurrency", func(t *testing.T) {
		t.Parallel()
		q := testQueue(t, LocalConfig{Workers: 2})
		var running, peak atomic.Int32
		q.Register("slow", func(context.Context, ...any) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return nil
		})
		q.Start(t.Context())
		for range 6 {
			require.NoError(t, q.Enqueue(t.Context(), "slow"))
		}
		q.Wait()
		require.LessOrEqual(t, peak.Load(), int32(2))
	})

	t.Run("failures and panics are reported", func(t *testing.T) {
		t.Parallel()
		var mu sync.Mutex
		failed := map[string]error{}
		q := testQueue(t, LocalConfig{OnError: func(name string, err error) {
			mu.Lock()
			defer mu.Unlock()
			failed[name] = err
		}})
		errBoom := errors.New("boom")
		q.Register("fails", func(context.Context, ...any) error { return errBoom })
		q.Register("panics", func(context.Context, ...any) error { panic("bad row") })
		q.Start(t.Context())

		require.NoError(t, q.Enqueue(t.Context(), "fails"))
		require.NoError(t, q.Enqueue(t.Context(), "panics"))
		q.Wait()

		mu.Lock()
		defer mu.Unlock()
		require.ErrorIs(t, failed["fails"], errBoom)
		require.ErrorContains(t, failed["panics"], "bad row")
	})

	t.Run("rate limit spaces dispatch", func(t *testing.T) {
		t.Parallel()
		q := testQueue(t, LocalConfig{Rate: rate.Every(20 * time.Millisecond), Burst: 1})
		q.Register("noop", func(context.Context, ...any) error { return nil })
		q.Start(t.Context())

		start := time.Now()
		for range 4 {
			require.NoError(t, q.Enqueue(t.Context(), "noop"))
		}
		q.Wait()
		require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("cancelled dispatcher releases wait", func(t *testing.T) {
		t.Parallel()
		q := testQueue(t, LocalConfig{})
		block := make(chan struct{})
		q.Register("block", func(context.Context, ...any) error {
			<-block
			return nil
		})
		ctx, cancel := context.WithCancel(t.Context())
		q.Start(ctx)
		require.NoError(t, q.Enqueue(t.Context(), "block"))
		cancel()
		close(block)
		q.Wait()
	})
}
