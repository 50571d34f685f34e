package importer

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/openspending/cube/cube/pkg/dataset"
	"github.com/openspending/cube/cube/pkg/model"
	pgtesting "github.com/openspending/cube/cube/pkg/postgres/testing"
	"github.com/openspending/cube/cube/pkg/source"
	"github.com/openspending/cube/cube/pkg/store"
	cubetesting "github.com/openspending/cube/utils/pkg/testing"
)

var (
	sharedDB *pgtesting.DB
)

func TestMain(m *testing.M) {
	log := cubetesting.NewLogger()
	var err error
	sharedDB, err = pgtesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared DB", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}

const grantsModelYAML = `
dataset:
  name: grants
  label: Grants
mapping:
  amount:
    type: measure
    column: amount
  time:
    type: date
    column: date
  recipient:
    type: compound
    attributes:
      name:
        column: recipient
        datatype: id
      label:
        column: recipient
  project:
    type: value
    column: project
    key: true
`

const grantsCSV = `amount,date,recipient,project
100,2010-01-01,Red Cross,p1
200,2010-02-01,Red Cross,p2
300,not a date,Oxfam,p3
400,2010-04-01,Oxfam,p4
500,2010-05-01,Save the Children,p5
`

func grantsModel(t *testing.T) *model.Model {
	t.Helper()
	m, err := model.Parse([]byte(grantsModelYAML))
	require.NoError(t, err)
	return m
}

func grantsDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.New(cubetesting.NewLogger(), grantsModel(t))
	require.NoError(t, err)
	return ds
}

func writeCSV(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "grants.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func testOpener(t *testing.T) *source.Opener {
	t.Helper()
	o, err := source.NewOpener(source.OpenerConfig{Logger: cubetesting.NewLogger()})
	require.NoError(t, err)
	return o
}

func csvSource(t *testing.T, body string) RowSource {
	t.Helper()
	return csvRows(testOpener(t), writeCSV(t, body), false)
}

// memoryRunLog keeps runs and log records in memory.
type memoryRunLog struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]*store.Run
	records []*store.LogRecord
	touched []string
}

func newMemoryRunLog() *memoryRunLog {
	return &memoryRunLog{runs: make(map[uuid.UUID]*store.Run)}
}

func (l *memoryRunLog) CreateRun(_ context.Context, ds, src string, op store.Operation) (*store.Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	run := &store.Run{ID: uuid.New(), Dataset: ds, Source: src, Operation: op, Status: store.StatusRunning, TimeStart: time.Now()}
	l.runs[run.ID] = run
	return run, nil
}

func (l *memoryRunLog) FinishRun(_ context.Context, id uuid.UUID, status store.Status) (*store.Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if run.Status != store.StatusRunning {
		return nil, store.ErrRunFinished
	}
	now := time.Now()
	run.Status = status
	run.TimeEnd = &now
	return run, nil
}

func (l *memoryRunLog) AddLogRecord(_ context.Context, rec *store.LogRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

func (l *memoryRunLog) TouchDataset(_ context.Context, name string) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.touched = append(l.touched, name)
	return time.Now(), nil
}

func (l *memoryRunLog) run(id uuid.UUID) *store.Run {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runs[id]
}

// recordsFor returns a run's records ordered by row.
func (l *memoryRunLog) recordsFor(id uuid.UUID) []*store.LogRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*store.LogRecord
	for _, rec := range l.records {
		if rec.RunID == id {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Row < out[b].Row })
	return out
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []string
}

func (q *recordingQueue) Enqueue(_ context.Context, name string, args ...any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	parts := []string{name}
	for _, a := range args {
		parts = append(parts, a.(string))
	}
	q.jobs = append(q.jobs, strings.Join(parts, " "))
	return nil
}

type recordingInvalidator struct {
	mu       sync.Mutex
	datasets []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, ds string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.datasets = append(r.datasets, ds)
	return nil
}
