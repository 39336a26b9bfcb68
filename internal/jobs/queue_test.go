package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	braerr "github.com/agent-brain/agent-brain/internal/errors"
)

type stubRunner struct {
	mu    sync.Mutex
	runs  []string
	fn    func(ctx context.Context, job *Job, probe func() bool, progress func(Progress)) (RunResult, error)
	calls int32
}

func (s *stubRunner) Run(ctx context.Context, job *Job, probe func() bool, progress func(Progress)) (RunResult, error) {
	atomic.AddInt32(&s.calls, 1)
	s.mu.Lock()
	s.runs = append(s.runs, job.Request.FolderPath)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, job, probe, progress)
	}
	return RunResult{FilesProcessed: 1, ChunksCreated: 2}, nil
}

func newTestQueue(t *testing.T, runner *stubRunner, opts Options) (*Queue, *Store) {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	count := int32(0)
	countFn := func(ctx context.Context) (int, error) {
		return int(atomic.AddInt32(&count, 1)), nil
	}

	opts.PollInterval = 10 * time.Millisecond
	q := NewQueue(store, runner, countFn, opts)
	return q, store
}

func waitStatus(t *testing.T, store *Store, id string, want Status) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if j := store.Get(id); j != nil && j.Status == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j := store.Get(id)
	t.Fatalf("job %s never reached %s (now %v)", id, want, j)
	return nil
}

func TestEnqueueDedupesActiveJobs(t *testing.T) {
	q, _ := newTestQueue(t, &stubRunner{}, Options{})

	req := Request{Operation: OpIndex, FolderPath: "/src/project"}
	j1, created, err := q.Enqueue(req)
	require.NoError(t, err)
	assert.True(t, created)

	j2, created, err := q.Enqueue(req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, j1.ID, j2.ID)

	// Different operation hashes to a different key.
	j3, created, err := q.Enqueue(Request{Operation: OpIndexAdd, FolderPath: "/src/project"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, j1.ID, j3.ID)
}

func TestEnqueueConcurrentDuplicatesCollapse(t *testing.T) {
	q, store := newTestQueue(t, &stubRunner{}, Options{})
	req := Request{Operation: OpIndex, FolderPath: "/src/project"}

	// The dedupe check and the insert hold one lock; racing identical
	// requests must produce exactly one job.
	const racers = 16
	var created, failed int32
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, ok, err := q.Enqueue(req)
			if err != nil {
				atomic.AddInt32(&failed, 1)
				return
			}
			if ok {
				atomic.AddInt32(&created, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&failed))
	assert.Equal(t, int32(1), atomic.LoadInt32(&created))

	all, total, stats := store.List(0, 0)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, stats.Pending)
	require.Len(t, all, 1)
	assert.Equal(t, req.DedupeKey(), all[0].DedupeKey)
}

func TestEnqueueRejectsWhenQueueFull(t *testing.T) {
	q, _ := newTestQueue(t, &stubRunner{}, Options{MaxQueue: 2})

	for i, folder := range []string{"/a", "/b"} {
		_, created, err := q.Enqueue(Request{Operation: OpIndex, FolderPath: folder})
		require.NoError(t, err, "enqueue %d", i)
		require.True(t, created)
	}

	_, _, err := q.Enqueue(Request{Operation: OpIndex, FolderPath: "/c"})
	require.Error(t, err)
	assert.Equal(t, braerr.ErrCodeQueueFull, braerr.GetCode(err))
}

func TestWorkerRunsFIFO(t *testing.T) {
	runner := &stubRunner{}
	q, store := newTestQueue(t, runner, Options{})

	j1, _, err := q.Enqueue(Request{Operation: OpIndex, FolderPath: "/first"})
	require.NoError(t, err)
	j2, _, err := q.Enqueue(Request{Operation: OpIndex, FolderPath: "/second"})
	require.NoError(t, err)

	q.Start(context.Background())
	defer q.Stop()

	waitStatus(t, store, j1.ID, StatusCompleted)
	waitStatus(t, store, j2.ID, StatusCompleted)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, []string{"/first", "/second"}, runner.runs)
}

func TestCancelPendingIsImmediate(t *testing.T) {
	q, store := newTestQueue(t, &stubRunner{}, Options{})

	j, _, err := q.Enqueue(Request{Operation: OpIndex, FolderPath: "/x"})
	require.NoError(t, err)

	cancelled, err := q.Cancel(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.NotNil(t, store.Get(j.ID).FinishedAt)
}

func TestCancelRunningIsAcknowledgedAndHonoured(t *testing.T) {
	started := make(chan struct{})
	runner := &stubRunner{
		fn: func(ctx context.Context, job *Job, probe func() bool, progress func(Progress)) (RunResult, error) {
			close(started)
			for i := 0; i < 1000; i++ {
				if probe() {
					return RunResult{Cancelled: true}, nil
				}
				time.Sleep(5 * time.Millisecond)
			}
			return RunResult{FilesProcessed: 1}, nil
		},
	}
	q, store := newTestQueue(t, runner, Options{})

	j, _, err := q.Enqueue(Request{Operation: OpIndex, FolderPath: "/slow"})
	require.NoError(t, err)
	q.Start(context.Background())
	defer q.Stop()

	<-started
	ack, err := q.Cancel(j.ID)
	require.NoError(t, err)
	assert.True(t, ack.CancelRequested)

	waitStatus(t, store, j.ID, StatusCancelled)
}

func TestCancelTerminalConflicts(t *testing.T) {
	q, store := newTestQueue(t, &stubRunner{}, Options{})

	j, _, err := q.Enqueue(Request{Operation: OpIndex, FolderPath: "/done"})
	require.NoError(t, err)
	q.Start(context.Background())
	defer q.Stop()
	waitStatus(t, store, j.ID, StatusCompleted)

	_, err = q.Cancel(j.ID)
	require.Error(t, err)
	assert.Equal(t, braerr.ErrCodeJobTerminal, braerr.GetCode(err))
}

func TestWorkerRetriesRetryableErrors(t *testing.T) {
	var attempts int32
	runner := &stubRunner{
		fn: func(ctx context.Context, job *Job, probe func() bool, progress func(Progress)) (RunResult, error) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return RunResult{}, braerr.New(braerr.ErrCodeProviderTimeout, "embedding timeout", nil)
			}
			return RunResult{FilesProcessed: 2}, nil
		},
	}
	q, store := newTestQueue(t, runner, Options{MaxRetries: 3, RetryBaseDelay: time.Millisecond})

	j, _, err := q.Enqueue(Request{Operation: OpIndex, FolderPath: "/flaky"})
	require.NoError(t, err)
	q.Start(context.Background())
	defer q.Stop()

	got := waitStatus(t, store, j.ID, StatusCompleted)
	assert.Equal(t, 3, got.Attempts)
}

func TestWorkerFailsFastOnNonRetryable(t *testing.T) {
	runner := &stubRunner{
		fn: func(ctx context.Context, job *Job, probe func() bool, progress func(Progress)) (RunResult, error) {
			return RunResult{}, braerr.New(braerr.ErrCodeDimensionMismatch, "768 != 1536", nil)
		},
	}
	q, store := newTestQueue(t, runner, Options{MaxRetries: 3, RetryBaseDelay: time.Millisecond})

	j, _, err := q.Enqueue(Request{Operation: OpIndex, FolderPath: "/bad"})
	require.NoError(t, err)
	q.Start(context.Background())
	defer q.Stop()

	got := waitStatus(t, store, j.ID, StatusFailed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runner.calls))
	assert.Contains(t, got.Error, "768")
}

func TestDeltaVerificationFailsSilentJobs(t *testing.T) {
	runner := &stubRunner{
		fn: func(ctx context.Context, job *Job, probe func() bool, progress func(Progress)) (RunResult, error) {
			return RunResult{FilesProcessed: 0, ChunksCreated: 0}, nil
		},
	}
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	// Count never grows.
	countFn := func(ctx context.Context) (int, error) { return 7, nil }
	q := NewQueue(store, runner, countFn, Options{PollInterval: 10 * time.Millisecond})

	j, _, err := q.Enqueue(Request{Operation: OpIndex, FolderPath: "/silent"})
	require.NoError(t, err)
	q.Start(context.Background())
	defer q.Stop()

	got := waitStatus(t, store, j.ID, StatusFailed)
	assert.Contains(t, got.Error, "delta verification")
}

func TestStoreMarksInterruptedJobsFailedOnLoad(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	j := NewJob(Request{Operation: OpIndex, FolderPath: "/x"})
	j.Status = StatusRunning
	require.NoError(t, store.Put(j))

	reloaded, err := NewStore(dir)
	require.NoError(t, err)
	got := reloaded.Get(j.ID)
	require.NotNil(t, got)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Error, "interrupted")
}

func TestProgressUpdates(t *testing.T) {
	runner := &stubRunner{
		fn: func(ctx context.Context, job *Job, probe func() bool, progress func(Progress)) (RunResult, error) {
			progress(Progress{FilesProcessed: 5, FilesTotal: 10, ChunksCreated: 40, CurrentFile: "pkg/a.go"})
			return RunResult{FilesProcessed: 10, ChunksCreated: 80}, nil
		},
	}
	q, store := newTestQueue(t, runner, Options{})

	j, _, err := q.Enqueue(Request{Operation: OpIndex, FolderPath: "/p"})
	require.NoError(t, err)
	q.Start(context.Background())
	defer q.Stop()

	got := waitStatus(t, store, j.ID, StatusCompleted)
	assert.Equal(t, 5, got.Progress.FilesProcessed)
	assert.Equal(t, 50.0, got.Progress.Percent())
}
