package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/agent-brain/agent-brain/internal/errors"
)

// RunResult is what a pipeline run reports back to the worker.
type RunResult struct {
	FilesProcessed int
	ChunksCreated  int
	Cancelled      bool
}

// Runner executes a job's indexing work. probe returns true when
// cancellation was requested; the runner checks it between files.
type Runner interface {
	Run(ctx context.Context, job *Job, probe func() bool, progress func(Progress)) (RunResult, error)
}

// CountFunc snapshots the backend chunk count for delta verification.
type CountFunc func(ctx context.Context) (int, error)

// Options tunes the queue and worker.
type Options struct {
	MaxQueue       int
	MaxRetries     int
	RetryBaseDelay time.Duration
	JobTimeout     time.Duration
	PollInterval   time.Duration
}

func (o *Options) defaults() {
	if o.MaxQueue <= 0 {
		o.MaxQueue = 100
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Second
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 2 * time.Hour
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
}

// Queue is the FIFO job queue with its single worker.
type Queue struct {
	store  *Store
	runner Runner
	count  CountFunc
	opts   Options

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewQueue wires the queue. Start launches the worker.
func NewQueue(store *Store, runner Runner, count CountFunc, opts Options) *Queue {
	opts.defaults()
	return &Queue{
		store:  store,
		runner: runner,
		count:  count,
		opts:   opts,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Enqueue creates a PENDING job, or returns the existing active job for
// the same dedupe key. created reports which happened. The dedupe check
// and the insert are one atomic store operation.
func (q *Queue) Enqueue(req Request) (job *Job, created bool, err error) {
	j := NewJob(req)
	existing, created, err := q.store.TryEnqueue(j, q.opts.MaxQueue)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return existing, false, nil
	}
	q.nudge()
	return j, true, nil
}

// Get returns the job, nil when absent.
func (q *Queue) Get(id string) *Job { return q.store.Get(id) }

// List pages through jobs newest-first.
func (q *Queue) List(limit, offset int) ([]*Job, int, Stats) {
	return q.store.List(limit, offset)
}

// Cancel requests cancellation. PENDING cancels immediately; RUNNING is
// acknowledged and honoured at the next checkpoint; terminal jobs conflict.
func (q *Queue) Cancel(id string) (*Job, error) {
	j := q.store.Get(id)
	if j == nil {
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "job %s not found", id)
	}
	if j.Status.Terminal() {
		return nil, errors.Newf(errors.ErrCodeJobTerminal,
			"job %s is already %s", id, j.Status)
	}

	updated, err := q.store.Update(id, func(j *Job) {
		if j.Status == StatusPending {
			j.Status = StatusCancelled
			now := time.Now().UTC()
			j.FinishedAt = &now
			return
		}
		j.CancelRequested = true
		j.CancelReason = "cancelled by request"
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Active returns the RUNNING job, nil when idle.
func (q *Queue) Active() *Job {
	jobs, _, _ := q.store.List(0, 0)
	for _, j := range jobs {
		if j.Status == StatusRunning {
			return j
		}
	}
	return nil
}

// Start launches the worker goroutine.
func (q *Queue) Start(ctx context.Context) {
	go q.loop(ctx)
}

// Stop shuts the worker down and waits for it to drain.
func (q *Queue) Stop() {
	close(q.stopCh)
	<-q.doneCh
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.doneCh)
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-q.wake:
		case <-ticker.C:
		}

		for {
			job := q.store.NextPending()
			if job == nil {
				break
			}
			q.runJob(ctx, job)

			select {
			case <-ctx.Done():
				return
			case <-q.stopCh:
				return
			default:
			}
		}
	}
}

func (q *Queue) runJob(ctx context.Context, job *Job) {
	_, err := q.store.Update(job.ID, func(j *Job) {
		now := time.Now().UTC()
		j.Status = StatusRunning
		j.StartedAt = &now
	})
	if err != nil {
		slog.Error("job_transition_failed", "job_id", job.ID, "error", err)
		return
	}

	countBefore := -1
	if q.count != nil {
		if n, cntErr := q.count(ctx); cntErr == nil {
			countBefore = n
		}
	}

	// Soft deadline: past it the cancel flag is raised with a timeout
	// reason and the pipeline stops at its next checkpoint.
	timeout := time.AfterFunc(q.opts.JobTimeout, func() {
		_, _ = q.store.Update(job.ID, func(j *Job) {
			j.CancelRequested = true
			j.CancelReason = "job timeout exceeded"
		})
	})
	defer timeout.Stop()

	probe := func() bool { return q.store.CancelRequested(job.ID) }
	progress := func(p Progress) {
		p.UpdatedAt = time.Now().UTC()
		_, _ = q.store.Update(job.ID, func(j *Job) { j.Progress = p })
	}

	var result RunResult
	var runErr error
	for attempt := 1; attempt <= q.opts.MaxRetries; attempt++ {
		_, _ = q.store.Update(job.ID, func(j *Job) { j.Attempts = attempt })

		current := q.store.Get(job.ID)
		result, runErr = q.runner.Run(ctx, current, probe, progress)
		if runErr == nil || result.Cancelled {
			break
		}
		if !errors.IsRetryable(runErr) || attempt == q.opts.MaxRetries {
			break
		}

		delay := q.opts.RetryBaseDelay * time.Duration(1<<(attempt-1))
		slog.Warn("job_retry", "job_id", job.ID, "attempt", attempt, "delay", delay, "error", runErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			runErr = ctx.Err()
		case <-q.stopCh:
			runErr = errors.New(errors.ErrCodeInternal, "worker stopped", nil)
		}
		if runErr == ctx.Err() && runErr != nil {
			break
		}
	}

	final := q.finalStatus(ctx, job.ID, result, runErr, countBefore)
	_, _ = q.store.Update(job.ID, func(j *Job) {
		now := time.Now().UTC()
		j.Status = final.status
		j.FinishedAt = &now
		j.Error = final.errMsg
	})
	slog.Info("job_finished", "job_id", job.ID, "status", final.status,
		"files", result.FilesProcessed, "chunks", result.ChunksCreated)
}

type outcome struct {
	status Status
	errMsg string
}

func (q *Queue) finalStatus(ctx context.Context, jobID string, result RunResult, runErr error, countBefore int) outcome {
	if result.Cancelled {
		return outcome{status: StatusCancelled}
	}
	if runErr != nil {
		return outcome{status: StatusFailed, errMsg: runErr.Error()}
	}

	// Delta verification: catch silent upsert failures. Pure re-indexing
	// of identical content is allowed when files were processed.
	if q.count != nil && countBefore >= 0 {
		countAfter, err := q.count(ctx)
		if err == nil && countAfter <= countBefore && result.FilesProcessed == 0 {
			return outcome{
				status: StatusFailed,
				errMsg: "collection delta verification failed: no new chunks and no files processed",
			}
		}
	}
	return outcome{status: StatusCompleted}
}
