package jobs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agent-brain/agent-brain/internal/errors"
)

// StoreFileName is the job store file under the state directory.
const StoreFileName = "jobs.json"

// Store persists jobs to jobs.json with atomic writes. The worker is the
// only writer to job state; HTTP handlers read.
type Store struct {
	path string

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewStore loads or creates the job store. Jobs left RUNNING by a previous
// process are marked FAILED at load (the process died mid-job).
func NewStore(stateDir string) (*Store, error) {
	s := &Store{
		path: filepath.Join(stateDir, StoreFileName),
		jobs: map[string]*Job{},
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.Wrap(errors.ErrCodeStateDir, err)
	}

	var loaded []*Job
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, errors.New(errors.ErrCodeStateDir, "corrupt job store", err)
	}
	for _, j := range loaded {
		if j.Status == StatusRunning {
			j.Status = StatusFailed
			j.Error = "interrupted by process shutdown"
			now := time.Now().UTC()
			j.FinishedAt = &now
		}
		s.jobs[j.ID] = j
	}
	return s, nil
}

// Put inserts or replaces a job and persists.
func (s *Store) Put(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return s.saveLocked()
}

// Get returns a copy of the job, nil when absent.
func (s *Store) Get(id string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// TryEnqueue checks the dedupe key and the backlog bound and inserts the
// job under one lock hold, so two concurrent identical requests cannot
// both create a job. Returns the active duplicate when one exists,
// otherwise created reports a successful insert.
func (s *Store) TryEnqueue(job *Job, maxPending int) (existing *Job, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := 0
	for _, j := range s.jobs {
		if j.DedupeKey == job.DedupeKey && (j.Status == StatusPending || j.Status == StatusRunning) {
			cp := *j
			return &cp, false, nil
		}
		if j.Status == StatusPending {
			pending++
		}
	}
	if pending >= maxPending {
		return nil, false, errors.Newf(errors.ErrCodeQueueFull,
			"queue has %d pending jobs", pending)
	}

	cp := *job
	s.jobs[job.ID] = &cp
	if err := s.saveLocked(); err != nil {
		delete(s.jobs, job.ID)
		return nil, false, err
	}
	return nil, true, nil
}

// NextPending returns the oldest PENDING job, nil when the queue is idle.
func (s *Store) NextPending() *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest *Job
	for _, j := range s.jobs {
		if j.Status != StatusPending {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil
	}
	cp := *oldest
	return &cp
}

// List returns jobs newest-first with pagination, plus totals and stats.
func (s *Store) List(limit, offset int) ([]*Job, int, Stats) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Job, 0, len(s.jobs))
	var stats Stats
	for _, j := range s.jobs {
		cp := *j
		all = append(all, &cp)
		switch j.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	sort.Slice(all, func(i, k int) bool { return all[i].CreatedAt.After(all[k].CreatedAt) })

	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, stats
}

// Update applies fn to the stored job under the lock and persists. Returns
// the updated copy, nil when the job does not exist.
func (s *Store) Update(id string, fn func(*Job)) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	fn(j)
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	cp := *j
	return &cp, nil
}

// CancelRequested reads the job's cancel flag; used as the pipeline's
// cancellation probe.
func (s *Store) CancelRequested(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return ok && j.CancelRequested
}

func (s *Store) saveLocked() error {
	all := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		all = append(all, j)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].CreatedAt.Before(all[k].CreatedAt) })

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeStateDir, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeStateDir, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(errors.ErrCodeStateDir, err)
	}
	return nil
}
