// Package jobs implements the FIFO indexing job queue: a persistent job
// store under jobs.json, idempotent enqueue via dedupe keys, and a single
// worker with cooperative cancellation, retries and delta verification.
package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Operation names the kind of indexing work.
type Operation string

const (
	OpIndex    Operation = "index"
	OpIndexAdd Operation = "index_add"
)

// Progress tracks pipeline advancement on the job record.
type Progress struct {
	FilesProcessed int       `json:"files_processed"`
	FilesTotal     int       `json:"files_total"`
	ChunksCreated  int       `json:"chunks_created"`
	CurrentFile    string    `json:"current_file,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Percent returns completion in percent, 0 when the total is unknown.
func (p Progress) Percent() float64 {
	if p.FilesTotal <= 0 {
		return 0
	}
	return 100 * float64(p.FilesProcessed) / float64(p.FilesTotal)
}

// Request is an enqueue payload.
type Request struct {
	Operation    Operation `json:"operation"`
	FolderPath   string    `json:"folder_path"`
	Recursive    bool      `json:"recursive"`
	IncludeCode  bool      `json:"include_code"`
	ChunkSize    int       `json:"chunk_size,omitempty"`
	ChunkOverlap int       `json:"chunk_overlap,omitempty"`
}

// DedupeKey fingerprints the request so concurrent duplicates collapse
// onto one job. /index/ and /index/add hash differently by operation.
func (r Request) DedupeKey() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%t", r.Operation, r.FolderPath, r.IncludeCode)))
	return hex.EncodeToString(h[:16])
}

// Job is a unit of queued work.
type Job struct {
	ID              string     `json:"id"`
	DedupeKey       string     `json:"dedupe_key"`
	Status          Status     `json:"status"`
	Request         Request    `json:"request"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Progress        Progress   `json:"progress"`
	Attempts        int        `json:"attempts"`
	CancelRequested bool       `json:"cancel_requested"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// NewJob builds a PENDING job for the request.
func NewJob(req Request) *Job {
	return &Job{
		ID:        uuid.NewString(),
		DedupeKey: req.DedupeKey(),
		Status:    StatusPending,
		Request:   req,
		CreatedAt: time.Now().UTC(),
	}
}

// Stats summarises the queue for listings.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
