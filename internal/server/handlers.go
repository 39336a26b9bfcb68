package server

import (
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agent-brain/agent-brain/internal/errors"
	"github.com/agent-brain/agent-brain/internal/jobs"
	"github.com/agent-brain/agent-brain/internal/loader"
	"github.com/agent-brain/agent-brain/internal/query"
	"github.com/agent-brain/agent-brain/internal/store"
	"github.com/agent-brain/agent-brain/pkg/version"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		Suggestion string `json:"suggestion,omitempty"`
	} `json:"error"`
}

// statusForError maps the error category onto an HTTP status.
func statusForError(err error) int {
	switch errors.GetCategory(err) {
	case errors.CategoryValidation:
		return http.StatusBadRequest
	case errors.CategoryNotReady:
		return http.StatusServiceUnavailable
	case errors.CategoryConflict:
		return http.StatusConflict
	case errors.CategoryProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("response_encode_failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var body errorBody
	body.Error.Code = errors.GetCode(err)
	if body.Error.Code == "" {
		body.Error.Code = errors.ErrCodeInternal
	}
	body.Error.Message = err.Error()
	var be *errors.BrainError
	if stderrors.As(err, &be) {
		body.Error.Message = be.Message
		body.Error.Suggestion = be.Suggestion
	}
	writeJSON(w, statusForError(err), body)
}

// GET /health/
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, message := s.healthState(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   version.Short(),
	})
}

func (s *Server) healthState(r *http.Request) (string, string) {
	if active := s.queue.Active(); active != nil {
		return "indexing", "indexing job " + active.ID + " in progress"
	}

	meta, err := s.backend.GetEmbeddingMetadata(r.Context())
	if err != nil {
		return "unhealthy", err.Error()
	}
	if meta == nil {
		return "healthy", "no documents indexed yet"
	}

	warning, err := store.ValidateCompatibility(
		s.embedder.ProviderName(), s.embedder.ModelName(), s.embedder.Dimensions(), meta)
	if err != nil {
		return "degraded", err.Error()
	}
	if warning != "" {
		return "degraded", warning
	}
	return "healthy", "ready"
}

// GET /health/status
func (s *Server) handleHealthStatus(w http.ResponseWriter, r *http.Request) {
	all, _, stats := s.queue.List(0, 0)

	total, err := s.backend.Count(r.Context(), nil)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{
		"total_chunks": total,
		"in_progress":  false,
		"job_stats":    stats,
	}

	var lastCompleted *time.Time
	folders := map[string]bool{}
	for _, j := range all {
		if j.Status == jobs.StatusRunning {
			resp["in_progress"] = true
			resp["current_job_id"] = j.ID
			resp["progress_percent"] = j.Progress.Percent()
		}
		if j.Status == jobs.StatusCompleted {
			folders[j.Request.FolderPath] = true
			if j.FinishedAt != nil && (lastCompleted == nil || j.FinishedAt.After(*lastCompleted)) {
				lastCompleted = j.FinishedAt
			}
		}
	}
	indexed := make([]string, 0, len(folders))
	for f := range folders {
		indexed = append(indexed, f)
	}
	resp["indexed_folders"] = indexed
	if lastCompleted != nil {
		resp["last_completed_at"] = lastCompleted.Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, resp)
}

// GET /health/{backend}
func (s *Server) handleBackendDiagnostics(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "backend")
	if name != s.cfg.Storage.Backend {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"detail": "backend " + name + " is not active",
		})
		return
	}

	total, err := s.backend.Count(r.Context(), nil)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{
		"backend":      name,
		"total_chunks": total,
	}
	if pooled, ok := s.backend.(interface{ PoolStats() map[string]any }); ok {
		resp["pool"] = pooled.PoolStats()
	}
	if s.tel != nil {
		snapshot, err := s.tel.Snapshot()
		if err == nil {
			resp["telemetry"] = snapshot
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type indexRequest struct {
	FolderPath   string `json:"folder_path"`
	ChunkSize    int    `json:"chunk_size,omitempty"`
	ChunkOverlap int    `json:"chunk_overlap,omitempty"`
	Recursive    *bool  `json:"recursive,omitempty"`
	IncludeCode  bool   `json:"include_code,omitempty"`
}

// POST /index/ and POST /index/add
func (s *Server) handleIndex(op jobs.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req indexRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.New(errors.ErrCodeInvalidInput, "invalid request body", err))
			return
		}
		if err := loader.ValidateFolder(req.FolderPath); err != nil {
			writeError(w, err)
			return
		}

		recursive := true
		if req.Recursive != nil {
			recursive = *req.Recursive
		}

		job, created, err := s.queue.Enqueue(jobs.Request{
			Operation:    op,
			FolderPath:   req.FolderPath,
			Recursive:    recursive,
			IncludeCode:  req.IncludeCode,
			ChunkSize:    req.ChunkSize,
			ChunkOverlap: req.ChunkOverlap,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		if !created {
			writeJSON(w, http.StatusConflict, map[string]any{
				"job_id":  job.ID,
				"status":  job.Status,
				"message": "an equivalent job is already active",
			})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id":  job.ID,
			"status":  job.Status,
			"message": "indexing job enqueued",
		})
	}
}

// DELETE /index/
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if active := s.queue.Active(); active != nil {
		writeError(w, errors.Newf(errors.ErrCodeIndexingActive,
			"cannot reset while job %s is running", active.ID))
		return
	}

	if err := s.backend.Reset(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	if s.graphIdx != nil {
		if err := s.graphIdx.Reset(); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// GET /jobs/
func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	list, total, stats := s.queue.List(limit, offset)
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  list,
		"total": total,
		"stats": stats,
	})
}

// GET /jobs/{id}
func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job := s.queue.Get(chi.URLParam(r, "id"))
	if job == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// DELETE /jobs/{id}
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.queue.Get(id) == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "job not found"})
		return
	}
	job, err := s.queue.Cancel(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type queryRequest struct {
	Query               string   `json:"query"`
	TopK                *int     `json:"top_k,omitempty"`
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`
	Mode                string   `json:"mode,omitempty"`
	Alpha               *float64 `json:"alpha,omitempty"`
	Filters             struct {
		SourceTypes []string `json:"source_types,omitempty"`
		Languages   []string `json:"languages,omitempty"`
	} `json:"filters,omitempty"`
	Rerank bool `json:"rerank,omitempty"`
}

// POST /query/
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New(errors.ErrCodeInvalidInput, "invalid request body", err))
		return
	}

	topK := s.cfg.Limits.DefaultTopK
	if req.TopK != nil {
		topK = *req.TopK
	}
	minScore := s.cfg.Limits.DefaultMinScore
	if req.SimilarityThreshold != nil {
		minScore = *req.SimilarityThreshold
	}
	mode := query.ModeHybrid
	if req.Mode != "" {
		mode = query.Mode(req.Mode)
	}

	resp, err := s.query.Search(r.Context(), query.Request{
		Query:       req.Query,
		TopK:        topK,
		MinScore:    minScore,
		Mode:        mode,
		Alpha:       req.Alpha,
		SourceTypes: req.Filters.SourceTypes,
		Languages:   req.Filters.Languages,
		Rerank:      req.Rerank,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /query/count
func (s *Server) handleQueryCount(w http.ResponseWriter, r *http.Request) {
	total, err := s.backend.Count(r.Context(), nil)
	if err != nil {
		writeError(w, err)
		return
	}
	ready, err := s.query.Ready(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_chunks": total,
		"ready":        ready,
	})
}
