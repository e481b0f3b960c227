package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-jobs/internal/dispatcher"
	"github.com/JakeFAU/extraction-jobs/internal/export"
	"github.com/JakeFAU/extraction-jobs/internal/extractor"
	"github.com/JakeFAU/extraction-jobs/internal/jobs"
	"github.com/JakeFAU/extraction-jobs/internal/metrics"
	"github.com/JakeFAU/extraction-jobs/internal/progress"
	"github.com/JakeFAU/extraction-jobs/internal/store"
	"github.com/JakeFAU/extraction-jobs/internal/webhook"
)

const (
	defaultNumRows       = 25
	maxNumRows           = 2000
	defaultJobLimit      = 50
	maxJobLimit          = 500
	defaultActivityLimit = 100
	maxActivityLimit     = 1000
)

type createJobRequest struct {
	UserQuery string      `json:"userQuery"`
	NumRows   *int        `json:"numRows"`
	MaxURLs   int         `json:"maxUrls"`
	Input     *jobs.Input `json:"input"`
	URLs      []string    `json:"urls"`
	Dispatch  bool        `json:"dispatch"`
}

func (req createJobRequest) params() (jobs.CreateParams, error) {
	query := strings.TrimSpace(req.UserQuery)
	if query == "" {
		return jobs.CreateParams{}, errors.New("userQuery is required")
	}
	numRows := valueOrDefault(req.NumRows, defaultNumRows)
	if numRows < 1 || numRows > maxNumRows {
		return jobs.CreateParams{}, fmt.Errorf("numRows must be between 1 and %d", maxNumRows)
	}
	if req.MaxURLs < 0 {
		return jobs.CreateParams{}, errors.New("maxUrls must be >= 0")
	}
	return jobs.CreateParams{UserQuery: query, NumRows: numRows, MaxURLs: req.MaxURLs, Input: req.Input}, nil
}

type jobResponse struct {
	Success     bool     `json:"success"`
	Job         jobs.Job `json:"job"`
	StreamToken string   `json:"streamToken,omitempty"`
	Dispatched  bool     `json:"dispatched,omitempty"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	params, err := req.params()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.registry.CreateJob(params)
	if err != nil {
		s.logger.Error("create job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	metrics.ObserveJobCreated()
	s.emit(job, progress.KindCreated)

	resp := jobResponse{Success: true, Job: job}
	if s.auth != nil {
		token, err := s.auth.IssueStreamToken(job.AppJobID)
		if err != nil {
			s.logger.Error("issue stream token failed", zap.String("app_job_id", job.AppJobID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to issue stream token")
			return
		}
		resp.StreamToken = token
	}

	if req.Dispatch && s.dispatcher != nil {
		if err := s.enqueue(r.Context(), job, req.URLs); err != nil {
			s.logger.Error("enqueue invocation failed", zap.String("app_job_id", job.AppJobID), zap.Error(err))
			if _, failErr := s.ingestor.FailJob(r.Context(), job.AppJobID, "dispatch failed: "+err.Error()); failErr != nil {
				s.logger.Error("failed to mark job failed", zap.String("app_job_id", job.AppJobID), zap.Error(failErr))
			}
			writeError(w, http.StatusServiceUnavailable, "worker queue unavailable")
			return
		}
		resp.Dispatched = true
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) enqueue(ctx context.Context, job jobs.Job, urls []string) error {
	ctx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	req := extractor.Request{
		URLs:       urls,
		Query:      job.UserQuery,
		TargetRows: job.NumRows,
		AppJobID:   job.AppJobID,
		WebhookURL: s.cfg.Worker.CallbackURL,
	}
	if job.Input != nil {
		req.Documents = job.Input.Documents
	}
	return s.dispatcher.Enqueue(ctx, dispatcher.Invocation{
		AppJobID:   job.AppJobID,
		Request:    req,
		EnqueuedAt: s.clock.Now(),
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := jobs.ListFilter{Limit: limit, Offset: offset}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := jobs.Status(strings.ToLower(raw))
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		filter.Status = &status
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"jobs":    s.registry.List(filter),
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Success: true, Job: job})
}

func (s *Server) attachInput(w http.ResponseWriter, r *http.Request) {
	var input jobs.Input
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.registry.AttachInput(chi.URLParam(r, "job_id"), input)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Success: true, Job: job})
}

func (s *Server) cleanJob(w http.ResponseWriter, r *http.Request) {
	var req webhook.CleanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	appJobID := chi.URLParam(r, "job_id")
	res, err := s.ingestor.Clean(r.Context(), appJobID, req)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	if res.Ignored {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s and can no longer be cleaned", res.Status))
		return
	}
	job, err := s.registry.GetJob(appJobID)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Success: true, Job: job})
}

func (s *Server) exportJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	data, err := export.RowsXLSX(job.Rows)
	if err != nil {
		s.logger.Error("xlsx export failed", zap.String("app_job_id", job.AppJobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to export rows")
		return
	}
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.xlsx"`, job.AppJobID))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("xlsx write aborted", zap.Error(err))
	}
}

type activityDTO struct {
	WorkerJobID string    `json:"workerJobId,omitempty"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	RowsAdded   int       `json:"rowsAdded"`
	RowsTotal   int       `json:"rowsTotal"`
	Note        string    `json:"note,omitempty"`
	RecordedAt  time.Time `json:"recordedAt"`
}

type outcomeDTO struct {
	Status       string    `json:"status"`
	FinishedAt   time.Time `json:"finishedAt"`
	RowCount     int       `json:"rowCount"`
	ErrorMessage string    `json:"error,omitempty"`
	ArtifactURI  string    `json:"artifactUri,omitempty"`
}

// jobActivity serves the archived history of a job. It answers 503 when no
// archive is configured.
func (s *Server) jobActivity(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "activity archive unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultActivityLimit, maxActivityLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	appJobID := chi.URLParam(r, "job_id")
	ctx, cancel := context.WithTimeout(r.Context(), archiveTimeout)
	defer cancel()

	records, err := s.archive.ListActivity(ctx, appJobID, limit, offset)
	if err != nil {
		s.logger.Error("list activity failed", zap.String("app_job_id", appJobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list activity")
		return
	}
	resp := map[string]any{
		"appJobId": appJobID,
		"activity": toActivityDTOs(records),
	}
	outcome, err := s.archive.GetOutcome(ctx, appJobID)
	switch {
	case err == nil:
		resp["outcome"] = outcomeDTO{
			Status:       outcome.Status,
			FinishedAt:   outcome.FinishedAt,
			RowCount:     outcome.RowCount,
			ErrorMessage: outcome.ErrorMessage,
			ArtifactURI:  outcome.ArtifactURI,
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		s.logger.Error("get outcome failed", zap.String("app_job_id", appJobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load outcome")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func toActivityDTOs(in []store.ActivityRecord) []activityDTO {
	out := make([]activityDTO, 0, len(in))
	for _, rec := range in {
		out = append(out, activityDTO{
			WorkerJobID: rec.WorkerJobID,
			Kind:        rec.Kind,
			Status:      rec.Status,
			RowsAdded:   rec.RowsAdded,
			RowsTotal:   rec.RowsTotal,
			Note:        rec.Note,
			RecordedAt:  rec.RecordedAt,
		})
	}
	return out
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (jobs.Job, bool) {
	job, err := s.registry.GetJob(chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeJobError(w, err)
		return jobs.Job{}, false
	}
	return job, true
}

func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrTerminal), errors.Is(err, jobs.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("job operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) emit(job jobs.Job, kind progress.Kind) {
	if s.activity == nil {
		return
	}
	s.activity.Emit(progress.Event{
		AppJobID:    job.AppJobID,
		WorkerJobID: job.WorkerJobID,
		TS:          s.clock.Now(),
		Kind:        kind,
		Status:      string(job.Status),
		RowsTotal:   len(job.Rows),
	})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}
