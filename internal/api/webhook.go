package api

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-jobs/internal/jobs"
	"github.com/JakeFAU/extraction-jobs/internal/webhook"
)

type webhookResponse struct {
	Success  bool        `json:"success"`
	AppJobID string      `json:"appJobId,omitempty"`
	Status   jobs.Status `json:"status,omitempty"`
	Ignored  bool        `json:"ignored,omitempty"`
}

// handleWebhook applies one extraction worker callback. Events for finished
// jobs and unknown event kinds are acknowledged with ignored=true.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Webhook.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeFailure(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeFailure(w, http.StatusBadRequest, "failed to read body")
		return
	}
	payload, err := webhook.Decode(body)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.ingestor.Ingest(r.Context(), payload)
	switch {
	case err == nil:
	case errors.Is(err, webhook.ErrMalformed):
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, jobs.ErrNotFound):
		writeFailure(w, http.StatusNotFound, "no job matches worker job "+payload.JobID)
		return
	case errors.Is(err, jobs.ErrAlreadyBound):
		writeFailure(w, http.StatusConflict, err.Error())
		return
	default:
		s.logger.Error("webhook ingestion failed",
			zap.String("event", payload.Event),
			zap.String("worker_job_id", payload.JobID),
			zap.Error(err),
		)
		writeFailure(w, http.StatusInternalServerError, "failed to apply event")
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{
		Success:  true,
		AppJobID: res.AppJobID,
		Status:   res.Status,
		Ignored:  res.Ignored || res.Unknown,
	})
}
