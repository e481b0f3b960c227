package bus

import (
	"time"

	"github.com/JakeFAU/extraction-jobs/internal/jobs"
)

// EventType classifies an Event for stream consumers.
type EventType string

// Event types forwarded to stream subscribers.
const (
	TypeStatus   EventType = "status"
	TypeInfo     EventType = "info"
	TypeProgress EventType = "progress"
	TypeComplete EventType = "complete"
	TypeError    EventType = "error"
)

// Event is one published job update. Only the payload matching Type is set.
type Event struct {
	Type      EventType        `json:"type"`
	JobID     string           `json:"jobId"`
	Status    jobs.Status      `json:"status,omitempty"`
	Message   string           `json:"message,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Progress  *ProgressPayload `json:"progress,omitempty"`
	Data      *CompletePayload `json:"data,omitempty"`
	Snapshot  *StatusPayload   `json:"snapshot,omitempty"`
}

// ProgressPayload carries the counters of a progress report.
type ProgressPayload struct {
	Current    float64 `json:"current"`
	Total      float64 `json:"total"`
	Percentage int     `json:"percentage"`
	RowsAdded  int     `json:"rowsAdded"`
	TotalRows  int     `json:"totalRows"`
}

// CompletePayload carries the cleaned result set.
type CompletePayload struct {
	Rows     []jobs.Row         `json:"rows"`
	CSV      string             `json:"csv,omitempty"`
	Schema   []jobs.SchemaField `json:"schema"`
	Feedback string             `json:"feedback,omitempty"`
}

// StatusPayload summarises a job when a stream opens.
type StatusPayload struct {
	WorkerJobID string         `json:"workerJobId,omitempty"`
	TotalRows   int            `json:"totalRows"`
	Progress    *jobs.Progress `json:"progress,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Final reports whether no further events should be expected after e.
func (e Event) Final() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

// StatusEvent builds the opening frame of a stream from a job snapshot.
func StatusEvent(job jobs.Job, at time.Time) Event {
	var progress *jobs.Progress
	if job.Progress != nil {
		p := *job.Progress
		progress = &p
	}
	return Event{
		Type:      TypeStatus,
		JobID:     job.AppJobID,
		Status:    job.Status,
		Timestamp: at,
		Snapshot: &StatusPayload{
			WorkerJobID: job.WorkerJobID,
			TotalRows:   len(job.Rows),
			Progress:    progress,
			Error:       job.Error,
		},
	}
}
