// Package jobs owns the authoritative in-memory state of extraction jobs:
// their lifecycle status, accumulated rows and logs, and the binding between
// application-issued and worker-issued identifiers.
package jobs

import (
	"errors"
	"math"
	"time"
)

// Status is the lifecycle state of a Job.
type Status string

// Supported job statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCleaned    Status = "cleaned"
	StatusFailed     Status = "failed"
)

var (
	// ErrNotFound signals that no job matches the supplied identifier.
	ErrNotFound = errors.New("job not found")
	// ErrTerminal signals a mutation that would move a job out of a terminal state.
	ErrTerminal = errors.New("job is in a terminal state")
	// ErrInvalidTransition signals a status change the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyBound signals an attempt to bind a job that already has a different worker id.
	ErrAlreadyBound = errors.New("job already bound to another worker job")
)

// Row is a single extracted record. Rows are treated as immutable once stored.
type Row map[string]any

// Progress is the worker-reported {current, total} pair.
type Progress struct {
	Current float64 `json:"current"`
	Total   float64 `json:"total"`
}

// Percent returns round(current/total*100), or 0 when total is 0 or the
// ratio is not a number. Results are clamped to the int32 range.
func (p Progress) Percent() int {
	if p.Total == 0 {
		return 0
	}
	pct := math.Round(p.Current / p.Total * 100)
	switch {
	case math.IsNaN(pct):
		return 0
	case pct > math.MaxInt32:
		return math.MaxInt32
	case pct < math.MinInt32:
		return math.MinInt32
	}
	return int(pct)
}

// SourceDocument is one pre-fetched page handed to the worker.
type SourceDocument struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
}

// Input is the structured payload a job is created or enriched with.
type Input struct {
	Documents []SourceDocument `json:"documents"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// Job is the unit of work tracked end-to-end by AppJobID.
type Job struct {
	AppJobID    string    `json:"appJobId"`
	WorkerJobID string    `json:"workerJobId,omitempty"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	UserQuery   string    `json:"userQuery"`
	NumRows     int       `json:"numRows"`
	MaxURLs     int       `json:"maxUrls"`
	Input       *Input    `json:"input,omitempty"`
	Progress    *Progress `json:"progress,omitempty"`
	Rows        []Row     `json:"rows"`
	CSV         string    `json:"csv"`
	Logs        []string  `json:"logs"`
	Error       string    `json:"error,omitempty"`
}

// Clone returns a copy that shares no mutable slices with j.
func (j Job) Clone() Job {
	cp := j
	cp.Rows = append(make([]Row, 0, len(j.Rows)), j.Rows...)
	cp.Logs = append(make([]string, 0, len(j.Logs)), j.Logs...)
	if j.Progress != nil {
		p := *j.Progress
		cp.Progress = &p
	}
	if j.Input != nil {
		in := cloneInput(*j.Input)
		cp.Input = &in
	}
	return cp
}

func cloneInput(in Input) Input {
	out := Input{Documents: append([]SourceDocument(nil), in.Documents...)}
	if in.Metadata != nil {
		out.Metadata = make(map[string]any, len(in.Metadata))
		for k, v := range in.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
