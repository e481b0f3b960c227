package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("archive record not found")

// ActivityRecord is one archived job change.
type ActivityRecord struct {
	// AppJobID is the application-issued job id.
	AppJobID string
	// WorkerJobID is empty until the job is bound.
	WorkerJobID string
	// Kind is the lifecycle step (job_start, progress, ...).
	Kind string
	// Status is the job status after the change.
	Status string
	// RowsAdded and RowsTotal describe the row delta and the resulting count.
	RowsAdded int
	RowsTotal int
	// Note carries optional context such as a worker error message.
	Note string
	// RecordedAt is when the change was applied.
	RecordedAt time.Time
}

// JobOutcome is the final state of a job that reached a terminal status.
type JobOutcome struct {
	AppJobID     string
	WorkerJobID  string
	Status       string
	FinishedAt   time.Time
	RowCount     int
	ErrorMessage string
	ArtifactURI  string
}

// ActivityRepository persists job activity beyond the process lifetime.
type ActivityRepository interface {
	// AppendActivity inserts the records in order.
	AppendActivity(ctx context.Context, records []ActivityRecord) error
	// RecordOutcome upserts the final outcome of a job.
	RecordOutcome(ctx context.Context, outcome JobOutcome) error
	// ListActivity returns a job's records oldest first.
	ListActivity(ctx context.Context, appJobID string, limit, offset int) ([]ActivityRecord, error)
	// GetOutcome loads a job outcome or returns ErrNotFound.
	GetOutcome(ctx context.Context, appJobID string) (JobOutcome, error)
}
