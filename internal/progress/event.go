package progress

import (
	"errors"
	"fmt"
	"time"
)

// Kind denotes which job lifecycle step an Event records.
type Kind string

// Supported activity kinds. The webhook kinds mirror the worker protocol; the
// others originate inside the server.
const (
	KindCreated     Kind = "created"
	KindBound       Kind = "bound"
	KindJobStart    Kind = "job_start"
	KindProgress    Kind = "progress"
	KindJobComplete Kind = "job_complete"
	KindDataCleaned Kind = "data_cleaned"
	KindError       Kind = "error"
	KindInvoked     Kind = "invoked"
)

// Event captures a single applied change to a job.
type Event struct {
	// AppJobID identifies the job inside this service.
	AppJobID string
	// WorkerJobID is the worker-issued id, empty until bound.
	WorkerJobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Kind denotes which lifecycle step occurred.
	Kind Kind
	// Status is the job status after the change.
	Status string
	// RowsAdded counts rows appended by this change (or the replacement size on cleaning).
	RowsAdded int
	// RowsTotal is the job's row count after the change.
	RowsTotal int
	// CSV carries the cleaned rendering; only set for KindDataCleaned.
	CSV string
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.AppJobID == "" {
		return errors.New("app job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindCreated, KindJobStart, KindProgress, KindJobComplete, KindDataCleaned, KindError, KindInvoked:
	case KindBound:
		if e.WorkerJobID == "" {
			return errors.New("bound event requires worker job id")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.RowsAdded < 0 || e.RowsTotal < 0 {
		return errors.New("row counts must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends the job's lifecycle.
func (e Event) Terminal() bool {
	return e.Status == "cleaned" || e.Status == "failed"
}
