package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-jobs/internal/progress"
	"github.com/JakeFAU/extraction-jobs/internal/store"
)

// StoreSink archives activity via a store.ActivityRepository. Every event is
// appended; terminal events also upsert the job outcome.
type StoreSink struct {
	repo   store.ActivityRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ActivityRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes the batch in one insert and then records outcomes. It
// respects ctx deadlines and returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil || len(batch) == 0 {
		return nil
	}
	records := make([]store.ActivityRecord, 0, len(batch))
	for _, evt := range batch {
		records = append(records, store.ActivityRecord{
			AppJobID:    evt.AppJobID,
			WorkerJobID: evt.WorkerJobID,
			Kind:        string(evt.Kind),
			Status:      evt.Status,
			RowsAdded:   evt.RowsAdded,
			RowsTotal:   evt.RowsTotal,
			Note:        evt.Note,
			RecordedAt:  evt.TS,
		})
	}
	if err := s.repo.AppendActivity(ctx, records); err != nil {
		return fmt.Errorf("append activity: %w", err)
	}

	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		outcome := store.JobOutcome{
			AppJobID:    evt.AppJobID,
			WorkerJobID: evt.WorkerJobID,
			Status:      evt.Status,
			FinishedAt:  evt.TS,
			RowCount:    evt.RowsTotal,
		}
		if evt.Kind == progress.KindError {
			outcome.ErrorMessage = evt.Note
		}
		if err := s.repo.RecordOutcome(ctx, outcome); err != nil {
			return fmt.Errorf("record outcome: %w", err)
		}
		s.logger.Debug("job outcome archived",
			zap.String("app_job_id", evt.AppJobID),
			zap.String("status", evt.Status),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
