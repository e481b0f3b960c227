package sinks

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-jobs/internal/progress"
	"github.com/JakeFAU/extraction-jobs/internal/storage"
	"github.com/JakeFAU/extraction-jobs/internal/store"
)

// CleanedArtifactName is the object name used for a job's cleaned CSV.
const CleanedArtifactName = "cleaned.csv"

// OutcomeRecorder persists job outcomes; store.ActivityRepository satisfies it.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, outcome store.JobOutcome) error
}

// ArtifactSink writes the cleaned CSV of each data_cleaned event to a blob
// store under <prefix>/<appJobId>/cleaned.csv.
type ArtifactSink struct {
	blobs    storage.BlobStore
	prefix   string
	outcomes OutcomeRecorder
	logger   *zap.Logger
}

// NewArtifactSink constructs an ArtifactSink. outcomes may be nil; when set
// the artifact URI is attached to the job outcome.
func NewArtifactSink(
	blobs storage.BlobStore,
	prefix string,
	outcomes OutcomeRecorder,
	logger *zap.Logger,
) *ArtifactSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArtifactSink{blobs: blobs, prefix: prefix, outcomes: outcomes, logger: logger}
}

// Consume uploads one artifact per cleaned event in the batch.
func (s *ArtifactSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.blobs == nil {
		return nil
	}
	for _, evt := range batch {
		if evt.Kind != progress.KindDataCleaned || evt.CSV == "" {
			continue
		}
		objectPath := storage.ArtifactPath(s.prefix, evt.AppJobID, CleanedArtifactName)
		uri, err := s.blobs.PutObject(ctx, objectPath, "text/csv", strings.NewReader(evt.CSV))
		if err != nil {
			return fmt.Errorf("store cleaned artifact for %s: %w", evt.AppJobID, err)
		}
		s.logger.Info("cleaned artifact stored",
			zap.String("app_job_id", evt.AppJobID),
			zap.String("uri", uri),
		)
		if s.outcomes == nil {
			continue
		}
		if err := s.outcomes.RecordOutcome(ctx, store.JobOutcome{
			AppJobID:    evt.AppJobID,
			WorkerJobID: evt.WorkerJobID,
			Status:      evt.Status,
			FinishedAt:  evt.TS,
			RowCount:    evt.RowsTotal,
			ArtifactURI: uri,
		}); err != nil {
			return fmt.Errorf("record artifact uri: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *ArtifactSink) Close(context.Context) error {
	return nil
}
