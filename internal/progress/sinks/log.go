package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-jobs/internal/progress"
)

// LogSink emits one structured log line per activity event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Terminal failures log at warn.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("app_job_id", evt.AppJobID),
			zap.String("worker_job_id", evt.WorkerJobID),
			zap.String("kind", string(evt.Kind)),
			zap.String("status", evt.Status),
			zap.Int("rows_added", evt.RowsAdded),
			zap.Int("rows_total", evt.RowsTotal),
			zap.Time("ts", evt.TS),
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Kind == progress.KindError {
			s.logger.Warn("job activity", fields...)
			continue
		}
		s.logger.Info("job activity", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
