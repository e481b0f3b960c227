package sinks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-jobs/internal/progress"
)

// Publisher delivers a payload to a topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notification is published once per job when it reaches a terminal status.
type Notification struct {
	AppJobID    string    `json:"appJobId"`
	WorkerJobID string    `json:"workerJobId,omitempty"`
	Status      string    `json:"status"`
	RowCount    int       `json:"rowCount"`
	Error       string    `json:"error,omitempty"`
	FinishedAt  time.Time `json:"finishedAt"`
}

// Attributes exposes routing attributes for message brokers.
func (n Notification) Attributes() map[string]string {
	return map[string]string{
		"app_job_id": n.AppJobID,
		"status":     n.Status,
		"row_count":  strconv.Itoa(n.RowCount),
	}
}

// NotifySink publishes a Notification for every terminal event.
type NotifySink struct {
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// NewNotifySink constructs a NotifySink publishing to topic.
func NewNotifySink(publisher Publisher, topic string, logger *zap.Logger) *NotifySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifySink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes terminal events. Failures for one job do not stop the
// remaining notifications; all errors are joined.
func (s *NotifySink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		n := Notification{
			AppJobID:    evt.AppJobID,
			WorkerJobID: evt.WorkerJobID,
			Status:      evt.Status,
			RowCount:    evt.RowsTotal,
			FinishedAt:  evt.TS,
		}
		if evt.Kind == progress.KindError {
			n.Error = evt.Note
		}
		id, err := s.publisher.Publish(ctx, s.topic, n)
		if err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", evt.AppJobID, err))
			continue
		}
		s.logger.Debug("job notification published",
			zap.String("app_job_id", evt.AppJobID),
			zap.String("message_id", id),
		)
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *NotifySink) Close(context.Context) error {
	return nil
}
