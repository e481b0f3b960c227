// Package webhook turns worker callbacks into registry mutations, live bus
// publications and archived activity. It also hosts the cleaning call and
// the dispatcher's failure path, which share the same mutation rules.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-jobs/internal/bus"
	"github.com/JakeFAU/extraction-jobs/internal/hash/sha256"
	"github.com/JakeFAU/extraction-jobs/internal/jobs"
	"github.com/JakeFAU/extraction-jobs/internal/metrics"
	"github.com/JakeFAU/extraction-jobs/internal/progress"
)

const (
	defaultStartLog    = "Extraction job started"
	defaultCompleteLog = "Extraction completed"
	defaultCleanedLog  = "Data cleaned"
	defaultErrorText   = "Unknown error from extraction worker"
)

var tracer = otel.Tracer("github.com/JakeFAU/extraction-jobs/internal/webhook")

// Registry is the slice of the job registry ingestion needs.
type Registry interface {
	FindByWorkerJobID(workerJobID string) (jobs.Job, error)
	BindWorkerJob(appJobID, workerJobID string) (jobs.Job, error)
	BindOldestPendingUnbound(workerJobID string) (jobs.Job, error)
	UpdateByWorkerJobID(workerJobID string, mutate jobs.Mutation) (jobs.Job, error)
	UpdateByAppJobID(appJobID string, mutate jobs.Mutation) (jobs.Job, error)
}

// Publisher delivers live events to stream subscribers.
type Publisher interface {
	Publish(jobID string, evt bus.Event) int
}

// Clock supplies event timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Config wires an Ingestor.
type Config struct {
	Registry  Registry
	Publisher Publisher
	// Activity receives one event per applied change; nil disables archiving.
	Activity progress.Emitter
	Clock    Clock
	Logger   *zap.Logger
	// DedupeRows skips progress rows equal to a row the job already holds.
	DedupeRows bool
}

// Result describes how a callback was handled.
type Result struct {
	AppJobID string
	Status   jobs.Status
	// Ignored is set when the job was already past the point the event
	// applies to; nothing was changed or published.
	Ignored bool
	// Unknown is set for event kinds this server does not recognise.
	Unknown bool
}

// Ingestor applies worker callbacks.
type Ingestor struct {
	registry  Registry
	publisher Publisher
	activity  progress.Emitter
	clock     Clock
	logger    *zap.Logger
	dedupe    bool
}

// NewIngestor validates cfg and constructs an Ingestor.
func NewIngestor(cfg Config) (*Ingestor, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Ingestor{
		registry:  cfg.Registry,
		publisher: cfg.Publisher,
		activity:  cfg.Activity,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		dedupe:    cfg.DedupeRows,
	}, nil
}

// Ingest applies one callback. It returns jobs.ErrNotFound when no job could
// be located or bound, ErrMalformed for invalid payloads and
// jobs.ErrAlreadyBound when an echoed appJobId conflicts with an existing
// binding.
func (i *Ingestor) Ingest(ctx context.Context, p Payload) (res Result, err error) {
	_, span := tracer.Start(ctx, "webhook.ingest", trace.WithAttributes(
		attribute.String("webhook.event", p.Event),
		attribute.String("worker_job_id", p.JobID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.String("app_job_id", res.AppJobID),
				attribute.Bool("webhook.ignored", res.Ignored || res.Unknown),
			)
		}
		span.End()
		metrics.ObserveWebhookEvent(metricEvent(p.Event), outcome(res, err))
	}()

	if err := p.validate(); err != nil {
		return Result{}, err
	}
	kind := progress.Kind(p.Event)
	if !ingestible(kind) {
		res := Result{Unknown: true}
		if job, findErr := i.registry.FindByWorkerJobID(p.JobID); findErr == nil {
			res.AppJobID, res.Status = job.AppJobID, job.Status
		}
		i.logger.Debug("ignoring unknown webhook event",
			zap.String("event", p.Event),
			zap.String("worker_job_id", p.JobID),
		)
		return res, nil
	}
	data, err := p.data()
	if err != nil {
		return Result{}, err
	}

	if res, done, err := i.resolve(p); err != nil || done {
		return res, err
	}

	c := i.change(kind, p, data)
	job, err := i.registry.UpdateByWorkerJobID(p.JobID, c.apply)
	return i.finish(job, c, err)
}

// CleanRequest is the single cleaning call for a job.
type CleanRequest struct {
	Rows     []jobs.Row `json:"rows"`
	CSV      *string    `json:"csv,omitempty"`
	Feedback string     `json:"feedback,omitempty"`
	Message  string     `json:"message,omitempty"`
}

// Clean replaces a job's rows with the cleaned set. It follows the same rules
// and publishes the same complete event as a data_cleaned callback.
func (i *Ingestor) Clean(ctx context.Context, appJobID string, req CleanRequest) (Result, error) {
	_, span := tracer.Start(ctx, "webhook.clean", trace.WithAttributes(attribute.String("app_job_id", appJobID)))
	defer span.End()

	c := i.change(progress.KindDataCleaned, Payload{}, eventData{
		Rows:     req.Rows,
		CSV:      req.CSV,
		Feedback: req.Feedback,
		Message:  req.Message,
	})
	job, err := i.registry.UpdateByAppJobID(appJobID, c.apply)
	res, err := i.finish(job, c, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// FailJob moves a job to failed on behalf of the server, e.g. when the
// worker could not be invoked at all.
func (i *Ingestor) FailJob(ctx context.Context, appJobID, message string) (Result, error) {
	_, span := tracer.Start(ctx, "webhook.fail", trace.WithAttributes(attribute.String("app_job_id", appJobID)))
	defer span.End()

	c := i.change(progress.KindError, Payload{Error: message}, eventData{})
	job, err := i.registry.UpdateByAppJobID(appJobID, c.apply)
	return i.finish(job, c, err)
}

// resolve makes sure the worker id is bound. done reports that the request
// is fully answered (e.g. the echoed job can no longer be bound).
func (i *Ingestor) resolve(p Payload) (Result, bool, error) {
	if _, err := i.registry.FindByWorkerJobID(p.JobID); err == nil {
		return Result{}, false, nil
	}
	if p.AppJobID != "" {
		job, err := i.registry.BindWorkerJob(p.AppJobID, p.JobID)
		switch {
		case err == nil:
			i.emit(job, progress.KindBound, 0, "explicit")
			return Result{}, false, nil
		case errors.Is(err, jobs.ErrInvalidTransition):
			// the job moved on (e.g. failed during dispatch) before the worker's first callback
			i.logger.Info("ignoring callback for job that is no longer pending",
				zap.String("app_job_id", p.AppJobID),
				zap.String("worker_job_id", p.JobID),
			)
			return Result{AppJobID: p.AppJobID, Ignored: true}, true, nil
		default:
			return Result{}, true, fmt.Errorf("bind %s to %s: %w", p.JobID, p.AppJobID, err)
		}
	}
	job, err := i.registry.BindOldestPendingUnbound(p.JobID)
	if err != nil {
		return Result{}, true, fmt.Errorf("bind worker job %s: %w", p.JobID, err)
	}
	metrics.ObserveFIFOBinding()
	i.logger.Warn("worker job bound by creation order",
		zap.String("app_job_id", job.AppJobID),
		zap.String("worker_job_id", p.JobID),
	)
	i.emit(job, progress.KindBound, 0, "fifo")
	return Result{}, false, nil
}

// change is one pending mutation plus what it recorded while applying.
type change struct {
	kind     progress.Kind
	ingestor *Ingestor
	payload  Payload
	data     eventData

	logLine   string
	rowsAdded int
	progress  *jobs.Progress
	rows      []jobs.Row
}

func (i *Ingestor) change(kind progress.Kind, p Payload, d eventData) *change {
	return &change{kind: kind, ingestor: i, payload: p, data: d}
}

func (c *change) apply(j *jobs.Job) error {
	switch c.kind {
	case progress.KindJobStart:
		if err := j.Transition(jobs.StatusProcessing); err != nil {
			return err
		}
		c.appendLog(j, orDefault(c.data.Message, defaultStartLog))
	case progress.KindProgress:
		if err := j.Transition(jobs.StatusProcessing); err != nil {
			return err
		}
		c.appendRows(j)
		if p, ok := c.data.progress(); ok {
			j.Progress = &p
			c.progress = &p
		}
		if c.data.Message != "" {
			c.appendLog(j, c.data.Message)
		}
	case progress.KindJobComplete:
		if err := j.Transition(jobs.StatusCompleted); err != nil {
			return err
		}
		c.appendLog(j, orDefault(c.data.Message, defaultCompleteLog))
	case progress.KindDataCleaned:
		if err := j.Transition(jobs.StatusCleaned); err != nil {
			return err
		}
		j.Rows = append(make([]jobs.Row, 0, len(c.data.Rows)), c.data.Rows...)
		c.rows = j.Rows
		c.rowsAdded = len(j.Rows)
		if c.data.CSV != nil {
			j.CSV = *c.data.CSV
		}
		c.appendLog(j, orDefault(c.data.Message, defaultCleanedLog))
	case progress.KindError:
		if err := j.Transition(jobs.StatusFailed); err != nil {
			return err
		}
		msg := firstNonEmpty(c.payload.Error, c.data.Error, c.data.Message, defaultErrorText)
		j.Error = msg
		c.appendLog(j, "Error: "+msg)
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrMalformed, c.kind)
	}
	return nil
}

func (c *change) appendLog(j *jobs.Job, line string) {
	j.Logs = append(j.Logs, line)
	c.logLine = line
}

func (c *change) appendRows(j *jobs.Job) {
	if len(c.data.Rows) == 0 {
		return
	}
	if !c.ingestor.dedupe {
		j.Rows = append(j.Rows, c.data.Rows...)
		c.rowsAdded = len(c.data.Rows)
		return
	}
	seen := make(map[string]struct{}, len(j.Rows))
	for _, row := range j.Rows {
		seen[rowKey(row)] = struct{}{}
	}
	for _, row := range c.data.Rows {
		key := rowKey(row)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		j.Rows = append(j.Rows, row)
		c.rowsAdded++
	}
}

func rowKey(row jobs.Row) string {
	key, err := sha256.Fingerprint(row)
	if err != nil {
		return fmt.Sprint(row)
	}
	return key
}

// finish maps the registry outcome to a Result and, for applied changes,
// publishes to the bus and emits activity.
func (i *Ingestor) finish(job jobs.Job, c *change, err error) (Result, error) {
	if err != nil {
		if errors.Is(err, jobs.ErrTerminal) || errors.Is(err, jobs.ErrInvalidTransition) {
			i.logger.Info("ignoring event for finished job",
				zap.String("app_job_id", job.AppJobID),
				zap.String("kind", string(c.kind)),
				zap.String("status", string(job.Status)),
			)
			return Result{AppJobID: job.AppJobID, Status: job.Status, Ignored: true}, nil
		}
		return Result{}, fmt.Errorf("apply %s: %w", c.kind, err)
	}

	evt := c.busEvent(job, i.clock.Now())
	delivered := i.publisher.Publish(job.AppJobID, evt)
	i.logger.Debug("job event published",
		zap.String("app_job_id", job.AppJobID),
		zap.String("type", string(evt.Type)),
		zap.Int("subscribers", delivered),
	)
	note := ""
	if c.kind == progress.KindError {
		note = job.Error
	}
	i.emit(job, c.kind, c.rowsAdded, note)
	return Result{AppJobID: job.AppJobID, Status: job.Status}, nil
}

func (c *change) busEvent(job jobs.Job, at time.Time) bus.Event {
	evt := bus.Event{JobID: job.AppJobID, Status: job.Status, Message: c.logLine, Timestamp: at}
	switch c.kind {
	case progress.KindProgress:
		evt.Type = bus.TypeProgress
		p := jobs.Progress{}
		if c.progress != nil {
			p = *c.progress
		} else if job.Progress != nil {
			p = *job.Progress
		}
		evt.Progress = &bus.ProgressPayload{
			Current:    p.Current,
			Total:      p.Total,
			Percentage: p.Percent(),
			RowsAdded:  c.rowsAdded,
			TotalRows:  len(job.Rows),
		}
	case progress.KindDataCleaned:
		evt.Type = bus.TypeComplete
		evt.Data = &bus.CompletePayload{
			Rows:     c.rows,
			CSV:      job.CSV,
			Schema:   jobs.InferSchema(c.rows),
			Feedback: c.data.Feedback,
		}
	case progress.KindError:
		evt.Type = bus.TypeError
		evt.Message = job.Error
	default:
		evt.Type = bus.TypeInfo
	}
	return evt
}

func (i *Ingestor) emit(job jobs.Job, kind progress.Kind, rowsAdded int, note string) {
	if i.activity == nil {
		return
	}
	evt := progress.Event{
		AppJobID:    job.AppJobID,
		WorkerJobID: job.WorkerJobID,
		TS:          i.clock.Now(),
		Kind:        kind,
		Status:      string(job.Status),
		RowsAdded:   rowsAdded,
		RowsTotal:   len(job.Rows),
		Note:        note,
	}
	if kind == progress.KindDataCleaned {
		evt.CSV = job.CSV
	}
	i.activity.Emit(evt)
}

func ingestible(kind progress.Kind) bool {
	switch kind {
	case progress.KindJobStart, progress.KindProgress, progress.KindJobComplete,
		progress.KindDataCleaned, progress.KindError:
		return true
	default:
		return false
	}
}

// metricEvent bounds label cardinality to the known kinds.
func metricEvent(event string) string {
	if ingestible(progress.Kind(event)) {
		return event
	}
	return "unknown"
}

func outcome(res Result, err error) string {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case err != nil:
		return "error"
	case res.Unknown, res.Ignored:
		return "ignored"
	default:
		return "applied"
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
