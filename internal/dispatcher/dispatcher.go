// Package dispatcher invokes the extraction worker for queued jobs using a
// fixed pool of goroutines.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-jobs/internal/extractor"
	"github.com/JakeFAU/extraction-jobs/internal/metrics"
	"github.com/JakeFAU/extraction-jobs/internal/progress"
	"github.com/JakeFAU/extraction-jobs/internal/webhook"
)

// Invocation is one queued request to start extraction for a job.
type Invocation struct {
	AppJobID   string
	Request    extractor.Request
	EnqueuedAt time.Time
}

// Queue hands invocations to the pool.
type Queue interface {
	Enqueue(ctx context.Context, item Invocation) error
	Dequeue(ctx context.Context) (Invocation, error)
}

// Invoker calls the extraction worker.
type Invoker interface {
	Extract(ctx context.Context, req extractor.Request) (extractor.Response, error)
	Endpoint() string
}

// Ingestor applies synchronous results and invocation failures through the
// same path as worker callbacks.
type Ingestor interface {
	Ingest(ctx context.Context, p webhook.Payload) (webhook.Result, error)
	FailJob(ctx context.Context, appJobID, message string) (webhook.Result, error)
}

// Config wires a Dispatcher.
type Config struct {
	Workers  int
	Queue    Queue
	Invoker  Invoker
	Ingestor Ingestor
	Activity progress.Emitter
	Logger   *zap.Logger
}

// Dispatcher fans queued invocations out to a pool of goroutines.
type Dispatcher struct {
	workers  int
	queue    Queue
	invoker  Invoker
	ingestor Ingestor
	activity progress.Emitter
	logger   *zap.Logger
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Queue == nil || cfg.Invoker == nil || cfg.Ingestor == nil {
		return nil, errors.New("dispatcher requires a queue, an invoker and an ingestor")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		workers:  cfg.Workers,
		queue:    cfg.Queue,
		invoker:  cfg.Invoker,
		ingestor: cfg.Ingestor,
		activity: cfg.Activity,
		logger:   logger,
	}, nil
}

// Run starts the pool and blocks until the context ends or the queue is
// closed and drained.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for n := range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.loop(ctx, n)
		}()
	}
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, inv Invocation) error {
	if err := d.queue.Enqueue(ctx, inv); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

func (d *Dispatcher) loop(ctx context.Context, n int) {
	logger := d.logger.With(zap.Int("dispatcher_worker", n))
	for {
		inv, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug("dispatcher worker stopping", zap.Error(err))
			}
			return
		}
		d.invoke(ctx, logger, inv)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, logger *zap.Logger, inv Invocation) {
	logger = logger.With(zap.String("app_job_id", inv.AppJobID))
	resp, err := d.invoker.Extract(ctx, inv.Request)
	if err != nil {
		metrics.ObserveWorkerInvocation(d.invoker.Endpoint(), "failed")
		logger.Error("extraction worker invocation failed", zap.Error(err))
		if ctx.Err() != nil {
			// shutting down; the job stays pending for a FIFO or explicit callback
			return
		}
		if _, failErr := d.ingestor.FailJob(ctx, inv.AppJobID, "worker invocation failed: "+err.Error()); failErr != nil {
			logger.Error("failed to mark job failed", zap.Error(failErr))
		}
		return
	}
	metrics.ObserveWorkerInvocation(d.invoker.Endpoint(), "accepted")
	d.emitInvoked(inv, resp)
	logger.Info("extraction worker invoked",
		zap.String("worker_job_id", resp.JobID),
		zap.Duration("queued_for", time.Since(inv.EnqueuedAt)),
	)
	switch {
	case resp.JobID != "":
		// callbacks will carry the worker job id
	case len(resp.Results) > 0:
		d.applyResults(ctx, logger, inv, resp.Results)
	default:
		// left pending, the job would only wait for an unrelated FIFO binding
		logger.Warn("extraction worker answer has neither a job id nor results")
		if _, err := d.ingestor.FailJob(ctx, inv.AppJobID, noCorrelationMessage); err != nil {
			logger.Error("failed to mark job failed", zap.Error(err))
		}
	}
}

const noCorrelationMessage = "extraction worker returned neither a job id nor results"

func (d *Dispatcher) emitInvoked(inv Invocation, resp extractor.Response) {
	if d.activity == nil {
		return
	}
	d.activity.Emit(progress.Event{
		AppJobID:    inv.AppJobID,
		WorkerJobID: resp.JobID,
		TS:          time.Now().UTC(),
		Kind:        progress.KindInvoked,
		Status:      "pending",
	})
}

// applyResults replays a synchronous worker answer as job_start, one
// progress report per page and job_complete, bound explicitly to the job.
func (d *Dispatcher) applyResults(
	ctx context.Context,
	logger *zap.Logger,
	inv Invocation,
	results []extractor.PageResult,
) {
	workerJobID := "sync-" + inv.AppJobID
	payloads := make([]webhook.Payload, 0, len(results)+2)
	payloads = append(payloads, webhook.Payload{Event: string(progress.KindJobStart), JobID: workerJobID, AppJobID: inv.AppJobID})
	for idx, page := range results {
		data, err := marshalPage(page, idx+1, len(results))
		if err != nil {
			logger.Warn("skipping undecodable page", zap.String("url", page.URL), zap.Error(err))
			continue
		}
		payloads = append(payloads, webhook.Payload{
			Event:    string(progress.KindProgress),
			JobID:    workerJobID,
			AppJobID: inv.AppJobID,
			Data:     data,
		})
	}
	payloads = append(payloads, webhook.Payload{Event: string(progress.KindJobComplete), JobID: workerJobID, AppJobID: inv.AppJobID})

	for _, p := range payloads {
		res, err := d.ingestor.Ingest(ctx, p)
		if err != nil {
			logger.Error("applying synchronous worker result failed", zap.String("event", p.Event), zap.Error(err))
			return
		}
		if res.Ignored {
			return
		}
	}
}
