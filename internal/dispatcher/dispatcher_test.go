package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/extraction-jobs/internal/bus"
	"github.com/JakeFAU/extraction-jobs/internal/extractor"
	"github.com/JakeFAU/extraction-jobs/internal/jobs"
	"github.com/JakeFAU/extraction-jobs/internal/progress"
	"github.com/JakeFAU/extraction-jobs/internal/queue/memory"
	"github.com/JakeFAU/extraction-jobs/internal/webhook"
)

type fakeInvoker struct {
	mu    sync.Mutex
	resp  extractor.Response
	err   error
	calls []extractor.Request
}

func (f *fakeInvoker) Extract(_ context.Context, req extractor.Request) (extractor.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.resp, f.err
}

func (f *fakeInvoker) Endpoint() string { return "http://worker.test/extract" }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type ids struct {
	mu sync.Mutex
	n  int
}

func (g *ids) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("app-%d", g.n), nil
}

type emitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *emitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *emitter) has(kind progress.Kind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, evt := range e.events {
		if evt.Kind == kind {
			return true
		}
	}
	return false
}

type fixture struct {
	registry *jobs.Registry
	queue    *memory.Queue[Invocation]
	activity *emitter
	invoker  *fakeInvoker
	dispatch *Dispatcher
}

func newFixture(t *testing.T, invoker *fakeInvoker) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	reg := jobs.NewRegistry(c, &ids{})
	b := bus.New(bus.Config{})
	t.Cleanup(b.Close)
	activity := &emitter{}
	ing, err := webhook.NewIngestor(webhook.Config{Registry: reg, Publisher: b, Activity: activity, Clock: c})
	require.NoError(t, err)
	q := memory.NewQueue[Invocation](4)
	d, err := New(Config{Workers: 2, Queue: q, Invoker: invoker, Ingestor: ing, Activity: activity})
	require.NoError(t, err)
	return &fixture{registry: reg, queue: q, activity: activity, invoker: invoker, dispatch: d}
}

// runUntilDrained processes everything queued so far and waits for the pool to exit.
func (f *fixture) runUntilDrained(t *testing.T) {
	t.Helper()
	f.queue.Close()
	done := make(chan struct{})
	go func() {
		f.dispatch.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not drain the queue")
	}
}

func (f *fixture) enqueue(t *testing.T) jobs.Job {
	t.Helper()
	job, err := f.registry.CreateJob(jobs.CreateParams{UserQuery: "gpu prices", NumRows: 5})
	require.NoError(t, err)
	require.NoError(t, f.dispatch.Enqueue(context.Background(), Invocation{
		AppJobID:   job.AppJobID,
		Request:    extractor.Request{AppJobID: job.AppJobID, Query: job.UserQuery, TargetRows: job.NumRows},
		EnqueuedAt: time.Now(),
	}))
	return job
}

func TestDispatcherAsyncInvocationLeavesJobPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeInvoker{resp: extractor.Response{Success: true, JobID: "w-1"}})
	job := f.enqueue(t)
	f.runUntilDrained(t)

	require.Len(t, f.invoker.calls, 1)
	require.Equal(t, job.AppJobID, f.invoker.calls[0].AppJobID)
	snap, err := f.registry.GetJob(job.AppJobID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusPending, snap.Status)
	require.True(t, f.activity.has(progress.KindInvoked))
}

func TestDispatcherFailsJobWithoutCorrelation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeInvoker{resp: extractor.Response{Success: true}})
	job := f.enqueue(t)
	other, err := f.registry.CreateJob(jobs.CreateParams{UserQuery: "cpu prices", NumRows: 5})
	require.NoError(t, err)
	f.runUntilDrained(t)

	snap, err := f.registry.GetJob(job.AppJobID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusFailed, snap.Status)
	require.Equal(t, noCorrelationMessage, snap.Error)

	// an unseen worker id now binds to the next pending job instead
	bound, err := f.registry.BindOldestPendingUnbound("w-late")
	require.NoError(t, err)
	require.Equal(t, other.AppJobID, bound.AppJobID)
}

func TestDispatcherFailureFailsJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeInvoker{err: &extractor.StatusError{Code: 400, Body: "no urls"}})
	job := f.enqueue(t)
	f.runUntilDrained(t)

	snap, err := f.registry.GetJob(job.AppJobID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusFailed, snap.Status)
	require.Contains(t, snap.Error, "worker invocation failed")
	require.Contains(t, snap.Error, "no urls")
	require.False(t, f.activity.has(progress.KindInvoked))
}

func TestDispatcherAppliesSynchronousResults(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeInvoker{resp: extractor.Response{
		Success: true,
		Results: []extractor.PageResult{
			{URL: "https://a.example", Title: "A", Rows: []jobs.Row{{"name": "x"}, {"name": "y"}}},
			{URL: "https://b.example", Rows: []jobs.Row{{"name": "z"}}},
		},
	}})
	job := f.enqueue(t)
	f.runUntilDrained(t)

	snap, err := f.registry.GetJob(job.AppJobID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, snap.Status)
	require.Equal(t, "sync-"+job.AppJobID, snap.WorkerJobID)
	require.Len(t, snap.Rows, 3)
	require.NotNil(t, snap.Progress)
	require.InDelta(t, 2.0, snap.Progress.Current, 1e-9)
	require.Contains(t, snap.Logs, "Extracted 2 rows from https://a.example (A)")
}

func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	d, err := New(Config{
		Queue:    &errorQueue{err: errors.New("boom")},
		Invoker:  &fakeInvoker{},
		Ingestor: nopIngestor{},
	})
	require.NoError(t, err)

	err = d.Enqueue(context.Background(), Invocation{AppJobID: "job"})
	require.EqualError(t, err, "queue enqueue: boom")
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeInvoker{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.dispatch.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, Invocation) error {
	return q.err
}

func (q *errorQueue) Dequeue(ctx context.Context) (Invocation, error) {
	<-ctx.Done()
	return Invocation{}, ctx.Err()
}

type nopIngestor struct{}

func (nopIngestor) Ingest(context.Context, webhook.Payload) (webhook.Result, error) {
	return webhook.Result{}, nil
}

func (nopIngestor) FailJob(context.Context, string, string) (webhook.Result, error) {
	return webhook.Result{}, nil
}
