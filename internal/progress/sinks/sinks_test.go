package sinks

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/extraction-jobs/internal/progress"
	pubmemory "github.com/JakeFAU/extraction-jobs/internal/publisher/memory"
	blobmemory "github.com/JakeFAU/extraction-jobs/internal/storage/memory"
	"github.com/JakeFAU/extraction-jobs/internal/store"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func lifecycle(appJobID string) []progress.Event {
	return []progress.Event{
		{AppJobID: appJobID, WorkerJobID: "w1", TS: t0, Kind: progress.KindJobStart, Status: "processing"},
		{
			AppJobID: appJobID, WorkerJobID: "w1", TS: t0.Add(time.Second), Kind: progress.KindProgress,
			Status: "processing", RowsAdded: 3, RowsTotal: 3,
		},
		{
			AppJobID: appJobID, WorkerJobID: "w1", TS: t0.Add(2 * time.Second), Kind: progress.KindProgress,
			Status: "processing", RowsAdded: 2, RowsTotal: 5,
		},
		{
			AppJobID: appJobID, WorkerJobID: "w1", TS: t0.Add(10 * time.Second), Kind: progress.KindDataCleaned,
			Status: "cleaned", RowsAdded: 4, RowsTotal: 4, CSV: "name\na\nb\nc\nd\n",
		},
	}
}

func TestPrometheusSinkRecordsLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), lifecycle("app-1")))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.jobsStarted), 1e-9)
	require.InDelta(t, 5.0, testutil.ToFloat64(sink.rowsIngested), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("cleaned")), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.jobsRunning), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.jobRuntime, "extraction_job_runtime_seconds"))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "duplicate registration must fail")
}

func TestPrometheusSinkFailureWithoutStart(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{AppJobID: "app-2", TS: t0, Kind: progress.KindError, Status: "failed", Note: "dispatch failed"},
	}))
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("failed")), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.jobsRunning), 1e-9)
	require.Equal(t, 0, testutil.CollectAndCount(sink.jobRuntime, "extraction_job_runtime_seconds"))
}

func TestStoreSinkArchivesActivityAndOutcome(t *testing.T) {
	t.Parallel()

	repo := &fakeActivityRepo{}
	sink := NewStoreSink(repo, nil)
	batch := append(lifecycle("app-1"), progress.Event{
		AppJobID: "app-2", TS: t0, Kind: progress.KindError, Status: "failed", Note: "worker crashed",
	})

	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Len(t, repo.appended, 1)
	require.Len(t, repo.appended[0], 5)
	require.Equal(t, "progress", repo.appended[0][1].Kind)
	require.Equal(t, t0.Add(time.Second), repo.appended[0][1].RecordedAt)

	require.Len(t, repo.outcomes, 2)
	require.Equal(t, store.JobOutcome{
		AppJobID:    "app-1",
		WorkerJobID: "w1",
		Status:      "cleaned",
		FinishedAt:  t0.Add(10 * time.Second),
		RowCount:    4,
	}, repo.outcomes[0])
	require.Equal(t, "worker crashed", repo.outcomes[1].ErrorMessage)
}

func TestStoreSinkSurfacesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(&fakeActivityRepo{fail: true}, nil)
	err := sink.Consume(context.Background(), lifecycle("app-1"))
	require.ErrorContains(t, err, "append activity")

	var nilSink *StoreSink
	require.NoError(t, nilSink.Consume(context.Background(), lifecycle("app-1")))
}

func TestArtifactSinkStoresCleanedCSV(t *testing.T) {
	t.Parallel()

	blobs := blobmemory.NewBlobStore()
	repo := &fakeActivityRepo{}
	sink := NewArtifactSink(blobs, "artifacts", repo, nil)

	require.NoError(t, sink.Consume(context.Background(), lifecycle("app-1")))
	require.Equal(t, []string{"artifacts/app-1/cleaned.csv"}, blobs.Paths())
	require.Equal(t, "text/csv", blobs.ContentType("artifacts/app-1/cleaned.csv"))

	rc, err := blobs.GetObject(context.Background(), "artifacts/app-1/cleaned.csv")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "name\na\nb\nc\nd\n", string(data))

	require.Len(t, repo.outcomes, 1)
	require.Equal(t, "memory://artifacts/app-1/cleaned.csv", repo.outcomes[0].ArtifactURI)
}

func TestArtifactSinkSkipsEmptyCSV(t *testing.T) {
	t.Parallel()

	blobs := blobmemory.NewBlobStore()
	sink := NewArtifactSink(blobs, "", nil, nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{AppJobID: "app-1", TS: t0, Kind: progress.KindDataCleaned, Status: "cleaned"},
	}))
	require.Empty(t, blobs.Paths())
}

func TestNotifySinkPublishesTerminalEvents(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	sink := NewNotifySink(pub, "job-events", nil)
	batch := append(lifecycle("app-1"), progress.Event{
		AppJobID: "app-2", TS: t0, Kind: progress.KindError, Status: "failed", Note: "timeout",
	})

	require.NoError(t, sink.Consume(context.Background(), batch))
	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "job-events", msgs[0].Topic)

	first, ok := msgs[0].Payload.(Notification)
	require.True(t, ok)
	require.Equal(t, "cleaned", first.Status)
	require.Equal(t, 4, first.RowCount)
	require.Equal(t, "4", first.Attributes()["row_count"])

	second, ok := msgs[1].Payload.(Notification)
	require.True(t, ok)
	require.Equal(t, "timeout", second.Error)
}

func TestNotifySinkJoinsErrors(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	require.NoError(t, pub.Close())
	sink := NewNotifySink(pub, "job-events", nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{AppJobID: "a", TS: t0, Kind: progress.KindError, Status: "failed"},
		{AppJobID: "b", TS: t0, Kind: progress.KindError, Status: "failed"},
	})
	require.ErrorIs(t, err, pubmemory.ErrClosed)
	require.ErrorContains(t, err, "notify a")
	require.ErrorContains(t, err, "notify b")
}

func TestLogSinkWritesStructuredFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{AppJobID: "app-1", TS: t0, Kind: progress.KindJobStart, Status: "processing"},
		{AppJobID: "app-1", TS: t0, Kind: progress.KindError, Status: "failed", Note: "boom"},
	}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zap.InfoLevel, entries[0].Level)
	require.Equal(t, "job_start", entries[0].ContextMap()["kind"])
	require.Equal(t, zap.WarnLevel, entries[1].Level)
	require.Equal(t, "boom", entries[1].ContextMap()["note"])
}

type fakeActivityRepo struct {
	mu       sync.Mutex
	fail     bool
	appended [][]store.ActivityRecord
	outcomes []store.JobOutcome
}

func (f *fakeActivityRepo) AppendActivity(_ context.Context, records []store.ActivityRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("database unavailable")
	}
	f.appended = append(f.appended, append([]store.ActivityRecord(nil), records...))
	return nil
}

func (f *fakeActivityRepo) RecordOutcome(_ context.Context, outcome store.JobOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("database unavailable")
	}
	f.outcomes = append(f.outcomes, outcome)
	return nil
}

func (f *fakeActivityRepo) ListActivity(context.Context, string, int, int) ([]store.ActivityRecord, error) {
	return nil, nil
}

func (f *fakeActivityRepo) GetOutcome(context.Context, string) (store.JobOutcome, error) {
	return store.JobOutcome{}, store.ErrNotFound
}
