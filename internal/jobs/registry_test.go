package jobs

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("app-%d", g.n), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) { return "", errors.New("entropy exhausted") }

func newTestRegistry() *Registry {
	return NewRegistry(&fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}, &seqIDs{})
}

func TestRegistryCreateJob(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	job, err := reg.CreateJob(CreateParams{
		UserQuery: "laptop prices",
		NumRows:   10,
		MaxURLs:   3,
		Input:     &Input{Documents: []SourceDocument{{URL: "https://example.com"}}},
	})
	require.NoError(t, err)
	require.Equal(t, "app-1", job.AppJobID)
	require.Equal(t, StatusPending, job.Status)
	require.Empty(t, job.WorkerJobID)
	require.Equal(t, job.CreatedAt, job.UpdatedAt)
	require.NotNil(t, job.Input)
	require.Len(t, job.Input.Documents, 1)
	require.Empty(t, job.Rows)
	require.Empty(t, job.Logs)

	got, err := reg.GetJob(job.AppJobID)
	require.NoError(t, err)
	require.Equal(t, job, got)
}

func TestRegistryCreateJobIDFailure(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(&fakeClock{}, failingIDs{})
	_, err := reg.CreateJob(CreateParams{UserQuery: "q"})
	require.Error(t, err)
	require.Equal(t, 0, reg.Len())
}

func TestRegistryGetJobNotFound(t *testing.T) {
	t.Parallel()

	_, err := newTestRegistry().GetJob("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistrySnapshotsAreCopies(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	job, err := reg.CreateJob(CreateParams{UserQuery: "q"})
	require.NoError(t, err)
	_, err = reg.BindOldestPendingUnbound("w1")
	require.NoError(t, err)
	_, err = reg.UpdateByWorkerJobID("w1", func(j *Job) error {
		j.Rows = append(j.Rows, Row{"a": 1.0})
		j.Logs = append(j.Logs, "first")
		return nil
	})
	require.NoError(t, err)

	snap, err := reg.GetJob(job.AppJobID)
	require.NoError(t, err)
	snap.Rows[0] = Row{"a": 2.0}
	snap.Logs = append(snap.Logs, "local only")

	again, err := reg.GetJob(job.AppJobID)
	require.NoError(t, err)
	require.Equal(t, 1.0, again.Rows[0]["a"])
	require.Equal(t, []string{"first"}, again.Logs)
}

func TestRegistryAttachInputKeepsStatus(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	job, err := reg.CreateJob(CreateParams{UserQuery: "q"})
	require.NoError(t, err)

	updated, err := reg.AttachInput(job.AppJobID, Input{
		Documents: []SourceDocument{{URL: "https://a.example"}},
		Metadata:  map[string]any{"source": "search"},
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, updated.Status)
	require.True(t, updated.UpdatedAt.After(job.UpdatedAt))

	again, err := reg.AttachInput(job.AppJobID, Input{Documents: []SourceDocument{{URL: "https://b.example"}}})
	require.NoError(t, err)
	require.Equal(t, "https://b.example", again.Input.Documents[0].URL)
	require.Nil(t, again.Input.Metadata)

	_, err = reg.AttachInput("missing", Input{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryBindOldestPendingUnboundFIFO(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	first, err := reg.CreateJob(CreateParams{UserQuery: "first"})
	require.NoError(t, err)
	second, err := reg.CreateJob(CreateParams{UserQuery: "second"})
	require.NoError(t, err)

	bound, err := reg.BindOldestPendingUnbound("w-unseen")
	require.NoError(t, err)
	require.Equal(t, first.AppJobID, bound.AppJobID)
	require.Equal(t, StatusProcessing, bound.Status)
	require.Equal(t, "w-unseen", bound.WorkerJobID)

	other, err := reg.GetJob(second.AppJobID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, other.Status)
	require.Empty(t, other.WorkerJobID)
}

func TestRegistryBindingIsIdempotent(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	first, err := reg.CreateJob(CreateParams{UserQuery: "first"})
	require.NoError(t, err)
	_, err = reg.BindOldestPendingUnbound("w1")
	require.NoError(t, err)

	// new pending jobs must not steal an existing binding
	_, err = reg.CreateJob(CreateParams{UserQuery: "later"})
	require.NoError(t, err)

	for range 3 {
		job, bindErr := reg.BindOldestPendingUnbound("w1")
		require.NoError(t, bindErr)
		require.Equal(t, first.AppJobID, job.AppJobID)

		job, updErr := reg.UpdateByWorkerJobID("w1", func(*Job) error { return nil })
		require.NoError(t, updErr)
		require.Equal(t, first.AppJobID, job.AppJobID)
	}
}

func TestRegistryBindWithoutPendingJobs(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	_, err := reg.BindOldestPendingUnbound("w1")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = reg.FindByWorkerJobID("w1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryBindWorkerJob(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	first, err := reg.CreateJob(CreateParams{UserQuery: "first"})
	require.NoError(t, err)
	second, err := reg.CreateJob(CreateParams{UserQuery: "second"})
	require.NoError(t, err)

	bound, err := reg.BindWorkerJob(second.AppJobID, "w2")
	require.NoError(t, err)
	require.Equal(t, second.AppJobID, bound.AppJobID)
	require.Equal(t, StatusProcessing, bound.Status)

	_, err = reg.BindWorkerJob(second.AppJobID, "w2")
	require.NoError(t, err)

	_, err = reg.BindWorkerJob(second.AppJobID, "w3")
	require.ErrorIs(t, err, ErrAlreadyBound)

	_, err = reg.BindWorkerJob(first.AppJobID, "w2")
	require.ErrorIs(t, err, ErrAlreadyBound)

	_, err = reg.BindWorkerJob("missing", "w9")
	require.ErrorIs(t, err, ErrNotFound)

	found, err := reg.FindByWorkerJobID("w2")
	require.NoError(t, err)
	require.Equal(t, second.AppJobID, found.AppJobID)
}

func TestRegistryUpdateByWorkerJobIDNotFoundLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	called := false
	_, err := reg.UpdateByWorkerJobID("w1", func(*Job) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, called)
}

func TestRegistryFailedMutationIsDiscarded(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	job, err := reg.CreateJob(CreateParams{UserQuery: "q"})
	require.NoError(t, err)

	boom := errors.New("boom")
	got, err := reg.UpdateByWorkerJobID("w1", func(j *Job) error {
		j.Rows = append(j.Rows, Row{"x": "y"})
		j.Status = StatusCompleted
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, job.AppJobID, got.AppJobID)
	require.Equal(t, StatusProcessing, got.Status)
	require.Empty(t, got.Rows)

	snap, err := reg.GetJob(job.AppJobID)
	require.NoError(t, err)
	require.Equal(t, "w1", snap.WorkerJobID)
	require.Empty(t, snap.Rows)
}

func TestRegistryMutationCannotRewriteIdentity(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	job, err := reg.CreateJob(CreateParams{UserQuery: "q", NumRows: 5})
	require.NoError(t, err)

	got, err := reg.UpdateByAppJobID(job.AppJobID, func(j *Job) error {
		j.AppJobID = "hijack"
		j.WorkerJobID = "other"
		j.NumRows = 99
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, job.AppJobID, got.AppJobID)
	require.Empty(t, got.WorkerJobID)
	require.Equal(t, 5, got.NumRows)
	require.True(t, got.UpdatedAt.After(job.UpdatedAt))
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	for i := range 4 {
		_, err := reg.CreateJob(CreateParams{UserQuery: fmt.Sprintf("q%d", i)})
		require.NoError(t, err)
	}
	_, err := reg.BindOldestPendingUnbound("w1")
	require.NoError(t, err)

	all := reg.List(ListFilter{})
	require.Len(t, all, 4)
	require.Equal(t, "app-4", all[0].AppJobID)

	pending := StatusPending
	filtered := reg.List(ListFilter{Status: &pending, Limit: 2, Offset: 1})
	require.Len(t, filtered, 2)
	require.Equal(t, "app-3", filtered[0].AppJobID)
	require.Equal(t, "app-2", filtered[1].AppJobID)

	require.Empty(t, reg.List(ListFilter{Offset: 10}))
}

func TestRegistryConcurrentUpdatesSerialize(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	job, err := reg.CreateJob(CreateParams{UserQuery: "q"})
	require.NoError(t, err)
	_, err = reg.BindOldestPendingUnbound("w1")
	require.NoError(t, err)

	const writers = 32
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := range writers {
		go func() {
			defer wg.Done()
			_, updErr := reg.UpdateByWorkerJobID("w1", func(j *Job) error {
				j.Rows = append(j.Rows, Row{"n": float64(i)})
				return nil
			})
			require.NoError(t, updErr)
		}()
	}
	wg.Wait()

	snap, err := reg.GetJob(job.AppJobID)
	require.NoError(t, err)
	require.Len(t, snap.Rows, writers)
}
