package jobs

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator issues application job identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Mutation edits a job in place. Returning an error discards every change the
// mutation made; the registry keeps the previous state.
type Mutation func(*Job) error

// CreateParams are the immutable parameters captured at job creation.
type CreateParams struct {
	UserQuery string
	NumRows   int
	MaxURLs   int
	Input     *Input
}

// ListFilter narrows List results.
type ListFilter struct {
	Status *Status
	Limit  int
	Offset int
}

type entry struct {
	job Job
	seq uint64
}

// Registry is the process-scoped job store. A single mutex guards the job map
// and the worker binding index; every read returns a deep copy so callers
// never observe a partially applied mutation.
type Registry struct {
	mu       sync.Mutex
	jobs     map[string]*entry
	bindings map[string]string
	seq      uint64
	clock    Clock
	ids      IDGenerator
}

// NewRegistry constructs an empty Registry.
func NewRegistry(clock Clock, ids IDGenerator) *Registry {
	return &Registry{
		jobs:     make(map[string]*entry),
		bindings: make(map[string]string),
		clock:    clock,
		ids:      ids,
	}
}

// CreateJob allocates a fresh pending job.
func (r *Registry) CreateJob(params CreateParams) (Job, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return Job{}, fmt.Errorf("generate app job id: %w", err)
	}
	now := r.clock.Now()
	job := Job{
		AppJobID:  id,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		UserQuery: params.UserQuery,
		NumRows:   params.NumRows,
		MaxURLs:   params.MaxURLs,
		Rows:      []Row{},
		Logs:      []string{},
	}
	if params.Input != nil {
		in := cloneInput(*params.Input)
		job.Input = &in
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[id]; exists {
		return Job{}, fmt.Errorf("app job id %q already issued", id)
	}
	r.seq++
	r.jobs[id] = &entry{job: job, seq: r.seq}
	return job.Clone(), nil
}

// GetJob returns a snapshot of the job.
func (r *Registry) GetJob(appJobID string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[appJobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return e.job.Clone(), nil
}

// List returns newest-first snapshots matching filter.
func (r *Registry) List(filter ListFilter) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		if filter.Status != nil && e.job.Status != *filter.Status {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, k int) bool { return entries[i].seq > entries[k].seq })
	if filter.Offset >= len(entries) {
		entries = nil
	} else {
		entries = entries[filter.Offset:]
	}
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	out := make([]Job, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.job.Clone())
	}
	return out
}

// AttachInput overwrites the job's input without touching its status.
func (r *Registry) AttachInput(appJobID string, input Input) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[appJobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	in := cloneInput(input)
	e.job.Input = &in
	e.job.UpdatedAt = r.clock.Now()
	return e.job.Clone(), nil
}

// FindByWorkerJobID returns the job bound to workerJobID.
func (r *Registry) FindByWorkerJobID(workerJobID string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.findLocked(workerJobID)
	if e == nil {
		return Job{}, ErrNotFound
	}
	return e.job.Clone(), nil
}

// BindOldestPendingUnbound binds workerJobID to the pending, unbound job with
// the earliest creation and moves it to processing. An already bound worker
// id returns its existing job unchanged.
func (r *Registry) BindOldestPendingUnbound(workerJobID string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.findLocked(workerJobID); e != nil {
		return e.job.Clone(), nil
	}
	e := r.oldestPendingLocked()
	if e == nil {
		return Job{}, ErrNotFound
	}
	r.bindLocked(e, workerJobID)
	return e.job.Clone(), nil
}

// BindWorkerJob binds workerJobID to a specific pending job named by the
// caller. Re-binding the same pair is a no-op.
func (r *Registry) BindWorkerJob(appJobID, workerJobID string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[appJobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	if e.job.WorkerJobID == workerJobID {
		return e.job.Clone(), nil
	}
	if e.job.WorkerJobID != "" {
		return Job{}, ErrAlreadyBound
	}
	if bound, taken := r.bindings[workerJobID]; taken && bound != appJobID {
		return Job{}, ErrAlreadyBound
	}
	if e.job.Status != StatusPending {
		return Job{}, fmt.Errorf("%w: bind %s job", ErrInvalidTransition, e.job.Status)
	}
	r.bindLocked(e, workerJobID)
	return e.job.Clone(), nil
}

// UpdateByWorkerJobID applies mutate to the job bound to workerJobID, binding
// the oldest pending unbound job first when no binding exists. When mutate
// fails the binding (if any) is kept but the job fields are not changed; the
// returned job then reflects the unmodified state alongside the error.
func (r *Registry) UpdateByWorkerJobID(workerJobID string, mutate Mutation) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.findLocked(workerJobID)
	if e == nil {
		e = r.oldestPendingLocked()
		if e == nil {
			return Job{}, ErrNotFound
		}
		r.bindLocked(e, workerJobID)
	}
	return r.applyLocked(e, mutate)
}

// UpdateByAppJobID applies mutate to the job with appJobID.
func (r *Registry) UpdateByAppJobID(appJobID string, mutate Mutation) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[appJobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return r.applyLocked(e, mutate)
}

// Len reports how many jobs the registry holds.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *Registry) applyLocked(e *entry, mutate Mutation) (Job, error) {
	draft := e.job.Clone()
	if err := mutate(&draft); err != nil {
		return e.job.Clone(), err
	}
	// identity fields are not the mutation's to change
	draft.AppJobID = e.job.AppJobID
	draft.WorkerJobID = e.job.WorkerJobID
	draft.CreatedAt = e.job.CreatedAt
	draft.UserQuery = e.job.UserQuery
	draft.NumRows = e.job.NumRows
	draft.MaxURLs = e.job.MaxURLs
	draft.UpdatedAt = r.clock.Now()
	e.job = draft
	return e.job.Clone(), nil
}

func (r *Registry) findLocked(workerJobID string) *entry {
	appJobID, ok := r.bindings[workerJobID]
	if !ok {
		return nil
	}
	return r.jobs[appJobID]
}

func (r *Registry) oldestPendingLocked() *entry {
	var oldest *entry
	for _, e := range r.jobs {
		if e.job.Status != StatusPending || e.job.WorkerJobID != "" {
			continue
		}
		if oldest == nil || olderThan(e, oldest) {
			oldest = e
		}
	}
	return oldest
}

func olderThan(a, b *entry) bool {
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func (r *Registry) bindLocked(e *entry, workerJobID string) {
	e.job.WorkerJobID = workerJobID
	e.job.Status = StatusProcessing
	e.job.UpdatedAt = r.clock.Now()
	r.bindings[workerJobID] = e.job.AppJobID
}
