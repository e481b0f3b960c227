package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/extraction-jobs/internal/progress"
)

// PrometheusSink exports job lifecycle metrics derived from activity events.
type PrometheusSink struct {
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
	jobRuntime   *prometheus.HistogramVec
	rowsIngested prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "extraction_jobs_started_total",
			Help: "Jobs whose worker reported job_start.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extraction_jobs_finished_total",
			Help: "Jobs that reached a terminal status partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "extraction_jobs_running",
			Help: "Jobs started but not yet terminal.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "extraction_job_runtime_seconds",
			Help:    "Wall time from job_start to a terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		rowsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "extraction_rows_ingested_total",
			Help: "Rows appended by progress reports.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRuntime,
		s.rowsIngested,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register activity collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch {
	case evt.Kind == progress.KindJobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.AppJobID, evt.TS) {
			s.jobsRunning.Inc()
		}
	case evt.Kind == progress.KindProgress && evt.RowsAdded > 0:
		s.rowsIngested.Add(float64(evt.RowsAdded))
	}
	if !evt.Terminal() {
		return
	}
	s.jobsFinished.WithLabelValues(evt.Status).Inc()
	if started, ok := s.tracker.complete(evt.AppJobID); ok {
		s.jobsRunning.Dec()
		if d := evt.TS.Sub(started); d > 0 {
			s.jobRuntime.WithLabelValues(evt.Status).Observe(d.Seconds())
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]time.Time
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]time.Time)}
}

func (t *jobTracker) start(id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = at
	return true
}

func (t *jobTracker) complete(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.running[id]
	if ok {
		delete(t.running, id)
	}
	return at, ok
}
