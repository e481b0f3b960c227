package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub. Zero values take the
// defaults listed next to each field.
type Config struct {
	// BufferSize bounds the queue between Emit and the batching loop (4096).
	BufferSize int
	// MaxBatchEvents flushes a batch as soon as it holds this many events (1000).
	MaxBatchEvents int
	// MaxBatchWait flushes a partial batch this long after its first event (500ms).
	MaxBatchWait time.Duration
	// SinkTimeout bounds each sink's Consume call (10s).
	SinkTimeout time.Duration
	// TerminalWait is how long an event that ends a job may wait for queue
	// space before it is dropped (250ms). Negative never waits.
	TerminalWait time.Duration
	// BaseContext is the parent of every sink call's context.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	defaultTerminalWait   = 250 * time.Millisecond
	dropLogInterval       = 5 * time.Second
)

// Hub aggregates activity Events and fans them out to registered sinks in
// batches. It is safe for concurrent use; a nil *Hub silently discards events.
type Hub struct {
	cfg     Config
	sinks   []Sink
	events  chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	dropLog rate.Sometimes
	dropped atomic.Int64
	closed  atomic.Bool

	accepted     atomic.Int64
	totalDropped atomic.Int64
	sinkFailures atomic.Int64

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub initializes a Hub and starts the background batching goroutine using
// the supplied sinks. The returned Hub is immediately ready to accept events.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.TerminalWait == 0 {
		cfg.TerminalWait = defaultTerminalWait
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		events:  make(chan Event, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit enqueues an Event for batching. Progress-level events never block and
// are dropped when the buffer is full. Events that end a job carry its
// outcome, so they wait up to TerminalWait for space first.
func (h *Hub) Emit(evt Event) {
	if h == nil {
		return
	}
	if h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid activity event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		h.accepted.Add(1)
		return
	default:
	}
	if evt.Terminal() && h.cfg.TerminalWait > 0 {
		wait := time.NewTimer(h.cfg.TerminalWait)
		defer wait.Stop()
		select {
		case h.events <- evt:
			h.accepted.Add(1)
			return
		case <-wait.C:
		case <-h.stopCh:
		}
	}
	h.drop(evt)
}

func (h *Hub) drop(evt Event) {
	h.totalDropped.Add(1)
	h.dropped.Add(1)
	h.dropLog.Do(func() {
		h.logger.Warn("activity events dropped due to backpressure",
			zap.Int64("dropped", h.dropped.Swap(0)),
			zap.String("last_app_job_id", evt.AppJobID),
			zap.String("last_kind", string(evt.Kind)),
		)
	})
}

// Close drains remaining events, flushes sinks, and blocks until the background
// goroutine exits. It is safe to call multiple times; subsequent calls are
// ignored once shutdown begins.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("activity hub close wait: %w", ctx.Err())
	}
}

// Stats is a point-in-time view of hub throughput.
type Stats struct {
	Accepted     int64 `json:"accepted"`
	Dropped      int64 `json:"dropped"`
	SinkFailures int64 `json:"sinkFailures"`
	Sinks        int   `json:"sinks"`
}

// Stats reports counters since the hub started.
func (h *Hub) Stats() Stats {
	if h == nil {
		return Stats{}
	}
	return Stats{
		Accepted:     h.accepted.Load(),
		Dropped:      h.totalDropped.Load(),
		SinkFailures: h.sinkFailures.Load(),
		Sinks:        len(h.sinks),
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	b := newBatcher(h.cfg.MaxBatchEvents, h.cfg.MaxBatchWait)
	defer b.timer.Stop()
	for {
		select {
		case evt := <-h.events:
			if b.add(evt) {
				h.flush(b.take())
			}
		case <-b.timer.C:
			b.armed = false
			h.flush(b.take())
		case <-h.stopCh:
			h.drain(b)
			h.closeSinks()
			return
		}
	}
}

// drain flushes whatever is still buffered once Close has been requested.
func (h *Hub) drain(b *batcher) {
	for {
		select {
		case evt := <-h.events:
			if b.add(evt) {
				h.flush(b.take())
			}
		default:
			h.flush(b.take())
			return
		}
	}
}

// batcher accumulates events until either the size limit is hit or the wait
// timer fires. The timer is armed by the first event of each batch only, so a
// steady trickle cannot postpone a flush indefinitely.
type batcher struct {
	pending []Event
	limit   int
	wait    time.Duration
	timer   *time.Timer
	armed   bool
}

func newBatcher(limit int, wait time.Duration) *batcher {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &batcher{pending: make([]Event, 0, limit), limit: limit, wait: wait, timer: t}
}

// add appends evt and reports whether the batch is full.
func (b *batcher) add(evt Event) bool {
	b.pending = append(b.pending, evt)
	if len(b.pending) >= b.limit {
		return true
	}
	if !b.armed {
		b.timer.Reset(b.wait)
		b.armed = true
	}
	return false
}

// take hands over the pending events and disarms the timer.
func (b *batcher) take() []Event {
	if b.armed {
		if !b.timer.Stop() {
			select {
			case <-b.timer.C:
			default:
			}
		}
		b.armed = false
	}
	out := b.pending
	b.pending = make([]Event, 0, b.limit)
	return out
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	baseCtx := h.cfg.BaseContext
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx := baseCtx
		cancel := func() {}
		if h.cfg.SinkTimeout > 0 {
			ctx, cancel = context.WithTimeout(baseCtx, h.cfg.SinkTimeout)
		}
		if err := sink.Consume(ctx, batch); err != nil {
			h.sinkFailures.Add(1)
			h.logger.Warn("activity sink consume failed", zap.Int("batch", len(batch)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("activity sink close failed", zap.Error(err))
		}
	}
}
