// Package bus implements the per-job multicast channel that feeds live stream
// subscribers. Publishing never blocks: each subscriber owns a bounded buffer
// and a delivery that does not fit is skipped for that subscriber only.
package bus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/extraction-jobs/internal/metrics"
)

// ErrClosed is returned by Subscribe once the bus has been shut down.
var ErrClosed = errors.New("event bus closed")

// Config controls per-subscriber buffering.
//   - BufferSize: events buffered per subscriber (default 64).
//   - MaxConsecutiveDrops: consecutive skipped deliveries after which a
//     stalled subscriber is pruned (default 256, negative disables).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize          int
	MaxConsecutiveDrops int
	Logger              *zap.Logger
}

const (
	defaultBufferSize          = 64
	defaultMaxConsecutiveDrops = 256
	dropLogInterval            = 5 * time.Second
)

// Subscription is one consumer's registration on one job.
type Subscription struct {
	id      uint64
	jobID   string
	events  chan Event
	done    chan struct{}
	release sync.Once
	closed  atomic.Bool
	misses  int
}

// Events yields published events in publish order.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Done is closed once the bus no longer delivers to this subscription, either
// because it was unsubscribed, pruned, or the bus shut down.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// JobID returns the job the subscription is attached to.
func (s *Subscription) JobID() string {
	return s.jobID
}

// Close marks the consumer as unable to accept more data. The bus removes it
// on the next publish attempt.
func (s *Subscription) Close() {
	s.closed.Store(true)
}

func (s *Subscription) finish() {
	s.release.Do(func() { close(s.done) })
}

// Bus fans job events out to live subscribers. The zero value is not usable;
// construct with New.
type Bus struct {
	cfg     Config
	logger  *zap.Logger
	mu      sync.Mutex
	subs    map[string]map[uint64]*Subscription
	nextID  uint64
	closed  bool
	dropped atomic.Int64
	dropLog rate.Sometimes
}

// New constructs a Bus.
func New(cfg Config) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxConsecutiveDrops == 0 {
		cfg.MaxConsecutiveDrops = defaultMaxConsecutiveDrops
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		cfg:     cfg,
		logger:  logger,
		subs:    make(map[string]map[uint64]*Subscription),
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
}

// Subscribe registers a new consumer for jobID.
func (b *Bus) Subscribe(jobID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		jobID:  jobID,
		events: make(chan Event, b.cfg.BufferSize),
		done:   make(chan struct{}),
	}
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[uint64]*Subscription)
		b.subs[jobID] = set
	}
	set[sub.id] = sub
	metrics.AddBusSubscribers(1)
	return sub, nil
}

// Unsubscribe removes sub from jobID. The per-job set is discarded with its
// last member. Calling it for an already removed subscription is a no-op.
func (b *Bus) Unsubscribe(jobID string, sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	b.removeLocked(jobID, sub)
	b.mu.Unlock()
	sub.finish()
}

// Publish delivers evt to every subscriber of jobID and reports how many
// accepted it. Events for jobs without subscribers are dropped. Calls are
// serialized so every subscriber observes the same publish order.
func (b *Bus) Publish(jobID string, evt Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[jobID]
	if len(set) == 0 {
		return 0
	}
	delivered := 0
	for _, sub := range set {
		if sub.closed.Load() {
			b.pruneLocked(jobID, sub, "consumer closed")
			continue
		}
		select {
		case sub.events <- evt:
			sub.misses = 0
			delivered++
		default:
			sub.misses++
			b.recordDrop(jobID)
			if b.cfg.MaxConsecutiveDrops > 0 && sub.misses >= b.cfg.MaxConsecutiveDrops {
				b.pruneLocked(jobID, sub, "consumer stalled")
			}
		}
	}
	if delivered > 0 {
		metrics.ObserveBusPublish()
	}
	return delivered
}

// SubscriberCount reports the live subscriptions for jobID.
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

// Close releases every subscription and rejects new ones.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for jobID, set := range b.subs {
		for _, sub := range set {
			sub.finish()
		}
		metrics.AddBusSubscribers(-len(set))
		delete(b.subs, jobID)
	}
}

func (b *Bus) pruneLocked(jobID string, sub *Subscription, reason string) {
	if b.removeLocked(jobID, sub) {
		metrics.ObserveBusPrune()
		b.logger.Debug("subscriber pruned",
			zap.String("app_job_id", jobID),
			zap.Uint64("subscription", sub.id),
			zap.String("reason", reason),
		)
	}
	sub.finish()
}

func (b *Bus) removeLocked(jobID string, sub *Subscription) bool {
	set, ok := b.subs[jobID]
	if !ok {
		return false
	}
	if _, ok := set[sub.id]; !ok {
		return false
	}
	delete(set, sub.id)
	metrics.AddBusSubscribers(-1)
	if len(set) == 0 {
		delete(b.subs, jobID)
	}
	return true
}

func (b *Bus) recordDrop(jobID string) {
	metrics.ObserveBusDrop()
	b.dropped.Add(1)
	b.dropLog.Do(func() {
		b.logger.Warn("stream events dropped due to backpressure",
			zap.String("app_job_id", jobID),
			zap.Int64("dropped", b.dropped.Swap(0)),
		)
	})
}
