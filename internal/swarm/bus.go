package swarm

import (
	"sync"
	"sync/atomic"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"go.uber.org/zap"
)

// ProgressBus fans progress events out to subscribers. Publishing never
// blocks: an event is dropped for a subscriber whose buffer is full, and the
// drop is counted. Delivery is therefore at most once.
type ProgressBus struct {
	logger     *zap.Logger
	bufferSize int

	mu          sync.RWMutex
	subscribers map[*subscription]struct{}
	closed      bool

	dropped atomic.Int64
}

type subscription struct {
	runID string
	ch    chan schemas.ProgressEvent
	once  sync.Once
}

func NewProgressBus(logger *zap.Logger, bufferSize int) *ProgressBus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &ProgressBus{
		logger:      logger.Named("progress_bus"),
		bufferSize:  bufferSize,
		subscribers: make(map[*subscription]struct{}),
	}
}

// Publish offers the event to every matching subscriber.
func (b *ProgressBus) Publish(ev schemas.ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subscribers {
		if sub.runID != "" && sub.runID != ev.RunID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			n := b.dropped.Add(1)
			b.logger.Debug("Subscriber buffer full, dropping progress event.",
				zap.String("run_id", ev.RunID), zap.Int("seq", ev.Seq), zap.Int64("dropped_total", n))
		}
	}
}

// Subscribe returns a channel of events for runID, or for every run when
// runID is empty. The returned function unsubscribes and closes the channel;
// it is safe to call more than once.
func (b *ProgressBus) Subscribe(runID string) (<-chan schemas.ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{runID: runID, ch: make(chan schemas.ProgressEvent, b.bufferSize)}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subscribers[sub] = struct{}{}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	return sub.ch, unsubscribe
}

// Dropped returns the number of events dropped so far.
func (b *ProgressBus) Dropped() int64 {
	return b.dropped.Load()
}

// Shutdown closes every subscriber channel. Later publishes are ignored.
func (b *ProgressBus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		sub.once.Do(func() { close(sub.ch) })
	}
	b.subscribers = make(map[*subscription]struct{})
	if n := b.dropped.Load(); n > 0 {
		b.logger.Info("Progress bus shut down.", zap.Int64("dropped_events", n))
	}
}
