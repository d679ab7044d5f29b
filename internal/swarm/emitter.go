package swarm

import (
	"fmt"
	"sync"
	"time"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"go.uber.org/zap"
)

// emitter delivers one run's progress events in order from a single
// goroutine. Enqueueing never blocks the run.
type emitter struct {
	logger   *zap.Logger
	bus      *ProgressBus
	callback ProgressFunc
	timeout  time.Duration

	mu      sync.Mutex
	queue   []schemas.ProgressEvent
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

func newEmitter(logger *zap.Logger, bus *ProgressBus, callback ProgressFunc, timeout time.Duration) *emitter {
	e := &emitter{
		logger:   logger,
		bus:      bus,
		callback: callback,
		timeout:  timeout,
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *emitter) enqueue(ev schemas.ProgressEvent) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, ev)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// close stops accepting events and waits until the queue is drained.
func (e *emitter) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
	<-e.stopped
}

func (e *emitter) loop() {
	defer close(e.stopped)
	for {
		e.mu.Lock()
		batch := e.queue
		e.queue = nil
		closed := e.closed
		e.mu.Unlock()

		for _, ev := range batch {
			e.deliver(ev)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-e.wake
	}
}

func (e *emitter) deliver(ev schemas.ProgressEvent) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
	if e.callback == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Progress callback panicked.",
					zap.String("run_id", ev.RunID), zap.Int("seq", ev.Seq), zap.String("panic", fmt.Sprint(r)))
			}
		}()
		e.callback(ev)
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		e.logger.Warn("Progress callback timed out, continuing.",
			zap.String("run_id", ev.RunID), zap.Int("seq", ev.Seq), zap.Duration("timeout", e.timeout))
	}
}
