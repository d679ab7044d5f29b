package swarm

import (
	"context"
	"sync"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
)

// Handle is the caller's view of a running assessment.
type Handle struct {
	mu     sync.RWMutex
	run    *schemas.AssessmentRun
	cancel context.CancelFunc
	done   chan struct{}
}

func newHandle(run *schemas.AssessmentRun, cancel context.CancelFunc) *Handle {
	return &Handle{run: run, cancel: cancel, done: make(chan struct{})}
}

// ID returns the run id.
func (h *Handle) ID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.run.ID
}

// Snapshot returns a copy of the current run state.
func (h *Handle) Snapshot() *schemas.AssessmentRun {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.run.Clone()
}

// Done is closed once the run has reached a terminal status and every
// progress event has been delivered.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run finishes or ctx is done. The run keeps going if
// ctx expires; call Cancel to stop it.
func (h *Handle) Wait(ctx context.Context) (*schemas.AssessmentRun, error) {
	select {
	case <-h.done:
		return h.Snapshot(), nil
	case <-ctx.Done():
		return h.Snapshot(), ctx.Err()
	}
}

// Cancel stops the run. A cancelled run ends failed with "run cancelled".
func (h *Handle) Cancel() {
	h.cancel()
}

// update applies fn to the live run under the write lock.
func (h *Handle) update(fn func(run *schemas.AssessmentRun)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h.run)
}
