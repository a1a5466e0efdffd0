package surface

import (
	"time"

	"github.com/go-drift/canvassync/pkg/gpu"
)

// waitOutcome is the result of waiting for a surface: surfaceReady,
// waitTimedOut or waitAborted.
type waitOutcome interface {
	isWaitOutcome()
}

// surfaceReady carries the supplied window and texture.
type surfaceReady struct {
	window  gpu.Window
	texture gpu.TextureID
}

// waitTimedOut means nothing was supplied before the deadline.
type waitTimedOut struct{}

// waitAborted means the handle was deregistered while waiting.
type waitAborted struct{}

func (surfaceReady) isWaitOutcome() {}
func (waitTimedOut) isWaitOutcome() {}
func (waitAborted) isWaitOutcome()  {}

// awaitSurface blocks until h is woken or timeout elapses, then resolves
// the outcome under c.mu. The caller must not hold c.mu.
func (c *Coordinator) awaitSurface(h *handle, timeout time.Duration) waitOutcome {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.ready:
	case <-timer.C:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	h.waiting = false
	if cur, ok := c.handles[h.id]; !ok || cur != h {
		return waitAborted{}
	}
	// A supply racing the timer still counts.
	if h.state == Ready {
		return surfaceReady{window: h.window, texture: h.texture}
	}
	h.state = Unaccelerated
	return waitTimedOut{}
}
