// Package presenter runs the presentation side of canvassync in process:
// a thread-locked loop that creates texture streams, answers surface
// requests and drives PerformSync, plus the compositor for canvas layers.
package presenter

import (
	"errors"
	"runtime"
	"sync"

	"go.uber.org/zap"

	canvaserrors "github.com/go-drift/canvassync/pkg/errors"
	"github.com/go-drift/canvassync/pkg/logging"
	"github.com/go-drift/canvassync/pkg/platform"
)

// ErrStopped is returned when posting to a stopped loop.
var ErrStopped = errors.New("presenter: loop stopped")

// Loop runs posted tasks in order on a single locked OS thread. The queue
// is unbounded, so Post never blocks.
type Loop struct {
	logger *zap.Logger

	mu       sync.Mutex
	queue    []func()
	stopping bool

	signal  chan struct{}
	stopped chan struct{}
}

// NewLoop starts a loop.
func NewLoop(logger *zap.Logger) *Loop {
	l := &Loop{
		logger:  logging.Named(logger, "presenter.loop"),
		signal:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.stopped)
	// Platform presentation calls must stay on one OS thread.
	runtime.LockOSThread()

	for {
		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		stopping := l.stopping
		l.mu.Unlock()

		for _, task := range tasks {
			l.runTask(task)
		}
		if len(tasks) > 0 {
			continue
		}
		if stopping {
			return
		}
		<-l.signal
	}
}

func (l *Loop) runTask(task func()) {
	defer canvaserrors.Recover("presenter.Loop")
	task()
}

// Post queues fn to run on the loop.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return ErrStopped
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return nil
}

// Sync runs fn on the loop and waits for it to return. It must not be
// called from a task running on the loop.
func (l *Loop) Sync(fn func()) error {
	done := make(chan struct{})
	if err := l.Post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	<-done
	return nil
}

// InstallDispatch makes the loop the target of platform.Dispatch.
func (l *Loop) InstallDispatch() {
	platform.RegisterDispatch(func(cb func()) {
		if err := l.Post(cb); err != nil {
			l.logger.Warn("dispatch dropped", zap.Error(err))
		}
	})
}

// Stop runs the tasks already queued and then ends the loop. Later posts
// fail with ErrStopped.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopping = true
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
	<-l.stopped
}
