// Package looper runs posted callbacks serially on a single owning goroutine.
//
// It plays the role of a UI thread: any goroutine may Post work, and every
// callback runs on whichever goroutine drives the loop (Run or RunPending),
// one at a time and in posting order.
package looper

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("looper: closed")

type Looper struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	logger *zap.Logger
}

func New(logger *zap.Logger) *Looper {
	return &Looper{
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Post schedules fn to run on the loop. It is safe to call from any
// goroutine and never blocks. Returns false once the loop has been closed.
func (l *Looper) Post(fn func()) bool {
	if fn == nil {
		return false
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of callbacks waiting to run.
func (l *Looper) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Looper) drain() []func() {
	l.mu.Lock()
	callbacks := l.queue
	l.queue = nil
	l.mu.Unlock()
	return callbacks
}

// RunPending runs every queued callback on the calling goroutine, including
// callbacks posted by those callbacks, and returns how many ran.
func (l *Looper) RunPending() int {
	n := 0
	for {
		callbacks := l.drain()
		if len(callbacks) == 0 {
			return n
		}
		for _, fn := range callbacks {
			l.invoke(fn)
			n++
		}
	}
}

// Run drives the loop until ctx is done, then closes it. Callbacks still
// queued at that point are dropped.
func (l *Looper) Run(ctx context.Context) error {
	defer l.close()

	for {
		l.RunPending()

		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
	}
}

// Call posts fn and waits for it to finish running on the loop.
func (l *Looper) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Looper) close() {
	l.mu.Lock()
	l.closed = true
	dropped := len(l.queue)
	l.queue = nil
	l.mu.Unlock()

	if dropped > 0 {
		l.logger.Debug("Looper closed with queued callbacks", zap.Int("dropped", dropped))
	}
}

func (l *Looper) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Looper callback panicked",
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	fn()
}
