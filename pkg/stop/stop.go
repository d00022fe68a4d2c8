// Package stop holds the process-wide "stop requested" flag.
//
// Blocking waiters register a waker with OnStop; Request sets the flag and runs every waker so
// that no waiter stays parked after shutdown.
package stop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrStopped is returned by blocking calls that observed the flag.
var ErrStopped = errors.New("stop requested")

// Flag is a one-shot cancellation flag.
type Flag struct {
	stopped atomic.Bool
	done    chan struct{}

	mu     sync.Mutex
	next   int
	wakers map[int]func()
}

// New returns a cleared flag.
func New() *Flag {
	return &Flag{
		done:   make(chan struct{}),
		wakers: make(map[int]func()),
	}
}

// Request sets the flag and wakes every registered waiter. Further calls are no-ops.
func (f *Flag) Request() {
	f.mu.Lock()
	if f.stopped.Load() {
		f.mu.Unlock()
		return
	}
	f.stopped.Store(true)
	close(f.done)
	wakers := make([]func(), 0, len(f.wakers))
	for _, w := range f.wakers {
		wakers = append(wakers, w)
	}
	f.mu.Unlock()

	for _, w := range wakers {
		w()
	}
}

// Requested reports whether Request has been called.
func (f *Flag) Requested() bool {
	return f.stopped.Load()
}

// Done is closed once the flag is set.
func (f *Flag) Done() <-chan struct{} {
	return f.done
}

// Err returns ErrStopped once the flag is set.
func (f *Flag) Err() error {
	if f.stopped.Load() {
		return ErrStopped
	}
	return nil
}

// OnStop registers wake to run when the flag is set. If it already is, wake runs immediately.
// The returned func unregisters it.
func (f *Flag) OnStop(wake func()) (unregister func()) {
	f.mu.Lock()
	if f.stopped.Load() {
		f.mu.Unlock()
		wake()
		return func() {}
	}
	id := f.next
	f.next++
	f.wakers[id] = wake
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.wakers, id)
		f.mu.Unlock()
	}
}

// Context derives a context from parent that is also cancelled when the flag is set.
func (f *Flag) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	unregister := f.OnStop(func() { cancel(ErrStopped) })
	return ctx, func() {
		unregister()
		cancel(context.Canceled)
	}
}
