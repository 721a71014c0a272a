// Package worker runs blocking native calls on a small fixed set of goroutines
// so callers can bound how long they wait without interrupting the call itself.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned when work is submitted to a closed pool.
var ErrClosed = errors.New("worker pool closed")

// timeoutError is returned when a call did not finish in time.
// The call keeps running on its worker until it returns.
type timeoutError struct{ after time.Duration }

func (e timeoutError) Error() string { return fmt.Sprintf("native call timed out after %s", e.after) }

// IsTimeout reports whether err is a Wait timeout.
func IsTimeout(err error) bool {
	var t timeoutError
	return errors.As(err, &t)
}

type job struct {
	fn   func()
	done chan struct{}
}

// Pool is a fixed pool of workers.
type Pool struct {
	jobs      chan job
	g         *errgroup.Group
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// DefaultSize is half the CPUs, at least 2.
func DefaultSize() int {
	return max(2, runtime.NumCPU()/2)
}

// New starts n workers (DefaultSize when n <= 0).
func New(n int) *Pool {
	if n <= 0 {
		n = DefaultSize()
	}
	p := &Pool{jobs: make(chan job), g: new(errgroup.Group)}
	for i := 0; i < n; i++ {
		p.g.Go(func() error {
			for j := range p.jobs {
				run(j)
			}
			return nil
		})
	}
	return p
}

func run(j job) {
	defer close(j.done)
	j.fn()
}

// Do hands fn to a free worker and returns a channel closed when fn returns.
// It blocks until a worker accepts the job or ctx is done.
func (p *Pool) Do(ctx context.Context, fn func()) (<-chan struct{}, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}
	j := job{fn: fn, done: make(chan struct{})}
	select {
	case p.jobs <- j:
		return j.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting work and waits for running calls to return.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
	return p.g.Wait()
}

// Future is the pending result of a call running on the pool.
type Future[T any] struct {
	done <-chan struct{}
	val  T
	err  error
}

// Submit runs fn on the pool. A panic inside fn is returned as an error.
func Submit[T any](ctx context.Context, p *Pool, fn func() (T, error)) (*Future[T], error) {
	f := &Future[T]{}
	done, err := p.Do(ctx, func() {
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("native call panicked: %v", r)
			}
		}()
		f.val, f.err = fn()
	})
	if err != nil {
		return nil, err
	}
	f.done = done
	return f, nil
}

// Done is closed when the call has returned.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Result returns the call's result. It must only be used after Done is closed.
func (f *Future[T]) Result() (T, error) { return f.val, f.err }

// Wait blocks until the call returns or timeout elapses (no bound when
// timeout <= 0).
func (f *Future[T]) Wait(timeout time.Duration) (T, error) {
	if timeout <= 0 {
		<-f.done
		return f.val, f.err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.val, f.err
	case <-timer.C:
		var zero T
		return zero, timeoutError{after: timeout}
	}
}

// Call submits fn and waits for it up to timeout.
func Call[T any](ctx context.Context, p *Pool, timeout time.Duration, fn func() (T, error)) (T, error) {
	f, err := Submit(ctx, p, fn)
	if err != nil {
		var zero T
		return zero, err
	}
	return f.Wait(timeout)
}
