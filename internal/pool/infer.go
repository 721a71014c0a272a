package pool

import (
	"context"
	"errors"
	"io"

	"ai4all/internal/engine"
	"ai4all/internal/worker"
)

// Infer starts an inference on the leased handle. Every native step, including
// each Next of the returned stream, runs on the worker pool bounded by
// InferTimeout; a step that times out marks the handle Failed and returns
// EngineTimeoutError. Cancelling ctx never interrupts a running step.
func (l *Lease) Infer(ctx context.Context, in engine.Input) (engine.Stream, error) {
	if l.released.Load() {
		return nil, errLeaseReleased
	}
	l.pool.mu.Lock()
	sess, state := l.h.session, l.h.State
	l.pool.mu.Unlock()
	if state == StateFailed {
		return nil, &EngineTimeoutError{ModelID: l.h.Descriptor.ID, Op: "infer", After: l.pool.inferTimeout}
	}
	if sess == nil {
		return nil, ErrModelNotFound(l.h.Descriptor.ID)
	}
	nctx := context.WithoutCancel(ctx)
	st, err := nativeCall(ctx, l, func() (engine.Stream, error) { return sess.Infer(nctx, in) }, func(st engine.Stream, err error) {
		if err == nil && st != nil {
			_ = st.Close()
		}
	})
	if err != nil {
		return nil, err
	}
	return &leaseStream{lease: l, ctx: ctx, inner: st}, nil
}

// nativeCall runs fn on a worker. ctx only bounds the wait for a free worker.
// When fn outlives InferTimeout, late receives its result once it returns and
// runs before the handle's session may be closed.
func nativeCall[T any](ctx context.Context, l *Lease, fn func() (T, error), late func(T, error)) (T, error) {
	var zero T
	p := l.pool
	fut, err := worker.Submit(ctx, p.workers, fn)
	if err != nil {
		return zero, err
	}
	v, err := fut.Wait(p.inferTimeout)
	if worker.IsTimeout(err) {
		pending := make(chan struct{})
		go func() {
			defer close(pending)
			<-fut.Done()
			if late != nil {
				late(fut.Result())
			}
		}()
		p.markFailed(l.h, pending)
		return zero, &EngineTimeoutError{ModelID: l.h.Descriptor.ID, Op: "infer", After: p.inferTimeout}
	}
	return v, err
}

// markFailed invalidates the handle; it is unloaded when its lease is released.
func (p *Pool) markFailed(h *Handle, pending <-chan struct{}) {
	p.mu.Lock()
	h.State = StateFailed
	h.pending = pending
	p.mu.Unlock()
	p.emit("infer_timeout", h.Descriptor, map[string]any{"timeout_ms": p.inferTimeout.Milliseconds()})
}

type leaseStream struct {
	lease  *Lease
	ctx    context.Context
	inner  engine.Stream
	err    error
	closed bool
}

func (s *leaseStream) Next() (engine.Chunk, error) {
	if s.err != nil {
		return engine.Chunk{}, s.err
	}
	if s.closed || s.lease.released.Load() {
		return engine.Chunk{}, io.EOF
	}
	c, err := nativeCall(s.ctx, s.lease, s.inner.Next, func(engine.Chunk, error) { _ = s.inner.Close() })
	var te *EngineTimeoutError
	if errors.As(err, &te) {
		s.err = err
	}
	return c, err
}

// Close closes the engine stream unless a step timed out; that stream is
// closed once the step returns, before its session is.
func (s *leaseStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.err != nil {
		return nil
	}
	return s.inner.Close()
}
