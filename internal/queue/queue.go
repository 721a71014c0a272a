// Package queue admits conversational turns, one in flight per session, and
// runs each on its own goroutine through the pipeline.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai4all/internal/observability"
	"ai4all/internal/pipeline"
	"ai4all/pkg/types"
)

const defaultUpdateBuffer = 64

// Runner executes one request to completion.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request, emit func(types.TurnUpdate)) pipeline.Result
}

type Config struct {
	Runner Runner
	// MaxActive bounds requests in flight across all sessions; 0 is unlimited.
	MaxActive int
	// UpdateBuffer is the capacity of each request's update channel. A full
	// channel blocks the request until the consumer catches up.
	UpdateBuffer int
	Logger       zerolog.Logger
	Metrics      *observability.Metrics
}

// Handle is a submitted request.
type Handle struct {
	ID        string
	SessionID string
	Submitted time.Time

	ctx     context.Context
	cancel  context.CancelCauseFunc
	updates chan types.TurnUpdate
	done    chan struct{}
	result  pipeline.Result
}

// Updates streams the request's progress. The channel is closed after the
// final update of type done.
func (h *Handle) Updates() <-chan types.TurnUpdate { return h.updates }

// Done is closed when the request has reached a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result is valid once Done is closed.
func (h *Handle) Result() pipeline.Result {
	<-h.done
	return h.result
}

// Cancel asks the request to stop at its next suspension point.
func (h *Handle) Cancel() { h.cancel(context.Canceled) }

type Queue struct {
	runner    Runner
	maxActive int
	buffer    int
	log       zerolog.Logger
	metrics   *observability.Metrics

	base     context.Context
	stopBase context.CancelCauseFunc

	mu        sync.Mutex
	bySession map[string]*Handle
	byID      map[string]*Handle
	closed    bool
	wg        sync.WaitGroup
}

func New(cfg Config) *Queue {
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = defaultUpdateBuffer
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Queue{
		runner:    cfg.Runner,
		maxActive: cfg.MaxActive,
		buffer:    cfg.UpdateBuffer,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		base:      base,
		stopBase:  stop,
		bySession: make(map[string]*Handle),
		byID:      make(map[string]*Handle),
	}
}

// Submit admits a turn for sessionID or rejects it with SessionBusyError when
// the session already has one in flight. There is no implicit queueing.
// ctx contributes values only; the request outlives it and is stopped with
// Cancel.
func (q *Queue) Submit(ctx context.Context, sessionID string, in pipeline.Input, out types.Modality) (*Handle, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if cur, ok := q.bySession[sessionID]; ok {
		q.mu.Unlock()
		q.metrics.ObserveRejected("session_busy")
		return nil, &SessionBusyError{SessionID: sessionID, ActiveRequestID: cur.ID}
	}
	if q.maxActive > 0 && len(q.byID) >= q.maxActive {
		q.mu.Unlock()
		q.metrics.ObserveRejected("too_busy")
		return nil, tooBusyError{max: q.maxActive}
	}
	rctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	h := &Handle{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Submitted: time.Now(),
		ctx:       rctx,
		cancel:    cancel,
		updates:   make(chan types.TurnUpdate, q.buffer),
		done:      make(chan struct{}),
	}
	q.bySession[sessionID] = h
	q.byID[h.ID] = h
	q.wg.Add(1)
	q.mu.Unlock()

	q.metrics.AddActive(1)
	h.updates <- types.TurnUpdate{Type: types.UpdateAccepted, RequestID: h.ID, SessionID: sessionID}
	q.log.Debug().Str("event", "submit").Str("request", h.ID).Str("session", sessionID).Msg("queue")

	req := pipeline.Request{ID: h.ID, SessionID: sessionID, Input: in, Output: out}
	go q.run(h, req)
	return h, nil
}

func (q *Queue) run(h *Handle, req pipeline.Request) {
	defer q.wg.Done()
	stop := context.AfterFunc(q.base, func() { h.cancel(ErrClosed) })
	defer stop()

	res := q.runner.Run(h.ctx, req, func(u types.TurnUpdate) { q.deliver(h, u) })
	h.cancel(nil)

	q.mu.Lock()
	delete(q.bySession, h.SessionID)
	delete(q.byID, h.ID)
	q.mu.Unlock()
	q.metrics.AddActive(-1)

	h.result = res
	close(h.updates)
	close(h.done)
}

// deliver blocks while the consumer is behind, unless the request has been
// cancelled; from then on updates that do not fit are dropped.
func (q *Queue) deliver(h *Handle, u types.TurnUpdate) {
	if h.ctx.Err() == nil {
		select {
		case h.updates <- u:
			return
		case <-h.ctx.Done():
		}
	}
	select {
	case h.updates <- u:
	default:
		q.log.Debug().Str("request", h.ID).Str("type", u.Type).Msg("update dropped")
	}
}

// Cancel cancels a running request. Unknown and finished ids yield
// ErrRequestNotFound.
func (q *Queue) Cancel(requestID string) error {
	q.mu.Lock()
	h, ok := q.byID[requestID]
	q.mu.Unlock()
	if !ok {
		return ErrRequestNotFound
	}
	q.log.Info().Str("event", "cancel").Str("request", requestID).Msg("queue")
	h.Cancel()
	return nil
}

// Active returns the in-flight request of a session.
func (q *Queue) Active(sessionID string) (*Handle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.bySession[sessionID]
	return h, ok
}

// Get returns an in-flight request by id.
func (q *Queue) Get(requestID string) (*Handle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.byID[requestID]
	return h, ok
}

// Len returns the number of requests in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// Close rejects new submits, cancels everything in flight and waits for it
// to finish or for ctx to expire.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.stopBase(ErrClosed)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
