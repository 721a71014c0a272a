package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ai4all/internal/pipeline"
	"ai4all/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// blockingRunner emits one token and then waits for release or cancellation.
type blockingRunner struct {
	release chan struct{}
	runs    atomic.Int32
}

func newBlockingRunner() *blockingRunner { return &blockingRunner{release: make(chan struct{})} }

func (r *blockingRunner) Run(ctx context.Context, req pipeline.Request, emit func(types.TurnUpdate)) pipeline.Result {
	r.runs.Add(1)
	emit(types.TurnUpdate{Type: types.UpdateToken, RequestID: req.ID, Text: req.Input.Text})
	select {
	case <-r.release:
		emit(types.TurnUpdate{Type: types.UpdateDone, RequestID: req.ID, State: string(pipeline.StateCompleted)})
		return pipeline.Result{RequestID: req.ID, State: pipeline.StateCompleted, Reply: req.Input.Text}
	case <-ctx.Done():
		emit(types.TurnUpdate{Type: types.UpdateDone, RequestID: req.ID, State: string(pipeline.StateCancelled)})
		return pipeline.Result{RequestID: req.ID, State: pipeline.StateCancelled, Err: context.Cause(ctx)}
	}
}

func newQueue(t *testing.T, r Runner, maxActive int) *Queue {
	t.Helper()
	q := New(Config{Runner: r, MaxActive: maxActive, Logger: zerolog.Nop()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q
}

func drain(h *Handle) []types.TurnUpdate {
	var out []types.TurnUpdate
	for u := range h.Updates() {
		out = append(out, u)
	}
	return out
}

func TestSubmit_RunsAndStreams(t *testing.T) {
	r := newBlockingRunner()
	close(r.release)
	q := newQueue(t, r, 0)
	h, err := q.Submit(context.Background(), "s1", pipeline.Input{Text: "hi"}, "")
	require.NoError(t, err)
	require.NotEmpty(t, h.ID)

	ups := drain(h)
	require.Len(t, ups, 3)
	assert.Equal(t, types.UpdateAccepted, ups[0].Type)
	assert.Equal(t, h.ID, ups[0].RequestID)
	assert.Equal(t, "s1", ups[0].SessionID)
	assert.Equal(t, types.UpdateDone, ups[2].Type)

	res := h.Result()
	assert.Equal(t, pipeline.StateCompleted, res.State)
	assert.Equal(t, "hi", res.Reply)
	assert.Equal(t, 0, q.Len())
}

func TestSubmit_SessionBusy(t *testing.T) {
	r := newBlockingRunner()
	q := newQueue(t, r, 0)
	h, err := q.Submit(context.Background(), "s1", pipeline.Input{Text: "one"}, "")
	require.NoError(t, err)

	_, err = q.Submit(context.Background(), "s1", pipeline.Input{Text: "two"}, "")
	require.True(t, IsSessionBusy(err), "got %v", err)
	var busy *SessionBusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, h.ID, busy.ActiveRequestID)

	other, err := q.Submit(context.Background(), "s2", pipeline.Input{Text: "three"}, "")
	require.NoError(t, err, "other sessions are admitted concurrently")

	active, ok := q.Active("s1")
	require.True(t, ok)
	assert.Equal(t, h.ID, active.ID)

	close(r.release)
	<-h.Done()
	<-other.Done()
	_, ok = q.Active("s1")
	assert.False(t, ok)

	again, err := q.Submit(context.Background(), "s1", pipeline.Input{Text: "four"}, "")
	require.NoError(t, err, "session is free once its request finished")
	<-again.Done()
}

func TestCancel(t *testing.T) {
	r := newBlockingRunner()
	q := newQueue(t, r, 0)
	h, err := q.Submit(context.Background(), "s1", pipeline.Input{Text: "x"}, "")
	require.NoError(t, err)

	require.NoError(t, q.Cancel(h.ID))
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("request did not stop after cancel")
	}
	res := h.Result()
	assert.Equal(t, pipeline.StateCancelled, res.State)
	assert.ErrorIs(t, res.Err, context.Canceled)

	assert.ErrorIs(t, q.Cancel(h.ID), ErrRequestNotFound, "finished requests are gone")
	assert.ErrorIs(t, q.Cancel("nope"), ErrRequestNotFound)
}

func TestSubmit_ContextDoesNotCancelRequest(t *testing.T) {
	r := newBlockingRunner()
	q := newQueue(t, r, 0)
	ctx, cancel := context.WithCancel(context.Background())
	h, err := q.Submit(ctx, "s1", pipeline.Input{Text: "x"}, "")
	require.NoError(t, err)
	cancel()
	select {
	case <-h.Done():
		t.Fatal("submit context must not cancel the request")
	case <-time.After(30 * time.Millisecond):
	}
	close(r.release)
	assert.Equal(t, pipeline.StateCompleted, h.Result().State)
}

func TestSubmit_MaxActive(t *testing.T) {
	r := newBlockingRunner()
	q := newQueue(t, r, 1)
	h, err := q.Submit(context.Background(), "s1", pipeline.Input{}, "")
	require.NoError(t, err)
	_, err = q.Submit(context.Background(), "s2", pipeline.Input{}, "")
	assert.True(t, IsTooBusy(err), "got %v", err)
	close(r.release)
	<-h.Done()
}

func TestClose_CancelsInFlight(t *testing.T) {
	r := newBlockingRunner()
	q := New(Config{Runner: r, Logger: zerolog.Nop()})
	h, err := q.Submit(context.Background(), "s1", pipeline.Input{}, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))
	res := h.Result()
	assert.Equal(t, pipeline.StateCancelled, res.State)
	assert.ErrorIs(t, res.Err, ErrClosed)

	_, err = q.Submit(context.Background(), "s2", pipeline.Input{}, "")
	assert.ErrorIs(t, err, ErrClosed)
}

// A consumer that stops reading must not wedge a cancelled request.
func TestDeliver_DropsAfterCancelWhenFull(t *testing.T) {
	r := newBlockingRunner()
	q := New(Config{Runner: r, UpdateBuffer: 1, Logger: zerolog.Nop()})
	defer q.Close(context.Background())
	h, err := q.Submit(context.Background(), "s1", pipeline.Input{Text: "x"}, "")
	require.NoError(t, err)
	// buffer holds "accepted"; the runner is now blocked delivering its token
	time.Sleep(20 * time.Millisecond)
	h.Cancel()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled request blocked on a full update channel")
	}
	assert.Equal(t, int32(1), r.runs.Load())
}
