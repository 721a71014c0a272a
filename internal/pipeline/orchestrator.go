// Package pipeline runs one conversational turn through the engines:
// speech recognition, retrieval, generation and speech synthesis.
//
// Cancellation is cooperative. The request context is checked at every stage
// boundary, between generated tokens and between synthesized sentences; a
// native call that is already running always finishes first. Every lease a
// request acquires is released before its terminal state is reported.
package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ai4all/internal/observability"
	"ai4all/internal/pool"
	"ai4all/internal/retrieval"
	"ai4all/internal/session"
	"ai4all/pkg/types"
)

const defaultSpeed = 1.0

// Acquirer hands out exclusive engine leases.
type Acquirer interface {
	Acquire(ctx context.Context, desc types.ModelDescriptor) (*pool.Lease, error)
}

// Models resolves the descriptor used for each engine kind.
type Models interface {
	Default(kind types.EngineKind) (types.ModelDescriptor, bool)
}

// Config wires an Orchestrator. Index may be nil, in which case retrieval
// always yields an empty context.
type Config struct {
	Pool     Acquirer
	Models   Models
	Sessions *session.Manager
	Index    *retrieval.Index
	// RetrievalK is the number of context fragments fetched per turn.
	RetrievalK int
	Voice      string
	Speed      float32
	Logger     zerolog.Logger
	Metrics    *observability.Metrics
}

// Orchestrator executes requests. It is safe for concurrent use; requests of
// different sessions run in parallel and queue FIFO on shared engines.
type Orchestrator struct {
	pool     Acquirer
	models   Models
	sessions *session.Manager
	index    *retrieval.Index
	k        int
	voice    string
	speed    float32
	log      zerolog.Logger
	metrics  *observability.Metrics
}

func New(cfg Config) *Orchestrator {
	if cfg.RetrievalK <= 0 {
		cfg.RetrievalK = retrieval.DefaultK
	}
	if cfg.Speed <= 0 {
		cfg.Speed = defaultSpeed
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewManager(nil, 0)
	}
	return &Orchestrator{
		pool:     cfg.Pool,
		models:   cfg.Models,
		sessions: cfg.Sessions,
		index:    cfg.Index,
		k:        cfg.RetrievalK,
		voice:    cfg.Voice,
		speed:    cfg.Speed,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Sessions returns the session manager turns are appended to.
func (o *Orchestrator) Sessions() *session.Manager { return o.sessions }

// Run executes req to a terminal state, sending progress to emit (which may
// be nil). emit is called from the calling goroutine only. The last update is
// always of type done.
func (o *Orchestrator) Run(ctx context.Context, req Request, emit func(types.TurnUpdate)) Result {
	if req.Output == "" {
		req.Output = req.Input.Modality()
	}
	r := &run{
		o:   o,
		req: req,
		out: emit,
		log: o.log.With().Str("request", req.ID).Str("session", req.SessionID).Logger(),
		res: Result{RequestID: req.ID},
	}
	start := time.Now()
	err := r.execute(ctx)
	r.releaseAll()

	switch {
	case err == nil:
		r.res.State = StateCompleted
	case ctx.Err() != nil:
		r.res.State = StateCancelled
		err = context.Cause(ctx)
	default:
		r.res.State = StateFailed
	}
	r.res.Err = err
	o.metrics.ObserveTurn(string(r.res.State))

	ev := r.log.Info()
	if r.res.State == StateFailed {
		ev = r.log.Warn().Err(err)
	}
	ev.Str("event", "turn_done").Str("state", string(r.res.State)).Dur("elapsed", time.Since(start)).Msg("pipeline")

	done := types.TurnUpdate{Type: types.UpdateDone, State: string(r.res.State)}
	if err != nil {
		done.Error = err.Error()
	}
	r.send(done)
	return r.res
}

type run struct {
	o      *Orchestrator
	req    Request
	out    func(types.TurnUpdate)
	log    zerolog.Logger
	leases []*pool.Lease
	res    Result
}

func (r *run) send(u types.TurnUpdate) {
	if r.out == nil {
		return
	}
	u.RequestID, u.SessionID = r.req.ID, r.req.SessionID
	r.out(u)
}

func (r *run) warn(msg string, err error) {
	r.res.Warnings = append(r.res.Warnings, msg)
	r.log.Warn().Err(err).Str("event", "warning").Msg(msg)
	r.send(types.TurnUpdate{Type: types.UpdateWarning, Text: msg})
}

// stage enters s and runs fn, unless the request was cancelled first.
func (r *run) stage(ctx context.Context, s State, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.send(types.TurnUpdate{Type: types.UpdateState, State: string(s)})
	r.log.Debug().Str("event", "stage").Str("state", string(s)).Msg("pipeline")
	start := time.Now()
	err := fn(ctx)
	r.o.metrics.ObserveStage(string(s), time.Since(start))
	return err
}

func (r *run) execute(ctx context.Context) error {
	sess, err := r.o.sessions.GetOrCreate(ctx, r.req.SessionID)
	if err != nil {
		return err
	}
	r.send(types.TurnUpdate{Type: types.UpdateState, State: string(StateQueued)})

	in := r.req.Input
	userText := in.Text
	if in.Modality() == types.ModalityAudio {
		err := r.stage(ctx, StateTranscribing, func(ctx context.Context) (err error) {
			userText, err = r.transcribe(ctx)
			return err
		})
		if err != nil {
			return err
		}
		r.res.Transcript = userText
	}

	var fragments []string
	err = r.stage(ctx, StateRetrieving, func(ctx context.Context) error {
		fragments = r.retrieve(ctx, userText)
		return ctx.Err()
	})
	if err != nil {
		return err
	}
	r.res.Context = fragments
	if err := r.o.sessions.SetRetrievalContext(r.req.SessionID, fragments); err != nil {
		r.log.Debug().Err(err).Str("event", "retrieval_context").Msg("session gone")
	}

	var reply string
	err = r.stage(ctx, StateGenerating, func(ctx context.Context) (err error) {
		reply, err = r.generate(ctx, sess.History, fragments, userText)
		return err
	})
	if err != nil {
		return err
	}
	r.res.Reply = reply

	var audio []byte
	if r.req.Output == types.ModalityAudio {
		err = r.stage(ctx, StateSynthesizing, func(ctx context.Context) (err error) {
			audio, err = r.synthesize(ctx, reply)
			return err
		})
		if err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.commit(ctx, userText, reply, audio)
}

// commit appends the user and assistant turns. It runs to completion once
// started, even if the request is cancelled meanwhile.
func (r *run) commit(ctx context.Context, userText, reply string, audio []byte) error {
	now := time.Now().UTC()
	turns := []types.Turn{
		{Role: types.RoleUser, Modality: r.req.Input.Modality(), Text: userText, Audio: r.req.Input.Audio, Timestamp: now},
		{Role: types.RoleAssistant, Modality: r.req.Output, Text: reply, Audio: audio, Timestamp: now},
	}
	if err := r.o.sessions.Append(context.WithoutCancel(ctx), r.req.SessionID, turns...); err != nil {
		return err
	}
	r.res.Turns = turns
	for i := range turns {
		r.send(types.TurnUpdate{Type: types.UpdateTurn, Turn: &turns[i]})
	}
	return nil
}

// acquire leases the default model of kind and tracks the lease so that it
// is released when the request ends, whatever the outcome.
func (r *run) acquire(ctx context.Context, kind types.EngineKind) (*pool.Lease, error) {
	if r.o.models == nil || r.o.pool == nil {
		return nil, pool.ErrModelNotFound(string(kind))
	}
	desc, ok := r.o.models.Default(kind)
	if !ok {
		return nil, pool.ErrModelNotFound(string(kind))
	}
	l, err := r.o.pool.Acquire(ctx, desc)
	if err != nil {
		return nil, err
	}
	r.leases = append(r.leases, l)
	return l, nil
}

func (r *run) releaseAll() {
	for _, l := range r.leases {
		l.Release()
	}
	r.leases = nil
}
