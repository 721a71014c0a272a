package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"

	"ai4all/internal/engine"
	"ai4all/internal/pool"
	"ai4all/internal/retrieval"
	"ai4all/pkg/types"
)

// consume runs one inference on l and hands every chunk to fn. The stream is
// closed before consume returns, so callers may release l right after.
func consume(ctx context.Context, l *pool.Lease, in engine.Input, fn func(engine.Chunk) error) error {
	st, err := l.Infer(ctx, in)
	if err != nil {
		return err
	}
	defer st.Close()
	for {
		c, err := st.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
}

func (r *run) transcribe(ctx context.Context) (string, error) {
	l, err := r.acquire(ctx, types.KindASR)
	if err != nil {
		return "", &TranscriptionError{Err: err}
	}
	defer l.Release()
	var b strings.Builder
	err = consume(ctx, l, engine.Input{Audio: r.req.Input.Audio, SampleRate: r.req.Input.SampleRate}, func(c engine.Chunk) error {
		b.WriteString(c.Text)
		return nil
	})
	if err != nil {
		return "", &TranscriptionError{Err: err}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", &TranscriptionError{Err: errEmptyTranscript}
	}
	return text, nil
}

// retrieve returns the context fragments for text. Retrieval is best effort:
// every failure degrades to an empty context with a warning.
func (r *run) retrieve(ctx context.Context, text string) []string {
	idx := r.o.index
	if idx == nil || idx.Len() == 0 || r.o.models == nil {
		return nil
	}
	if _, ok := r.o.models.Default(types.KindEmbedding); !ok {
		r.log.Debug().Str("event", "retrieval_skipped").Msg("no embedding model")
		return nil
	}
	vec, err := r.embed(ctx, text)
	if err != nil {
		if ctx.Err() == nil {
			r.warn("retrieval skipped: embedding failed", err)
		}
		return nil
	}
	hits, err := idx.Query(ctx, vec, r.o.k)
	switch {
	case retrieval.IsRetrievalTimeout(err):
		r.o.metrics.ObserveRetrievalTimeout()
		r.warn("retrieval timed out; continuing without context", err)
		return nil
	case err != nil:
		if ctx.Err() == nil {
			r.warn("retrieval failed; continuing without context", err)
		}
		return nil
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.SourceText
	}
	return out
}

func (r *run) embed(ctx context.Context, text string) ([]float32, error) {
	l, err := r.acquire(ctx, types.KindEmbedding)
	if err != nil {
		return nil, err
	}
	defer l.Release()
	var vec []float32
	err = consume(ctx, l, engine.Input{Text: text}, func(c engine.Chunk) error {
		if len(c.Embedding) > 0 {
			vec = c.Embedding
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if vec == nil {
		return nil, errors.New("embedding engine returned no vector")
	}
	return vec, nil
}

// generate streams tokens to the caller, checking for cancellation after each.
func (r *run) generate(ctx context.Context, hist []types.Turn, fragments []string, text string) (string, error) {
	l, err := r.acquire(ctx, types.KindGeneration)
	if err != nil {
		return "", &GenerationError{Err: err}
	}
	defer l.Release()
	var b strings.Builder
	in := engine.Input{Text: text, History: hist, Context: fragments, MaxTokens: r.req.Input.MaxTokens}
	err = consume(ctx, l, in, func(c engine.Chunk) error {
		if c.Text != "" {
			b.WriteString(c.Text)
			r.send(types.TurnUpdate{Type: types.UpdateToken, Text: c.Text})
		}
		return ctx.Err()
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &GenerationError{Err: err}
	}
	return strings.TrimSpace(b.String()), nil
}

// synthesize speaks text sentence by sentence. Audio chunks are forwarded as
// they are produced; the final one carries Last.
func (r *run) synthesize(ctx context.Context, text string) ([]byte, error) {
	sentences := retrieval.SplitSentences(text)
	if len(sentences) == 0 {
		return nil, nil
	}
	l, err := r.acquire(ctx, types.KindTTS)
	if err != nil {
		return nil, &SynthesisError{Err: err}
	}
	defer l.Release()

	var (
		all     []byte
		pending *types.TurnUpdate
	)
	flush := func(last bool) {
		if pending != nil {
			pending.Last = last
			r.send(*pending)
			pending = nil
		}
	}
	for _, s := range sentences {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := consume(ctx, l, engine.Input{Text: s, Voice: r.o.voice, Speed: r.o.speed}, func(c engine.Chunk) error {
			if len(c.Audio) == 0 {
				return nil
			}
			flush(false)
			pending = &types.TurnUpdate{Type: types.UpdateAudio, Audio: c.Audio, SampleRate: c.SampleRate}
			all = append(all, c.Audio...)
			return nil
		})
		if err != nil {
			return nil, &SynthesisError{Err: err}
		}
	}
	flush(true)
	return all, nil
}
