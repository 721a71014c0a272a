//go:build llama

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"ai4all/pkg/types"
)

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = true

type llamaLoader struct {
	ctxSize int
	threads int
}

// NewLlamaLoader returns a Loader backed by in-process llama.cpp. It serves
// generation and embedding engines.
func NewLlamaLoader(ctxSize, threads int) Loader {
	if ctxSize <= 0 {
		ctxSize = DefaultContextSize
	}
	return &llamaLoader{ctxSize: ctxSize, threads: threads}
}

func (a *llamaLoader) Load(ctx context.Context, desc types.ModelDescriptor) (Session, error) {
	if err := Preflight(desc); err != nil {
		return nil, err
	}
	switch desc.Kind {
	case types.KindGeneration, types.KindEmbedding:
	default:
		return nil, ErrDependencyUnavailable(fmt.Sprintf("llama runtime cannot serve %s engines", desc.Kind))
	}
	ctxSize := a.ctxSize
	if desc.ContextWindow > 0 {
		ctxSize = desc.ContextWindow
	}
	mo := []llama.ModelOption{llama.SetContext(ctxSize)}
	if desc.Kind == types.KindEmbedding {
		mo = append(mo, llama.EnableEmbeddings)
	}
	m, err := llama.New(desc.Path, mo...)
	if err != nil {
		return nil, err
	}
	return &llamaSession{model: m, kind: desc.Kind, ctxSize: ctxSize, threads: a.threads}, nil
}

type llamaSession struct {
	model   *llama.LLama
	kind    types.EngineKind
	ctxSize int
	threads int
}

func (s *llamaSession) Infer(ctx context.Context, in Input) (Stream, error) {
	if s.model == nil {
		return nil, errors.New("llama model not initialized")
	}
	if s.kind == types.KindEmbedding {
		return &embeddingStream{model: s.model, text: in.Text, threads: s.threads}, nil
	}
	return newTokenStream(s.model, BuildPrompt(in), predictOptions(in, s.ctxSize, s.threads)), nil
}

func (s *llamaSession) Close() error {
	if s.model != nil {
		s.model.Free()
		s.model = nil
	}
	return nil
}

func predictOptions(in Input, ctxSize, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(TokenBudget(in.MaxTokens, ctxSize)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(llama.DefaultOptions.TopP),
		llama.SetTopK(llama.DefaultOptions.TopK),
		llama.SetTemperature(llama.DefaultOptions.Temperature),
		llama.SetPenalty(llama.DefaultOptions.Penalty),
		llama.SetStopWords("\nuser:"),
	}
	return po
}

// embeddingStream computes one embedding on the first Next.
type embeddingStream struct {
	model   *llama.LLama
	text    string
	threads int
	done    bool
}

func (e *embeddingStream) Next() (Chunk, error) {
	if e.done {
		return Chunk{}, io.EOF
	}
	e.done = true
	v, err := e.model.Embeddings(e.text, llama.SetThreads(max(1, e.threads)))
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{Embedding: v, Final: true}, nil
}

func (e *embeddingStream) Close() error { e.done = true; return nil }

// tokenStream bridges llama's token callback into a pull-based stream.
// Predict runs on its own goroutine; each Next waits for one token.
type tokenStream struct {
	tokens chan string
	stop   chan struct{}
	done   chan struct{}
	err    error
	once   sync.Once
}

func newTokenStream(m *llama.LLama, prompt string, po []llama.PredictOption) *tokenStream {
	ts := &tokenStream{
		tokens: make(chan string),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.SetTokenCallback(func(tok string) bool {
		select {
		case ts.tokens <- tok:
			return true
		case <-ts.stop:
			return false
		}
	})
	go func() {
		defer close(ts.done)
		if _, err := m.Predict(prompt, po...); err != nil {
			ts.err = err
		}
	}()
	return ts
}

func (ts *tokenStream) Next() (Chunk, error) {
	select {
	case tok := <-ts.tokens:
		return Chunk{Text: tok}, nil
	case <-ts.done:
		if ts.err != nil {
			return Chunk{}, ts.err
		}
		return Chunk{}, io.EOF
	}
}

// Close stops generation at the next token boundary and waits for Predict to return.
func (ts *tokenStream) Close() error {
	ts.once.Do(func() { close(ts.stop) })
	<-ts.done
	return nil
}
