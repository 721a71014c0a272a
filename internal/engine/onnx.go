//go:build onnx

package engine

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/knights-analytics/hugot"

	"ai4all/pkg/types"
)

// onnxLoader serves embedding engines through an ONNX Runtime feature-extraction
// pipeline. One ORT session is shared by all pipelines it creates.
type onnxLoader struct {
	mu      sync.Mutex
	session *hugot.Session
	seq     int
}

// NewONNXLoader returns a Loader backed by hugot/ONNX Runtime.
func NewONNXLoader() Loader { return &onnxLoader{} }

func (l *onnxLoader) Load(ctx context.Context, desc types.ModelDescriptor) (Session, error) {
	if err := Preflight(desc); err != nil {
		return nil, err
	}
	if desc.Kind != types.KindEmbedding {
		return nil, ErrDependencyUnavailable(fmt.Sprintf("onnx runtime cannot serve %s engines", desc.Kind))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		s, err := hugot.NewORTSession()
		if err != nil {
			return nil, ErrDependencyUnavailable("onnx runtime: " + err.Error())
		}
		l.session = s
	}
	l.seq++
	cfg := hugot.FeatureExtractionConfig{
		ModelPath: desc.Path,
		Name:      fmt.Sprintf("%s-%d", desc.ID, l.seq),
	}
	p, err := hugot.NewPipeline(l.session, cfg)
	if err != nil {
		return nil, err
	}
	return &onnxSession{run: func(text string) ([]float32, error) {
		out, err := p.RunPipeline([]string{text})
		if err != nil {
			return nil, err
		}
		if len(out.Embeddings) == 0 {
			return nil, fmt.Errorf("model %s: empty embedding output", desc.ID)
		}
		return out.Embeddings[0], nil
	}}, nil
}

// Close destroys the shared ORT session.
func (l *onnxLoader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil
	}
	err := l.session.Destroy()
	l.session = nil
	return err
}

type onnxSession struct {
	run func(string) ([]float32, error)
}

func (s *onnxSession) Infer(ctx context.Context, in Input) (Stream, error) {
	return &onnxStream{s: s, text: in.Text}, nil
}

func (s *onnxSession) Close() error { return nil }

type onnxStream struct {
	s    *onnxSession
	text string
	done bool
}

func (o *onnxStream) Next() (Chunk, error) {
	if o.done {
		return Chunk{}, io.EOF
	}
	o.done = true
	v, err := o.s.run(o.text)
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{Embedding: v, Final: true}, nil
}

func (o *onnxStream) Close() error { o.done = true; return nil }
