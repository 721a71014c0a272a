package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"ai4all/pkg/types"
)

// Defaults for mock engines.
const (
	defaultMockDim        = 64
	defaultMockSampleRate = 22050
	// samples of synthesized audio per input character
	mockSamplesPerChar = 16
)

// MockConfig scripts the behaviour of mock engines.
type MockConfig struct {
	// Transcript returned by ASR. Empty means the audio bytes are read back as text.
	Transcript string
	// Tokens streamed by generation, joined by single spaces. Empty means the
	// words of the user text are echoed.
	Tokens []string
	// Dim is the embedding dimension.
	Dim int
	// SampleRate of synthesized audio.
	SampleRate int
	// StepDelay is slept before every stream step, LoadDelay before every load.
	StepDelay time.Duration
	LoadDelay time.Duration
	// LoadErr fails Load for the given model ids.
	LoadErr map[string]error
	// InferErr fails Infer for the given engine kinds.
	InferErr map[types.EngineKind]error
}

// MockLoader loads deterministic in-process engines of every kind. Weight files
// must still exist on disk so that load failures behave like real runtimes.
type MockLoader struct {
	mu     sync.Mutex
	cfg    MockConfig
	loads  int
	closes int
	// streams still open when their session was closed
	orphans int
}

// NewMockLoader returns a MockLoader with defaults applied.
func NewMockLoader(cfg MockConfig) *MockLoader {
	if cfg.Dim <= 0 {
		cfg.Dim = defaultMockDim
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultMockSampleRate
	}
	return &MockLoader{cfg: cfg}
}

// SetInferErr makes every subsequent Infer of kind fail with err (nil clears it).
func (l *MockLoader) SetInferErr(kind types.EngineKind, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cfg.InferErr == nil {
		l.cfg.InferErr = make(map[types.EngineKind]error)
	}
	if err == nil {
		delete(l.cfg.InferErr, kind)
		return
	}
	l.cfg.InferErr[kind] = err
}

// SetStepDelay changes the per-step latency of streams started afterwards.
func (l *MockLoader) SetStepDelay(d time.Duration) {
	l.mu.Lock()
	l.cfg.StepDelay = d
	l.mu.Unlock()
}

// Loads reports how many sessions were loaded.
func (l *MockLoader) Loads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

// Closes reports how many sessions were closed.
func (l *MockLoader) Closes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

// OrphanedStreams reports how many streams were still open when their session
// was closed.
func (l *MockLoader) OrphanedStreams() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.orphans
}

func (l *MockLoader) config() MockConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

func (l *MockLoader) Load(ctx context.Context, desc types.ModelDescriptor) (Session, error) {
	if err := Preflight(desc); err != nil {
		return nil, err
	}
	cfg := l.config()
	if cfg.LoadDelay > 0 {
		time.Sleep(cfg.LoadDelay)
	}
	if err := cfg.LoadErr[desc.ID]; err != nil {
		return nil, err
	}
	if !desc.Kind.Valid() {
		return nil, fmt.Errorf("model %s: unsupported engine kind %q", desc.ID, desc.Kind)
	}
	l.mu.Lock()
	l.loads++
	l.mu.Unlock()
	return &mockSession{loader: l, desc: desc}, nil
}

type mockSession struct {
	loader *MockLoader
	desc   types.ModelDescriptor
	once   sync.Once
	open   int // guarded by loader.mu
}

func (s *mockSession) Infer(ctx context.Context, in Input) (Stream, error) {
	cfg := s.loader.config()
	if err := cfg.InferErr[s.desc.Kind]; err != nil {
		return nil, err
	}
	var items []Chunk
	switch s.desc.Kind {
	case types.KindASR:
		text := cfg.Transcript
		if text == "" {
			text = strings.TrimSpace(string(in.Audio))
		}
		items = []Chunk{{Text: text}}
	case types.KindGeneration:
		toks := cfg.Tokens
		if len(toks) == 0 {
			toks = strings.Fields(in.Text)
		}
		if in.MaxTokens > 0 && len(toks) > in.MaxTokens {
			toks = toks[:in.MaxTokens]
		}
		// tokens after the first carry their leading space, as llama pieces do
		for i, t := range toks {
			if i > 0 {
				t = " " + t
			}
			items = append(items, Chunk{Text: t})
		}
	case types.KindTTS:
		n := len([]rune(in.Text)) * mockSamplesPerChar
		if in.Speed > 0 {
			n = int(float32(n) / in.Speed)
		}
		items = []Chunk{{Audio: make([]byte, 2*n), SampleRate: cfg.SampleRate}}
	case types.KindEmbedding:
		items = []Chunk{{Embedding: HashEmbedding(in.Text, cfg.Dim)}}
	}
	if len(items) > 0 {
		items[len(items)-1].Final = true
	}
	s.loader.mu.Lock()
	s.open++
	s.loader.mu.Unlock()
	return &mockStream{sess: s, items: items, delay: cfg.StepDelay}, nil
}

func (s *mockSession) Close() error {
	s.once.Do(func() {
		s.loader.mu.Lock()
		s.loader.closes++
		s.loader.orphans += s.open
		s.loader.mu.Unlock()
	})
	return nil
}

type mockStream struct {
	sess   *mockSession
	items  []Chunk
	pos    int
	delay  time.Duration
	closed bool
}

func (s *mockStream) Next() (Chunk, error) {
	if s.closed || s.pos >= len(s.items) {
		return Chunk{}, io.EOF
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	c := s.items[s.pos]
	s.pos++
	return c, nil
}

func (s *mockStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.sess.loader.mu.Lock()
	s.sess.open--
	s.sess.loader.mu.Unlock()
	return nil
}

// HashEmbedding maps text onto a unit vector of dimension dim by hashing its
// lower-cased words into buckets. Texts sharing words land close together.
func HashEmbedding(text string, dim int) []float32 {
	v := make([]float32, dim)
	if dim <= 0 {
		return v
	}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if w == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%uint32(dim)] += 1
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v
}
