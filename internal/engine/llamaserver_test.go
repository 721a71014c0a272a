package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"ai4all/pkg/types"
)

func sseLine(w http.ResponseWriter, s string) {
	_, _ = w.Write([]byte(s + "\n\n"))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func completionFrame(text string) string {
	b, _ := json.Marshal(map[string]any{"choices": []map[string]any{{"text": text}}})
	return "data: " + string(b)
}

type fakeServer struct {
	mu        sync.Mutex
	maxTokens []int
	auth      string
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		f.mu.Lock()
		f.maxTokens = append(f.maxTokens, req.MaxTokens)
		f.auth = r.Header.Get("Authorization")
		f.mu.Unlock()
		if strings.Contains(req.Prompt, "fail") {
			http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		sseLine(w, completionFrame("Hello"))
		sseLine(w, `data: {"choices":[{"delta":{"content":" World"}}]}`)
		sseLine(w, `data: {"choices":[{"text":"","finish_reason":"stop"}]}`)
		sseLine(w, "data: [DONE]")
	})
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"embedding": []float32{0.6, 0.8}}}})
	})
	return mux
}

func TestLlamaServer_AttachedGenerationAndEmbedding(t *testing.T) {
	fs := &fakeServer{}
	ts := httptest.NewServer(fs.handler(t))
	defer ts.Close()

	l := NewLlamaServerLoader(LlamaServerOptions{URL: ts.URL + "/", APIKey: "k", ContextSize: 512})
	gen, err := l.Load(context.Background(), types.ModelDescriptor{ID: "qwen", Kind: types.KindGeneration, Path: "not-local.gguf"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer gen.Close()
	st, err := gen.Infer(context.Background(), Input{Text: "hi"})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	chunks, err := Collect(st)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
	}
	if b.String() != "Hello World" {
		t.Fatalf("unexpected text %q", b.String())
	}

	if _, err := Collect(mustInfer(t, gen, Input{Text: "hi", MaxTokens: 7})); err != nil {
		t.Fatalf("collect: %v", err)
	}
	fs.mu.Lock()
	if len(fs.maxTokens) != 2 || fs.maxTokens[0] != 512 || fs.maxTokens[1] != 7 {
		t.Fatalf("unset max_tokens must fall back to the context window, got %v", fs.maxTokens)
	}
	if fs.auth != "Bearer k" {
		t.Fatalf("missing api key header: %q", fs.auth)
	}
	fs.mu.Unlock()

	if _, err := gen.Infer(context.Background(), Input{Text: "fail"}); err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected http error, got %v", err)
	}

	emb, err := l.Load(context.Background(), types.ModelDescriptor{ID: "e5", Kind: types.KindEmbedding})
	if err != nil {
		t.Fatalf("load embedding: %v", err)
	}
	chunks, err = Collect(mustInfer(t, emb, Input{Text: "x"}))
	if err != nil || len(chunks) != 1 || len(chunks[0].Embedding) != 2 {
		t.Fatalf("embedding chunks %+v err=%v", chunks, err)
	}
}

func mustInfer(t *testing.T, s Session, in Input) Stream {
	t.Helper()
	st, err := s.Infer(context.Background(), in)
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	return st
}

func TestLlamaServer_CloseAbortsStream(t *testing.T) {
	gone := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseLine(w, completionFrame("tick"))
		<-r.Context().Done()
		close(gone)
	}))
	defer ts.Close()

	l := NewLlamaServerLoader(LlamaServerOptions{URL: ts.URL})
	s, err := l.Load(context.Background(), types.ModelDescriptor{ID: "g", Kind: types.KindGeneration})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	st := mustInfer(t, s, Input{Text: "go"})
	if c, err := st.Next(); err != nil || c.Text != "tick" {
		t.Fatalf("first token %+v err=%v", c, err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = st.Close()
	select {
	case <-gone:
	case <-time.After(2 * time.Second):
		t.Fatalf("server request still open after Close")
	}
}

func TestLlamaServer_UnsupportedKindAndMissingBinary(t *testing.T) {
	l := NewLlamaServerLoader(LlamaServerOptions{})
	if _, err := l.Load(context.Background(), types.ModelDescriptor{ID: "t", Kind: types.KindTTS}); !IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency unavailable for tts, got %v", err)
	}
	d := types.ModelDescriptor{ID: "g", Kind: types.KindGeneration, Path: writeWeights(t, "g.gguf")}
	if _, err := l.Load(context.Background(), d); !IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency unavailable without url or binary, got %v", err)
	}
	l = NewLlamaServerLoader(LlamaServerOptions{Bin: "/nonexistent/llama-server"})
	if _, err := l.Load(context.Background(), d); !IsDependencyUnavailable(err) {
		t.Fatalf("expected start failure, got %v", err)
	}
}

func TestLlamaServer_SpawnExitsEarly(t *testing.T) {
	bin, err := exec.LookPath("false")
	if err != nil {
		t.Skip("false(1) not available")
	}
	l := NewLlamaServerLoader(LlamaServerOptions{Bin: bin, ReadyTimeout: 5 * time.Second})
	defer l.(*llamaServerLoader).Close()
	_, err = l.Load(context.Background(), types.ModelDescriptor{ID: "g", Kind: types.KindGeneration, Path: writeWeights(t, "g.gguf")})
	if err == nil || !strings.Contains(err.Error(), "exited before ready") {
		t.Fatalf("expected early exit error, got %v", err)
	}
	if n := len(l.(*llamaServerLoader).procs); n != 0 {
		t.Fatalf("failed spawn must not be tracked, got %d", n)
	}
}

func TestTokenBudget(t *testing.T) {
	cases := []struct{ max, ctx, want int }{
		{64, 4096, 64},
		{0, 4096, 4096},
		{-1, 0, DefaultContextSize},
	}
	for _, c := range cases {
		if got := TokenBudget(c.max, c.ctx); got != c.want {
			t.Fatalf("TokenBudget(%d,%d)=%d want %d", c.max, c.ctx, got, c.want)
		}
	}
}

type closingLoader struct {
	MockLoader
	closed int
}

func (c *closingLoader) Close() error { c.closed++; return nil }

func TestRouter_CloseClosesEachLoaderOnce(t *testing.T) {
	shared := &closingLoader{}
	other := &closingLoader{}
	r := NewRouter(shared).Route(types.KindASR, shared).Route(types.KindTTS, other).Route(types.KindEmbedding, NewMockLoader(MockConfig{}))
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if shared.closed != 1 || other.closed != 1 {
		t.Fatalf("closes shared=%d other=%d", shared.closed, other.closed)
	}
}
