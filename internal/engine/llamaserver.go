package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"ai4all/pkg/types"
)

const (
	defaultServerHost   = "127.0.0.1"
	defaultReadyTimeout = 30 * time.Second
	serverStopGrace     = 2 * time.Second
	serverErrBodyLimit  = 4096
)

// LlamaServerOptions configures the llama-server runtime.
type LlamaServerOptions struct {
	// URL of a running llama.cpp server used for every model. When empty, Bin
	// is spawned once per loaded model on a free local port.
	URL    string
	APIKey string
	Bin    string
	Host   string
	// ContextSize and Threads are passed to spawned servers.
	ContextSize  int
	Threads      int
	ExtraArgs    []string
	ReadyTimeout time.Duration
	Logger       zerolog.Logger
}

// llamaServerLoader serves generation and embedding engines through the HTTP
// API of llama.cpp's server, so no cgo is needed in this binary.
type llamaServerLoader struct {
	opts   LlamaServerOptions
	client *http.Client

	mu    sync.Mutex
	procs map[*serverProc]struct{}
}

// NewLlamaServerLoader returns a Loader talking to llama-server over HTTP.
func NewLlamaServerLoader(opts LlamaServerOptions) Loader {
	if opts.Host == "" {
		opts.Host = defaultServerHost
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.ContextSize <= 0 {
		opts.ContextSize = DefaultContextSize
	}
	opts.URL = strings.TrimRight(strings.TrimSpace(opts.URL), "/")
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	// requests are bounded by their contexts, never by a client timeout
	return &llamaServerLoader{
		opts:   opts,
		client: &http.Client{Transport: tr},
		procs:  make(map[*serverProc]struct{}),
	}
}

func (l *llamaServerLoader) Load(ctx context.Context, desc types.ModelDescriptor) (Session, error) {
	switch desc.Kind {
	case types.KindGeneration, types.KindEmbedding:
	default:
		return nil, ErrDependencyUnavailable(fmt.Sprintf("llama-server runtime cannot serve %s engines", desc.Kind))
	}
	ctxSize := l.opts.ContextSize
	if desc.ContextWindow > 0 {
		ctxSize = desc.ContextWindow
	}
	s := &llamaServerSession{l: l, desc: desc, ctxSize: ctxSize, baseURL: l.opts.URL}
	if l.opts.URL != "" {
		return s, nil
	}
	if err := Preflight(desc); err != nil {
		return nil, err
	}
	if l.opts.Bin == "" {
		return nil, ErrDependencyUnavailable("llama-server runtime needs llama_server_url or llama_server_bin")
	}
	p, err := l.spawn(ctx, desc, ctxSize)
	if err != nil {
		return nil, err
	}
	s.proc, s.baseURL = p, p.baseURL
	return s, nil
}

// Close stops every server this loader spawned that is still running.
func (l *llamaServerLoader) Close() error {
	l.mu.Lock()
	procs := make([]*serverProc, 0, len(l.procs))
	for p := range l.procs {
		procs = append(procs, p)
	}
	l.mu.Unlock()
	for _, p := range procs {
		l.stop(p)
	}
	return nil
}

type serverProc struct {
	model   string
	cmd     *exec.Cmd
	baseURL string
	stderr  bytes.Buffer
	exited  chan struct{}
	waitErr error
	once    sync.Once
}

func (l *llamaServerLoader) spawn(ctx context.Context, desc types.ModelDescriptor, ctxSize int) (*serverProc, error) {
	port, err := freePort(l.opts.Host)
	if err != nil {
		return nil, err
	}
	args := []string{
		"-m", desc.Path,
		"--host", l.opts.Host,
		"--port", strconv.Itoa(port),
		"-c", strconv.Itoa(ctxSize),
	}
	if l.opts.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(l.opts.Threads))
	}
	if desc.Kind == types.KindEmbedding {
		args = append(args, "--embedding")
	}
	args = append(args, l.opts.ExtraArgs...)

	p := &serverProc{
		model:   desc.ID,
		baseURL: "http://" + net.JoinHostPort(l.opts.Host, strconv.Itoa(port)),
		exited:  make(chan struct{}),
	}
	// the server outlives the load context
	p.cmd = exec.Command(l.opts.Bin, args...)
	p.cmd.Stderr = &p.stderr
	if err := p.cmd.Start(); err != nil {
		return nil, ErrDependencyUnavailable(fmt.Sprintf("start llama-server: %v", err))
	}
	go func() {
		p.waitErr = p.cmd.Wait()
		close(p.exited)
	}()
	l.opts.Logger.Info().Str("event", "spawn_start").Str("model", desc.ID).Int("pid", p.cmd.Process.Pid).Int("port", port).Msg("llama-server")

	if err := l.waitReady(ctx, p); err != nil {
		l.stop(p)
		return nil, err
	}
	l.mu.Lock()
	l.procs[p] = struct{}{}
	l.mu.Unlock()
	l.opts.Logger.Info().Str("event", "spawn_ready").Str("model", desc.ID).Str("url", p.baseURL).Msg("llama-server")
	return p, nil
}

func (l *llamaServerLoader) waitReady(ctx context.Context, p *serverProc) error {
	ctx, cancel := context.WithTimeout(ctx, l.opts.ReadyTimeout)
	defer cancel()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-p.exited:
			tail := p.stderr.String()
			if len(tail) > serverErrBodyLimit {
				tail = tail[len(tail)-serverErrBodyLimit:]
			}
			return fmt.Errorf("llama-server for %s exited before ready (%v): %s", p.model, p.waitErr, strings.TrimSpace(tail))
		case <-ctx.Done():
			return fmt.Errorf("llama-server for %s not ready at %s: %w", p.model, p.baseURL, ctx.Err())
		case <-tick.C:
			if l.healthy(ctx, p.baseURL) {
				return nil
			}
		}
	}
}

func (l *llamaServerLoader) healthy(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// stop terminates p, killing it when it ignores SIGTERM.
func (l *llamaServerLoader) stop(p *serverProc) {
	p.once.Do(func() {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.exited:
		case <-time.After(serverStopGrace):
			_ = p.cmd.Process.Kill()
			<-p.exited
		}
		l.mu.Lock()
		delete(l.procs, p)
		l.mu.Unlock()
		l.opts.Logger.Info().Str("event", "spawn_stop").Str("model", p.model).Msg("llama-server")
	})
}

func freePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

type llamaServerSession struct {
	l       *llamaServerLoader
	desc    types.ModelDescriptor
	ctxSize int
	baseURL string
	proc    *serverProc
}

type completionRequest struct {
	Model     string   `json:"model,omitempty"`
	Prompt    string   `json:"prompt"`
	MaxTokens int      `json:"max_tokens"`
	Stop      []string `json:"stop,omitempty"`
	Stream    bool     `json:"stream"`
}

// completionChunk accepts both completion (text) and chat (delta) stream shapes.
type completionChunk struct {
	Choices []struct {
		Text  string `json:"text"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type embeddingRequest struct {
	Model string `json:"model,omitempty"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (s *llamaServerSession) Infer(ctx context.Context, in Input) (Stream, error) {
	if s.desc.Kind == types.KindEmbedding {
		return &serverEmbeddingStream{s: s, ctx: ctx, text: in.Text}, nil
	}
	rctx, cancel := context.WithCancel(ctx)
	resp, err := s.post(rctx, "/v1/completions", completionRequest{
		Model:     s.desc.ID,
		Prompt:    BuildPrompt(in),
		MaxTokens: TokenBudget(in.MaxTokens, s.ctxSize),
		Stop:      []string{"\nuser:"},
		Stream:    true,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return &sseStream{body: resp.Body, r: bufio.NewReader(resp.Body), cancel: cancel, log: s.l.opts.Logger}, nil
}

func (s *llamaServerSession) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.l.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.l.opts.APIKey)
	}
	resp, err := s.l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llama-server %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, serverErrBodyLimit))
		resp.Body.Close()
		return nil, fmt.Errorf("llama-server %s: %s: %s", path, resp.Status, strings.TrimSpace(string(b)))
	}
	return resp, nil
}

// Close stops the spawned server; attached servers are left running.
func (s *llamaServerSession) Close() error {
	if s.proc != nil {
		s.l.stop(s.proc)
	}
	return nil
}

// sseStream reads "data:" lines of a streamed completion, one token per Next.
type sseStream struct {
	body   io.ReadCloser
	r      *bufio.Reader
	cancel context.CancelFunc
	log    zerolog.Logger
	done   bool
	once   sync.Once
}

func (s *sseStream) Next() (Chunk, error) {
	for !s.done {
		line, err := s.r.ReadString('\n')
		if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data:"); ok {
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				s.done = true
				break
			}
			var msg completionChunk
			if jerr := json.Unmarshal([]byte(data), &msg); jerr != nil || len(msg.Choices) == 0 {
				s.log.Debug().Str("event", "unknown_stream_line").Str("line", data).Msg("llama-server")
			} else if tok := msg.Choices[0].Text + msg.Choices[0].Delta.Content; tok != "" {
				return Chunk{Text: tok}, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.done = true
				break
			}
			return Chunk{}, err
		}
	}
	return Chunk{}, io.EOF
}

// Close aborts the request; safe to call more than once.
func (s *sseStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.body.Close()
	})
	return nil
}

type serverEmbeddingStream struct {
	s    *llamaServerSession
	ctx  context.Context
	text string
	done bool
}

func (e *serverEmbeddingStream) Next() (Chunk, error) {
	if e.done {
		return Chunk{}, io.EOF
	}
	e.done = true
	resp, err := e.s.post(e.ctx, "/v1/embeddings", embeddingRequest{Model: e.s.desc.ID, Input: e.text})
	if err != nil {
		return Chunk{}, err
	}
	defer resp.Body.Close()
	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Chunk{}, fmt.Errorf("decode embedding: %w", err)
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return Chunk{}, fmt.Errorf("model %s: empty embedding output", e.s.desc.ID)
	}
	return Chunk{Embedding: out.Data[0].Embedding, Final: true}, nil
}

func (e *serverEmbeddingStream) Close() error { e.done = true; return nil }
