package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"ai4all/pkg/types"
)

// Runtime names accepted by NewRuntimeLoader.
const (
	RuntimeMock        = "mock"
	RuntimeLlama       = "llama"
	RuntimeLlamaServer = "llama-server"
	RuntimeONNX        = "onnx"
)

// Router dispatches loads to a per-kind Loader, falling back to a default.
type Router struct {
	fallback Loader
	byKind   map[types.EngineKind]Loader
}

// NewRouter returns a Router that uses fallback for kinds without a route.
func NewRouter(fallback Loader) *Router {
	return &Router{fallback: fallback, byKind: make(map[types.EngineKind]Loader)}
}

// Route registers l for kind and returns the router for chaining.
func (r *Router) Route(kind types.EngineKind, l Loader) *Router {
	r.byKind[kind] = l
	return r
}

func (r *Router) Load(ctx context.Context, desc types.ModelDescriptor) (Session, error) {
	l := r.byKind[desc.Kind]
	if l == nil {
		l = r.fallback
	}
	if l == nil {
		return nil, ErrDependencyUnavailable(fmt.Sprintf("no runtime for %s engines", desc.Kind))
	}
	return l.Load(ctx, desc)
}

// Close releases the runtime-wide resources of every routed loader, such as
// the ONNX Runtime session or spawned llama-server processes. Sessions must
// be closed first.
func (r *Router) Close() error {
	seen := make(map[Loader]bool)
	var errs []error
	closeOne := func(l Loader) {
		if l == nil || seen[l] {
			return
		}
		seen[l] = true
		if c, ok := l.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	closeOne(r.fallback)
	for _, l := range r.byKind {
		closeOne(l)
	}
	return errors.Join(errs...)
}

// Options configures the runtimes built by NewRuntimeLoader.
type Options struct {
	// Default runtime for every kind; PerKind overrides it.
	Default string
	PerKind map[types.EngineKind]string
	// llama.cpp tunables, shared by the in-process and server runtimes.
	LlamaContext int
	LlamaThreads int
	LlamaServer  LlamaServerOptions
	Mock         MockConfig
}

// NewRuntimeLoader builds a Router from runtime names. Each runtime is built
// once and shared across kinds. The mock loader is returned when any kind uses
// it so tests can inspect it.
func NewRuntimeLoader(opts Options) (*Router, *MockLoader, error) {
	var (
		mock   *MockLoader
		server Loader
		onnx   Loader
	)
	build := func(name string) (Loader, error) {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "", RuntimeMock:
			if mock == nil {
				mock = NewMockLoader(opts.Mock)
			}
			return mock, nil
		case RuntimeLlama:
			return NewLlamaLoader(opts.LlamaContext, opts.LlamaThreads), nil
		case RuntimeLlamaServer:
			if server == nil {
				so := opts.LlamaServer
				if so.ContextSize == 0 {
					so.ContextSize = opts.LlamaContext
				}
				if so.Threads == 0 {
					so.Threads = opts.LlamaThreads
				}
				server = NewLlamaServerLoader(so)
			}
			return server, nil
		case RuntimeONNX:
			if onnx == nil {
				onnx = NewONNXLoader()
			}
			return onnx, nil
		default:
			return nil, fmt.Errorf("unknown runtime %q", name)
		}
	}
	def, err := build(opts.Default)
	if err != nil {
		return nil, nil, err
	}
	r := NewRouter(def)
	for kind, name := range opts.PerKind {
		if !kind.Valid() {
			return nil, nil, fmt.Errorf("unknown engine kind %q", kind)
		}
		l, err := build(name)
		if err != nil {
			return nil, nil, err
		}
		r.Route(kind, l)
	}
	return r, mock, nil
}

// LlamaBuilt reports whether llama.cpp support was compiled in.
func LlamaBuilt() bool { return llamaBuilt }
