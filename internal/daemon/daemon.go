// Package daemon assembles the engine runtimes, session pool, retrieval index,
// sessions, pipeline and request queue from a config.Config, and serves them
// to the HTTP layer.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"ai4all/internal/common/fsutil"
	"ai4all/internal/config"
	"ai4all/internal/engine"
	"ai4all/internal/history"
	"ai4all/internal/httpapi"
	"ai4all/internal/observability"
	"ai4all/internal/pipeline"
	"ai4all/internal/pool"
	"ai4all/internal/queue"
	"ai4all/internal/registry"
	"ai4all/internal/retrieval"
	"ai4all/internal/session"
	"ai4all/internal/worker"
	"ai4all/pkg/types"
)

// warmRecentLimit caps how many recently used models are preloaded at start.
const warmRecentLimit = 4

// Options carries what does not come from the config file.
type Options struct {
	Logger zerolog.Logger
	// Registerer receives the daemon metrics; prometheus.DefaultRegisterer
	// when nil.
	Registerer prometheus.Registerer
	// Mock scripts the mock runtime; Dim defaults to the configured
	// embedding dimension.
	Mock engine.MockConfig
}

// Daemon is the running service. It implements httpapi.Service.
type Daemon struct {
	cfg config.Config
	log zerolog.Logger

	Registry *registry.Registry
	Workers  *worker.Pool
	Pool     *pool.Pool
	Index    *retrieval.Index
	Sessions *session.Manager
	Pipeline *pipeline.Orchestrator
	Queue    *queue.Queue
	Metrics  *observability.Metrics
	Runtimes *engine.Router
	// Mock is the shared mock loader when any engine kind uses the mock runtime.
	Mock *engine.MockLoader

	started     time.Time
	ready       atomic.Bool
	stopJanitor context.CancelFunc
}

// New builds a daemon. The history store is opened with ctx; background
// work (warmup, session janitor) runs until Close.
func New(ctx context.Context, cfg config.Config, opts Options) (*Daemon, error) {
	cfg = config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	reg, err := LoadRegistry(cfg)
	if err != nil {
		return nil, err
	}
	idx, err := OpenIndex(cfg)
	if err != nil {
		return nil, err
	}
	mock := opts.Mock
	if mock.Dim <= 0 {
		mock.Dim = cfg.EmbeddingDim
	}
	perKind := make(map[types.EngineKind]string, len(cfg.Runtimes))
	for kind, rt := range cfg.Runtimes {
		perKind[types.EngineKind(kind)] = rt
	}
	loader, mockLoader, err := engine.NewRuntimeLoader(engine.Options{
		Default:      cfg.Runtime,
		PerKind:      perKind,
		LlamaContext: cfg.LlamaContext,
		LlamaThreads: cfg.LlamaThreads,
		LlamaServer: engine.LlamaServerOptions{
			URL:          cfg.LlamaServerURL,
			Bin:          cfg.LlamaServerBin,
			ExtraArgs:    cfg.LlamaServerArgs,
			ReadyTimeout: cfg.LoadTimeout.D(),
			Logger:       log.With().Str("component", "llama-server").Logger(),
		},
		Mock: mock,
	})
	if err != nil {
		return nil, err
	}
	store, err := history.NewStore(ctx, cfg.HistoryDSN)
	if err != nil {
		_ = loader.Close()
		return nil, fmt.Errorf("history store: %w", err)
	}
	if cfg.LRUPath != "" {
		if err := fsutil.EnsureParent(cfg.LRUPath); err != nil {
			_ = store.Close()
			_ = loader.Close()
			return nil, err
		}
	}

	metrics := observability.NewMetrics("ai4all", opts.Registerer)
	workers := worker.New(cfg.Workers)
	p := pool.New(pool.Config{
		Loader:       loader,
		Workers:      workers,
		BudgetMB:     cfg.BudgetMB,
		MarginMB:     cfg.MarginMB,
		MaxWait:      cfg.MaxWait.D(),
		LoadTimeout:  cfg.LoadTimeout.D(),
		InferTimeout: cfg.InferTimeout.D(),
		DrainTimeout: cfg.DrainTimeout.D(),
		LRUPath:      cfg.LRUPath,
		Logger:       &log,
		Metrics:      metrics,
	})

	sessions := session.NewManager(store, cfg.SessionIdleTimeout.D())
	sessions.SetLogger(log)
	sessions.SetExpireHook(func(s *session.Session) {
		log.Info().Str("event", "session_expired").Str("session", s.ID).Int("turns", len(s.History)).Msg("session")
	})
	orch := pipeline.New(pipeline.Config{
		Pool:       p,
		Models:     reg,
		Sessions:   sessions,
		Index:      idx,
		RetrievalK: cfg.RetrievalK,
		Voice:      cfg.TTSVoice,
		Speed:      float32(cfg.TTSSpeed),
		Logger:     log.With().Str("component", "pipeline").Logger(),
		Metrics:    metrics,
	})
	q := queue.New(queue.Config{
		Runner:       orch,
		MaxActive:    cfg.MaxActiveRequests,
		UpdateBuffer: cfg.MaxQueueDepth,
		Logger:       log.With().Str("component", "queue").Logger(),
		Metrics:      metrics,
	})

	jctx, stop := context.WithCancel(context.WithoutCancel(ctx))
	interval := cfg.SessionIdleTimeout.D() / 4
	if interval < time.Second {
		interval = time.Second
	}
	sessions.StartJanitor(jctx, interval)

	d := &Daemon{
		cfg:         cfg,
		log:         log,
		Registry:    reg,
		Workers:     workers,
		Pool:        p,
		Index:       idx,
		Sessions:    sessions,
		Pipeline:    orch,
		Queue:       q,
		Metrics:     metrics,
		Runtimes:    loader,
		Mock:        mockLoader,
		started:     time.Now(),
		stopJanitor: stop,
	}
	log.Info().
		Str("runtime", cfg.Runtime).
		Interface("runtimes", cfg.Runtimes).
		Int("models", len(reg.Models())).
		Int("index_records", idx.Len()).
		Int("embedding_dim", idx.Dim()).
		Msg("daemon initialised")
	return d, nil
}

// LoadRegistry reads the manifest when one is configured, otherwise scans
// models_dir. With neither the registry is empty.
func LoadRegistry(cfg config.Config) (*registry.Registry, error) {
	switch {
	case cfg.Manifest != "":
		return registry.LoadManifest(cfg.Manifest)
	case cfg.ModelsDir != "":
		return registry.LoadDir(cfg.ModelsDir)
	}
	return registry.New(nil, nil)
}

// OpenIndex loads the snapshot at index_path when it exists, otherwise
// returns an empty index of the configured dimension.
func OpenIndex(cfg config.Config) (*retrieval.Index, error) {
	opt := retrieval.WithTimeout(cfg.RetrievalTimeout.D())
	if cfg.IndexPath == "" || !fsutil.PathExists(cfg.IndexPath) {
		return retrieval.New(cfg.EmbeddingDim, opt)
	}
	idx, err := retrieval.OpenSnapshot(cfg.IndexPath, opt)
	if err != nil {
		return nil, fmt.Errorf("index snapshot %s: %w", cfg.IndexPath, err)
	}
	if idx.Dim() != cfg.EmbeddingDim {
		return nil, &retrieval.DimensionMismatchError{Want: cfg.EmbeddingDim, Got: idx.Dim()}
	}
	return idx, nil
}

// Warm preloads the recently used models recorded in lru_path and marks the
// daemon ready. It is meant to run in the background after New.
func (d *Daemon) Warm(ctx context.Context) {
	defer d.ready.Store(true)
	if d.cfg.LRUPath == "" {
		return
	}
	warmed := d.Pool.WarmRecent(ctx, d.Registry.Get, warmRecentLimit)
	d.log.Info().Strs("models", warmed).Msg("warm recent")
}

// Handler returns the HTTP API for d.
func (d *Daemon) Handler() http.Handler { return httpapi.NewMux(d) }

func (d *Daemon) ListModels() []types.ModelDescriptor { return d.Registry.Models() }

func (d *Daemon) Ready() bool { return d.ready.Load() }

func (d *Daemon) Status() types.StatusResponse {
	now := time.Now()
	return types.StatusResponse{
		Pool:           d.Pool.Status(),
		ActiveRequests: d.Queue.Len(),
		IndexRecords:   d.Index.Len(),
		IndexVersion:   d.Index.Version(),
		UptimeSeconds:  int64(now.Sub(d.started).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
}

// Submit admits a turn after checking that every engine it needs has a
// model installed, so a missing model is reported before streaming starts.
func (d *Daemon) Submit(ctx context.Context, sessionID string, in pipeline.Input, out types.Modality) (*queue.Handle, error) {
	if out == "" {
		out = in.Modality()
	}
	kinds := []types.EngineKind{types.KindGeneration}
	if in.Modality() == types.ModalityAudio {
		kinds = append(kinds, types.KindASR)
	}
	if out == types.ModalityAudio {
		kinds = append(kinds, types.KindTTS)
	}
	for _, k := range kinds {
		if _, ok := d.Registry.Default(k); !ok {
			return nil, pool.ErrModelNotFound(string(k))
		}
	}
	return d.Queue.Submit(ctx, sessionID, in, out)
}

func (d *Daemon) Cancel(requestID string) error { return d.Queue.Cancel(requestID) }

func (d *Daemon) History(ctx context.Context, sessionID string) ([]types.Turn, error) {
	return d.Sessions.History(ctx, sessionID)
}

// Embedder embeds text with the default embedding model through the pool.
func (d *Daemon) Embedder() (retrieval.Embedder, error) {
	desc, ok := d.Registry.Default(types.KindEmbedding)
	if !ok {
		return nil, pool.ErrModelNotFound(string(types.KindEmbedding))
	}
	return retrieval.EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		l, err := d.Pool.Acquire(ctx, desc)
		if err != nil {
			return nil, err
		}
		defer l.Release()
		s, err := l.Infer(ctx, engine.Input{Text: text})
		if err != nil {
			return nil, err
		}
		chunks, err := engine.Collect(s)
		if err != nil {
			return nil, err
		}
		for _, c := range chunks {
			if len(c.Embedding) > 0 {
				return c.Embedding, nil
			}
		}
		return nil, errors.New("embedding engine returned no vector")
	}), nil
}

// Close stops admitting turns, cancels those in flight and waits for them
// within ctx, then unloads every engine and closes the history store.
func (d *Daemon) Close(ctx context.Context) error {
	d.ready.Store(false)
	var errs []error
	if err := d.Queue.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("queue: %w", err))
	}
	d.stopJanitor()
	if err := d.Pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}
	if err := d.Runtimes.Close(); err != nil {
		errs = append(errs, fmt.Errorf("runtimes: %w", err))
	}
	if err := d.Workers.Close(); err != nil {
		errs = append(errs, fmt.Errorf("workers: %w", err))
	}
	if err := d.Sessions.Close(); err != nil {
		errs = append(errs, fmt.Errorf("history: %w", err))
	}
	return errors.Join(errs...)
}
