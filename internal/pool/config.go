package pool

import (
	"time"

	"github.com/rs/zerolog"

	"ai4all/internal/engine"
	"ai4all/internal/observability"
	"ai4all/internal/worker"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxWait      = 30 * time.Second
	defaultLoadTimeout  = 2 * time.Minute
	defaultInferTimeout = 60 * time.Second
	defaultDrainTimeout = 30 * time.Second
)

// Config encapsulates all tunables for Pool construction.
type Config struct {
	Loader engine.Loader
	// Workers runs native calls; the pool creates and owns one when nil.
	Workers *worker.Pool
	// Memory budget across all handles in MB (0 disables budgeting) and the
	// margin kept free on top of it.
	BudgetMB int
	MarginMB int
	// MaxWait bounds how long Acquire waits for a busy handle.
	MaxWait time.Duration
	// LoadTimeout and InferTimeout bound single native calls.
	LoadTimeout  time.Duration
	InferTimeout time.Duration
	// DrainTimeout bounds how long Unload waits for the current holder.
	DrainTimeout time.Duration
	// LRUPath persists recently used descriptors for WarmRecent.
	LRUPath   string
	Publisher EventPublisher
	Logger    *zerolog.Logger
	Metrics   *observability.Metrics
}

// New constructs a Pool from Config.
func New(cfg Config) *Pool {
	p := &Pool{
		loader:   cfg.Loader,
		workers:  cfg.Workers,
		budgetMB: cfg.BudgetMB,
		marginMB: cfg.MarginMB,
		lruPath:  cfg.LRUPath,
		metrics:  cfg.Metrics,
		handles:  make(map[string]*Handle),
		lruMeta:  make(map[string]lruRecord),
	}
	if p.workers == nil {
		p.workers = worker.New(0)
		p.ownWorkers = true
	}
	p.maxWait = orDefault(cfg.MaxWait, defaultMaxWait)
	p.loadTimeout = orDefault(cfg.LoadTimeout, defaultLoadTimeout)
	p.inferTimeout = orDefault(cfg.InferTimeout, defaultInferTimeout)
	p.drainTimeout = orDefault(cfg.DrainTimeout, defaultDrainTimeout)
	if cfg.Publisher != nil {
		p.publisher = cfg.Publisher
	} else {
		p.publisher = noopPublisher{}
	}
	if cfg.Logger != nil {
		p.log = cfg.Logger.With().Str("component", "pool").Logger()
	} else {
		p.log = zerolog.Nop()
	}
	p.loadLRUMetadata()
	return p
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
