package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ai4all/internal/engine"
	"ai4all/internal/observability"
	"ai4all/internal/worker"
	"ai4all/pkg/types"
)

// Pool lazily loads, caches and evicts engine handles, one per model id, and
// hands out exclusive leases on them.
type Pool struct {
	mu         sync.Mutex
	handles    map[string]*Handle
	loader     engine.Loader
	workers    *worker.Pool
	ownWorkers bool

	budgetMB int
	marginMB int
	usedMB   int

	maxWait      time.Duration
	loadTimeout  time.Duration
	inferTimeout time.Duration
	drainTimeout time.Duration

	loadsTotal     uint64
	evictionsTotal uint64
	closed         bool

	lruPath   string
	lruMeta   map[string]lruRecord
	lruDirty  bool
	lruWrites int
	// serialises writers of lruPath
	lruSaveMu sync.Mutex

	publisher EventPublisher
	log       zerolog.Logger
	metrics   *observability.Metrics
}

// Lease is exclusive access to one Ready handle between Acquire and Release.
type Lease struct {
	pool     *Pool
	h        *Handle
	once     sync.Once
	released atomic.Bool
}

// Descriptor returns the descriptor of the leased handle.
func (l *Lease) Descriptor() types.ModelDescriptor { return l.h.Descriptor }

// Release returns the handle to the pool. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.released.Store(true)
		l.pool.release(l.h)
	})
}

// Release is equivalent to lease.Release and accepts nil.
func (p *Pool) Release(l *Lease) {
	if l != nil {
		l.Release()
	}
}

// Acquire returns an exclusive lease on a Ready handle for desc, loading it
// first when no handle exists. Callers block while the handle is Loading and
// while another caller holds it; waiters are served in arrival order.
func (p *Pool) Acquire(ctx context.Context, desc types.ModelDescriptor) (*Lease, error) {
	if desc.ID == "" {
		return nil, ErrModelNotFound("(unspecified)")
	}
	start := time.Now()
	estMB := estimateMB(desc)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		h := p.handles[desc.ID]
		if h == nil {
			nh, victims, err := p.reserveLocked(desc, estMB)
			p.mu.Unlock()
			p.finishEvictions(victims, "budget")
			if err != nil {
				p.emit("load_budget_fail", desc, map[string]any{"error": err.Error()})
				return nil, err
			}
			if err := p.load(ctx, nh); err != nil {
				return nil, err
			}
			continue
		}
		switch h.State {
		case StateLoading:
			p.mu.Unlock()
			select {
			case <-h.loaded:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if h.loadErr != nil {
				return nil, h.loadErr
			}
			continue
		case StateFailed, StateUnloading:
			p.mu.Unlock()
			select {
			case <-h.gone:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		h.waiting++
		p.mu.Unlock()

		lease, retry, err := p.claim(ctx, h)
		if retry {
			continue
		}
		if err != nil {
			return nil, err
		}
		p.metrics.ObserveAcquireWait(string(desc.Kind), time.Since(start))
		return lease, nil
	}
}

// claim waits for the handle's exclusive slot. retry is true when the handle
// left the arena or changed state while waiting.
func (p *Pool) claim(ctx context.Context, h *Handle) (lease *Lease, retry bool, err error) {
	timer := time.NewTimer(p.maxWait)
	defer timer.Stop()
	select {
	case h.slot <- struct{}{}:
	case <-h.gone:
		p.unwait(h)
		return nil, true, nil
	case <-ctx.Done():
		p.unwait(h)
		return nil, false, ctx.Err()
	case <-timer.C:
		p.unwait(h)
		p.emit("acquire_timeout", h.Descriptor, map[string]any{"waited_ms": p.maxWait.Milliseconds()})
		return nil, false, tooBusyError{modelID: h.Descriptor.ID}
	}

	p.mu.Lock()
	h.waiting--
	if h.State != StateReady || p.handles[h.Descriptor.ID] != h {
		p.mu.Unlock()
		<-h.slot
		return nil, true, nil
	}
	if err := ctx.Err(); err != nil {
		p.mu.Unlock()
		<-h.slot
		return nil, false, err
	}
	h.State = StateBusy
	h.LastUsed = time.Now()
	p.mu.Unlock()
	p.metrics.AddBusy(1)
	p.emit("acquire", h.Descriptor, nil)
	return &Lease{pool: p, h: h}, false, nil
}

func (p *Pool) unwait(h *Handle) {
	p.mu.Lock()
	h.waiting--
	p.mu.Unlock()
}

// reserveLocked creates a Loading handle for desc, evicting idle handles
// first when a budget is configured. Caller holds p.mu.
func (p *Pool) reserveLocked(desc types.ModelDescriptor, estMB int) (*Handle, []evicted, error) {
	var victims []evicted
	if p.budgetMB > 0 {
		var err error
		victims, err = p.evictUntilFitsLocked(desc.ID, estMB)
		if err != nil {
			return nil, victims, err
		}
	}
	h := newHandle(desc, estMB)
	p.handles[desc.ID] = h
	p.usedMB += estMB
	return h, victims, nil
}

// load runs the native load on a worker, bounded by LoadTimeout. On failure
// the handle is removed so the descriptor is Unloaded again.
func (p *Pool) load(ctx context.Context, h *Handle) error {
	desc := h.Descriptor
	start := time.Now()
	p.emit("load_start", desc, map[string]any{"est_mb": h.EstMB})

	nctx := context.WithoutCancel(ctx)
	sctx, cancel := context.WithTimeout(nctx, p.loadTimeout)
	defer cancel()
	var sess engine.Session
	fut, err := worker.Submit(sctx, p.workers, func() (engine.Session, error) {
		return p.loader.Load(nctx, desc)
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		err = &EngineTimeoutError{ModelID: desc.ID, Op: "load", After: p.loadTimeout}
	case err != nil:
		err = ErrPoolClosed
	default:
		sess, err = fut.Wait(p.loadTimeout)
		if worker.IsTimeout(err) {
			go closeLate(fut)
			err = &EngineTimeoutError{ModelID: desc.ID, Op: "load", After: p.loadTimeout}
		} else if err != nil {
			err = &EngineLoadError{ModelID: desc.ID, Err: err}
		}
	}

	p.mu.Lock()
	if err != nil {
		h.loadErr = err
		p.removeLocked(h)
		p.mu.Unlock()
		close(h.loaded)
		p.metrics.ObserveLoad(string(desc.Kind), "error")
		p.emit("load_error", desc, map[string]any{"error": err.Error()})
		return err
	}
	h.session = sess
	h.State = StateReady
	h.LastUsed = time.Now()
	p.touchLRULocked(h)
	p.loadsTotal++
	p.mu.Unlock()
	close(h.loaded)
	p.metrics.ObserveLoad(string(desc.Kind), "ok")
	p.emit("load_ready", desc, map[string]any{"dur_ms": time.Since(start).Milliseconds()})
	p.saveLRUMetadata()
	return nil
}

func closeLate(fut *worker.Future[engine.Session]) {
	<-fut.Done()
	if s, err := fut.Result(); err == nil && s != nil {
		_ = s.Close()
	}
}

// release frees the handle's slot. Handles marked Failed or pending eviction
// are unloaded instead of returning to Ready.
func (p *Pool) release(h *Handle) {
	p.mu.Lock()
	h.LastUsed = time.Now()
	p.touchLRULocked(h)
	reason := ""
	switch {
	case h.State == StateFailed:
		reason = "failed"
	case h.evictPending:
		reason = "deferred"
	case h.State == StateBusy:
		h.State = StateReady
	}
	var victim evicted
	if reason != "" {
		h.State = StateUnloading
		victim = p.detachLocked(h)
		if reason == "deferred" {
			p.evictionsTotal++
		}
	}
	p.mu.Unlock()
	<-h.slot
	p.metrics.AddBusy(-1)
	p.emit("release", h.Descriptor, nil)
	if reason != "" {
		p.finishEvictions([]evicted{victim}, reason)
	}
}

// removeLocked takes h out of the arena and wakes everyone waiting on it.
func (p *Pool) removeLocked(h *Handle) {
	if p.handles[h.Descriptor.ID] == h {
		delete(p.handles, h.Descriptor.ID)
		p.usedMB -= h.EstMB
		if p.usedMB < 0 {
			p.usedMB = 0
		}
	}
	select {
	case <-h.gone:
	default:
		close(h.gone)
	}
}

// State reports the lifecycle state of the handle for id; a descriptor with
// no handle is Unloaded.
func (p *Pool) State(id string) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h := p.handles[id]; h != nil {
		return h.State
	}
	return StateUnloaded
}

// BusyCount reports how many handles are currently leased.
func (p *Pool) BusyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, h := range p.handles {
		if h.State == StateBusy || h.State == StateFailed {
			n++
		}
	}
	return n
}

func (p *Pool) emit(name string, desc types.ModelDescriptor, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	ev := p.log.Debug().Str("event", name).Str("model", desc.ID).Str("kind", string(desc.Kind))
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg("pool")
	p.publisher.Publish(Event{Name: name, ModelID: desc.ID, Fields: fields})
}
