package pool

import (
	"sort"
	"time"

	"ai4all/internal/engine"
	"ai4all/pkg/types"
)

// Policy selects eviction victims from candidates ordered least recently used
// first. Candidates are Ready or Busy handles; busy victims are deferred.
type Policy interface {
	victims(p *Pool, cands []*Handle) []*Handle
}

// EvictLRU reclaims the N least recently used handles.
type EvictLRU struct{ N int }

func (e EvictLRU) victims(_ *Pool, cands []*Handle) []*Handle {
	n := min(max(e.N, 0), len(cands))
	return cands[:n]
}

// EvictIdle reclaims handles unused for longer than Older.
type EvictIdle struct{ Older time.Duration }

func (e EvictIdle) victims(_ *Pool, cands []*Handle) []*Handle {
	cutoff := time.Now().Add(-e.Older)
	var out []*Handle
	for _, h := range cands {
		if h.LastUsed.Before(cutoff) {
			out = append(out, h)
		}
	}
	return out
}

// EvictUntilFits reclaims least recently used handles until MB more fits in
// the budget plus margin. It selects nothing when no budget is configured.
type EvictUntilFits struct{ MB int }

func (e EvictUntilFits) victims(p *Pool, cands []*Handle) []*Handle {
	if p.budgetMB <= 0 {
		return nil
	}
	used := p.usedMB
	var out []*Handle
	for _, h := range cands {
		if used+e.MB+p.marginMB <= p.budgetMB {
			break
		}
		out = append(out, h)
		used -= h.EstMB
	}
	return out
}

// EvictAll reclaims every handle.
type EvictAll struct{}

func (EvictAll) victims(_ *Pool, cands []*Handle) []*Handle { return cands }

// EvictResult lists the model ids unloaded now and those marked for eviction
// at their next release.
type EvictResult struct {
	Evicted  []string
	Deferred []string
}

type evicted struct {
	desc    types.ModelDescriptor
	session engine.Session
	pending <-chan struct{}
}

// Evict reclaims handles chosen by policy. Busy handles are never unloaded
// under their holder; they are marked and unloaded when released.
func (p *Pool) Evict(policy Policy) EvictResult {
	p.mu.Lock()
	cands := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		if h.State == StateReady || h.State == StateBusy {
			cands = append(cands, h)
		}
	}
	sortLRU(cands)
	var (
		res  EvictResult
		now  []evicted
		defd []types.ModelDescriptor
	)
	for _, h := range policy.victims(p, cands) {
		if h.idle() {
			h.State = StateUnloading
			now = append(now, p.detachLocked(h))
			p.evictionsTotal++
			res.Evicted = append(res.Evicted, h.Descriptor.ID)
			continue
		}
		if !h.evictPending {
			h.evictPending = true
			defd = append(defd, h.Descriptor)
			res.Deferred = append(res.Deferred, h.Descriptor.ID)
		}
	}
	p.mu.Unlock()
	for _, d := range defd {
		p.metrics.ObserveEviction(string(d.Kind), "deferred")
		p.emit("evict_deferred", d, nil)
	}
	p.finishEvictions(now, "policy")
	return res
}

// evictUntilFitsLocked evicts idle handles in LRU order until requiredMB fits
// the budget plus margin. Caller holds p.mu and closes the returned sessions
// after unlocking.
func (p *Pool) evictUntilFitsLocked(modelID string, requiredMB int) ([]evicted, error) {
	var out []evicted
	for p.usedMB+requiredMB+p.marginMB > p.budgetMB {
		var lru *Handle
		for _, h := range p.handles {
			if !h.idle() {
				continue
			}
			if lru == nil || h.LastUsed.Before(lru.LastUsed) {
				lru = h
			}
		}
		if lru == nil {
			return out, budgetExceededError{modelID: modelID, requiredMB: requiredMB, budgetMB: p.budgetMB}
		}
		lru.State = StateUnloading
		out = append(out, p.detachLocked(lru))
		p.evictionsTotal++
	}
	return out, nil
}

// detachLocked removes h from the arena and takes ownership of its session.
func (p *Pool) detachLocked(h *Handle) evicted {
	p.removeLocked(h)
	e := evicted{desc: h.Descriptor, session: h.session, pending: h.pending}
	h.session = nil
	return e
}

// finishEvictions closes detached sessions outside the lock. A session whose
// last native call outlived its timeout is closed once that call returns.
func (p *Pool) finishEvictions(vs []evicted, reason string) {
	if len(vs) == 0 {
		return
	}
	for _, v := range vs {
		name := "evict"
		if reason == "failed" {
			name = "unload_failed"
		} else {
			p.metrics.ObserveEviction(string(v.desc.Kind), "now")
		}
		p.closeSession(v)
		p.emit(name, v.desc, map[string]any{"reason": reason})
	}
	p.saveLRUMetadata()
}

func (p *Pool) closeSession(v evicted) {
	if v.session == nil {
		return
	}
	if v.pending != nil {
		go func() {
			<-v.pending
			if err := v.session.Close(); err != nil {
				p.log.Warn().Err(err).Str("model", v.desc.ID).Msg("close after timeout")
			}
		}()
		return
	}
	if err := v.session.Close(); err != nil {
		p.log.Warn().Err(err).Str("model", v.desc.ID).Msg("close session")
	}
}

func sortLRU(hs []*Handle) {
	sort.Slice(hs, func(i, j int) bool {
		if hs[i].LastUsed.Equal(hs[j].LastUsed) {
			return hs[i].Descriptor.ID < hs[j].Descriptor.ID
		}
		return hs[i].LastUsed.Before(hs[j].LastUsed)
	})
}
