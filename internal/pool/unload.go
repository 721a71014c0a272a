package pool

import (
	"time"
)

// Unload drains and removes the handle for modelID.
//   - Sets the handle to Unloading so new acquirers wait for it to go away.
//   - Waits up to DrainTimeout for the current holder to release it.
//   - Closes the native session and removes the handle.
//
// When the drain times out the unload completes in the background once the
// holder releases.
func (p *Pool) Unload(modelID string) error {
	if modelID == "" {
		return ErrModelNotFound("(unspecified)")
	}
	for {
		p.mu.Lock()
		h := p.handles[modelID]
		if h == nil {
			p.mu.Unlock()
			return ErrModelNotFound(modelID)
		}
		switch h.State {
		case StateLoading:
			loaded := h.loaded
			p.mu.Unlock()
			<-loaded
			continue
		case StateUnloading, StateFailed:
			gone := h.gone
			p.mu.Unlock()
			<-gone
			return nil
		}
		h.State = StateUnloading
		p.mu.Unlock()
		return p.drain(h)
	}
}

func (p *Pool) drain(h *Handle) error {
	p.emit("unload_start", h.Descriptor, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.slot <- struct{}{}
		p.mu.Lock()
		v := p.detachLocked(h)
		p.mu.Unlock()
		<-h.slot
		p.closeSession(v)
		p.emit("unload_done", h.Descriptor, nil)
		p.saveLRUMetadata()
	}()
	timer := time.NewTimer(p.drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.mu.Lock()
		waiting := h.waiting
		p.mu.Unlock()
		p.log.Warn().Str("model", h.Descriptor.ID).Dur("drain_timeout", p.drainTimeout).Msg("unload waiting for holder")
		p.emit("unload_timeout", h.Descriptor, map[string]any{"waiting": waiting})
	}
	return nil
}

// Close unloads every handle and rejects further acquires.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ids := make([]string, 0, len(p.handles))
	for id := range p.handles {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		if err := p.Unload(id); err != nil && !IsModelNotFound(err) {
			p.log.Warn().Err(err).Str("model", id).Msg("unload on close")
		}
	}
	p.saveLRUMetadata()
	if p.ownWorkers {
		return p.workers.Close()
	}
	return nil
}
