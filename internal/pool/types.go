package pool

import (
	"time"

	"ai4all/internal/engine"
	"ai4all/pkg/types"
)

// State is the lifecycle state of an engine handle.
type State string

const (
	StateUnloaded  State = "unloaded"
	StateLoading   State = "loading"
	StateReady     State = "ready"
	StateBusy      State = "busy"
	StateFailed    State = "failed"
	StateUnloading State = "unloading"
)

// Handle owns one loaded native session. There is at most one handle per
// model id in the pool's arena; callers never hold a *Handle directly, only a
// Lease on it.
type Handle struct {
	Descriptor types.ModelDescriptor
	State      State
	LastUsed   time.Time
	EstMB      int

	session engine.Session
	// closed when the load attempt finishes; loadErr is set before closing
	loaded  chan struct{}
	loadErr error
	// size 1: the exclusive lease; blocked senders are served in arrival order
	slot chan struct{}
	// closed when the handle leaves the arena
	gone         chan struct{}
	waiting      int
	evictPending bool
	// completion of a native call that outlived its timeout
	pending <-chan struct{}
}

func newHandle(desc types.ModelDescriptor, estMB int) *Handle {
	return &Handle{
		Descriptor: desc,
		State:      StateLoading,
		LastUsed:   time.Now(),
		EstMB:      estMB,
		loaded:     make(chan struct{}),
		slot:       make(chan struct{}, 1),
		gone:       make(chan struct{}),
	}
}

// idle reports whether nobody holds or waits for the handle. Caller holds p.mu.
func (h *Handle) idle() bool {
	return h.State == StateReady && h.waiting == 0 && len(h.slot) == 0
}
