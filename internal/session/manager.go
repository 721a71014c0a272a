// Package session tracks conversation sessions and their turn history.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai4all/internal/history"
	"ai4all/pkg/types"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExists   = errors.New("session already exists")
)

const defaultIdleTimeout = 30 * time.Minute

// Session is a conversation. History only grows; turns are never edited.
type Session struct {
	ID               string       `json:"session_id"`
	History          []types.Turn `json:"history"`
	RetrievalContext []string     `json:"retrieval_context,omitempty"`
	StartedAt        time.Time    `json:"started_at"`
	LastActivityAt   time.Time    `json:"last_activity_at"`
}

// Manager owns the live sessions. Every appended turn is also written to the
// history store, which is where sessions are restored from after they expire.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	store       history.Store
	idleTimeout time.Duration
	onExpire    func(*Session)
	log         zerolog.Logger
}

// NewManager returns a manager persisting to store (in-memory when nil).
func NewManager(store history.Store, idleTimeout time.Duration) *Manager {
	if store == nil {
		store = history.NewMemoryStore()
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		store:       store,
		idleTimeout: idleTimeout,
		log:         zerolog.Nop(),
	}
}

func (m *Manager) SetLogger(l zerolog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = l
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create starts an empty session. An empty id gets a generated one.
func (m *Manager) Create(id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return nil, ErrExists
	}
	s := &Session{ID: id, StartedAt: now, LastActivityAt: now}
	m.sessions[id] = s
	return clone(s), nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// GetOrCreate returns the live session id, restoring its history from the
// store or creating it empty.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	s, err := m.live(ctx, id)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(s), nil
}

func (m *Manager) live(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("empty session id")
	}
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}
	turns, err := m.store.List(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", id, err)
	}
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	s = &Session{ID: id, History: turns, StartedAt: now, LastActivityAt: now}
	if len(turns) > 0 {
		s.StartedAt = turns[0].Timestamp
	}
	m.sessions[id] = s
	m.log.Debug().Str("event", "session_open").Str("session", id).Int("turns", len(turns)).Msg("session")
	return s, nil
}

// History returns the turns of a session in order. Sessions that are no
// longer live are read from the store.
func (m *Manager) History(ctx context.Context, id string) ([]types.Turn, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	if ok {
		out := append([]types.Turn(nil), s.History...)
		m.mu.RUnlock()
		return out, nil
	}
	m.mu.RUnlock()
	turns, err := m.store.List(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, ErrNotFound
	}
	return turns, nil
}

// Append adds turns to the end of a session's history and persists them.
// Callers serialise appends per session; the request queue guarantees a
// single writer.
func (m *Manager) Append(ctx context.Context, id string, turns ...types.Turn) error {
	s, err := m.live(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range turns {
		if turns[i].Timestamp.IsZero() {
			turns[i].Timestamp = now
		}
	}
	if err := m.store.SaveTurns(ctx, id, turns...); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// copy on append so snapshots handed out by Get stay valid
	next := make([]types.Turn, 0, len(s.History)+len(turns))
	next = append(append(next, s.History...), turns...)
	s.History = next
	s.LastActivityAt = now
	return nil
}

// SetRetrievalContext records the fragments used for the session's latest turn.
func (m *Manager) SetRetrievalContext(id string, fragments []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.RetrievalContext = append([]string(nil), fragments...)
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// End drops a live session. Its history remains in the store.
func (m *Manager) End(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.sessions, id)
	return clone(s), nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive(time.Now().UTC())
			}
		}
	}()
}

func (m *Manager) expireInactive(now time.Time) {
	var expired []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastActivityAt) < m.idleTimeout {
			continue
		}
		delete(m.sessions, id)
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	log := m.log
	m.mu.Unlock()

	for _, s := range expired {
		log.Debug().Str("event", "session_expired").Str("session", s.ID).Msg("session")
		if hook != nil {
			hook(s)
		}
	}
}

// Close closes the underlying history store.
func (m *Manager) Close() error { return m.store.Close() }

func clone(s *Session) *Session {
	c := *s
	c.History = append([]types.Turn(nil), s.History...)
	c.RetrievalContext = append([]string(nil), s.RetrievalContext...)
	return &c
}
