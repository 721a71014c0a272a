// Package history persists conversation turns per session.
package history

import (
	"context"
	"strings"
	"sync"
	"time"

	"ai4all/pkg/types"
)

// Store persists and retrieves conversation turns. Turns are append-only and
// List returns them in the order they were saved. SaveTurns stores all of
// turns or none of them.
type Store interface {
	SaveTurns(ctx context.Context, sessionID string, turns ...types.Turn) error
	List(ctx context.Context, sessionID string) ([]types.Turn, error)
	Close() error
}

// NewStore picks a backend from dsn:
//
//	""  or "memory"              in-process store
//	"postgres://" "postgresql://" PostgreSQL via pgxpool
//	"sqlite:<path>" or any path  SQLite file
func NewStore(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == "memory":
		return NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStore(ctx, dsn)
	default:
		return NewSQLiteStore(strings.TrimPrefix(dsn, "sqlite:"))
	}
}

// MemoryStore keeps turns in process; they are lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	turns map[string][]types.Turn
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{turns: make(map[string][]types.Turn)}
}

func (s *MemoryStore) SaveTurns(_ context.Context, sessionID string, turns ...types.Turn) error {
	now := time.Now().UTC()
	batch := make([]types.Turn, len(turns))
	for i, t := range turns {
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		t.Audio = append([]byte(nil), t.Audio...)
		batch[i] = t
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[sessionID] = append(s.turns[sessionID], batch...)
	return nil
}

func (s *MemoryStore) List(_ context.Context, sessionID string) ([]types.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	out := make([]types.Turn, len(arr))
	copy(out, arr)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
