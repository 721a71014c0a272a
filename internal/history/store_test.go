package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai4all/pkg/types"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	turns := []types.Turn{
		{Role: types.RoleUser, Modality: types.ModalityAudio, Text: "hello", Audio: []byte{1, 2}, Timestamp: ts},
		{Role: types.RoleAssistant, Modality: types.ModalityAudio, Text: "hi there", Timestamp: ts.Add(time.Second)},
		{Role: types.RoleUser, Modality: types.ModalityText, Text: "again"},
	}
	require.NoError(t, s.SaveTurns(ctx, "s1", turns[:2]...))
	require.NoError(t, s.SaveTurns(ctx, "s1", turns[2]))
	require.NoError(t, s.SaveTurns(ctx, "s2", types.Turn{Role: types.RoleUser, Modality: types.ModalityText, Text: "other"}))

	got, err := s.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "hello", got[0].Text)
	assert.Equal(t, []byte{1, 2}, got[0].Audio)
	assert.True(t, got[0].Timestamp.Equal(ts))
	assert.Equal(t, types.RoleAssistant, got[1].Role)
	assert.Equal(t, types.ModalityText, got[2].Modality)
	assert.False(t, got[2].Timestamp.IsZero(), "missing timestamps are filled in")

	none, err := s.List(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	exerciseStore(t, s)
}

func TestMemoryStore_CopiesAudio(t *testing.T) {
	s := NewMemoryStore()
	audio := []byte{7}
	require.NoError(t, s.SaveTurns(context.Background(), "s", types.Turn{Audio: audio}))
	audio[0] = 0
	got, _ := s.List(context.Background(), "s")
	assert.Equal(t, []byte{7}, got[0].Audio)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.List(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, got, 3, "turns survive a reopen")
}

func TestSQLiteStore_SaveTurnsIsAtomic(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	_, err = s.db.Exec(`CREATE TRIGGER reject_assistant BEFORE INSERT ON turns
		WHEN NEW.role = 'assistant' BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)

	err = s.SaveTurns(ctx, "s",
		types.Turn{Role: types.RoleUser, Modality: types.ModalityText, Text: "hello"},
		types.Turn{Role: types.RoleAssistant, Modality: types.ModalityText, Text: "hi"})
	require.Error(t, err)
	got, err := s.List(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, got, "a failed batch leaves no turn behind")

	require.NoError(t, s.SaveTurns(ctx, "s", types.Turn{Role: types.RoleUser, Text: "alone"}))
	got, err = s.List(ctx, "s")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("AI4ALL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AI4ALL_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.pool.Exec(ctx, `DELETE FROM conversation_turns WHERE session_id IN ('s1', 's2', 'unknown')`)
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestNewStore_SelectsBackend(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = NewStore(ctx, "memory")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = NewStore(ctx, "sqlite:"+filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	s, err = NewStore(ctx, filepath.Join(t.TempDir(), "plain.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())
}
