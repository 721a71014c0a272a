package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ai4all/pkg/types"
)

// SQLiteStore keeps turns in a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			modality TEXT NOT NULL,
			text TEXT NOT NULL,
			audio BLOB,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) SaveTurns(ctx context.Context, sessionID string, turns ...types.Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save turns: %w", err)
	}
	defer tx.Rollback()
	now := time.Now().UTC()
	for _, turn := range turns {
		if turn.Timestamp.IsZero() {
			turn.Timestamp = now
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO turns (session_id, role, modality, text, audio, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, string(turn.Role), string(turn.Modality), turn.Text, turn.Audio, turn.Timestamp.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("save turn: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit turns: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]types.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, modality, text, audio, created_at FROM turns WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()
	var out []types.Turn
	for rows.Next() {
		var (
			t        types.Turn
			role     string
			modality string
			ts       int64
		)
		if err := rows.Scan(&role, &modality, &t.Text, &t.Audio, &ts); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role, t.Modality = types.Role(role), types.Modality(modality)
		t.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
