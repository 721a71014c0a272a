package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ai4all/pkg/types"
)

// PostgresStore keeps turns in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			seq BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			modality TEXT NOT NULL,
			text TEXT NOT NULL,
			audio BYTEA,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_turns_session ON conversation_turns (session_id, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTurns(ctx context.Context, sessionID string, turns ...types.Turn) error {
	now := time.Now().UTC()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, turn := range turns {
			if turn.Timestamp.IsZero() {
				turn.Timestamp = now
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO conversation_turns (session_id, role, modality, text, audio, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				sessionID, string(turn.Role), string(turn.Modality), turn.Text, turn.Audio, turn.Timestamp,
			)
			if err != nil {
				return fmt.Errorf("save turn: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) List(ctx context.Context, sessionID string) ([]types.Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT role, modality, text, audio, created_at
		 FROM conversation_turns WHERE session_id=$1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()
	var out []types.Turn
	for rows.Next() {
		var (
			t              types.Turn
			role, modality string
		)
		if err := rows.Scan(&role, &modality, &t.Text, &t.Audio, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Role, t.Modality = types.Role(role), types.Modality(modality)
		t.Timestamp = t.Timestamp.UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
