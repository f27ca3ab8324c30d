package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const artifactSchema = `
CREATE TABLE IF NOT EXISTS stage_artifacts (
    session_id TEXT NOT NULL,
    path       TEXT NOT NULL,
    content    BYTEA NOT NULL,
    written_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (session_id, path)
)`

// PostgresStore keeps each artifact as one row keyed by (session_id, path).
type PostgresStore struct {
	pool *pgxpool.Pool

	mu          sync.Mutex
	schemaReady bool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres connects a pool and pings it once.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schemaReady {
		return nil
	}
	if _, err := s.pool.Exec(ctx, artifactSchema); err != nil {
		return fmt.Errorf("create artifact table: %w", err)
	}
	s.schemaReady = true
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, sessionID, p string, content []byte) error {
	k, err := parseKey(sessionID, p)
	if err != nil {
		return err
	}
	if err := s.migrate(ctx); err != nil {
		return err
	}
	if content == nil {
		content = []byte{}
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO stage_artifacts (session_id, path, content) VALUES ($1, $2, $3)
ON CONFLICT (session_id, path) DO UPDATE SET content = EXCLUDED.content, written_at = NOW()`,
		k.session, k.path, content)
	if err != nil {
		return fmt.Errorf("put %s: %w", k, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID, p string) ([]byte, error) {
	k, err := parseKey(sessionID, p)
	if err != nil {
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	var content []byte
	err = s.pool.QueryRow(ctx,
		`SELECT content FROM stage_artifacts WHERE session_id = $1 AND path = $2`,
		k.session, k.path).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", k, err)
	}
	return content, nil
}

func (s *PostgresStore) List(ctx context.Context, sessionID string) ([]string, error) {
	session, err := parseSession(sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT path FROM stage_artifacts WHERE session_id = $1 ORDER BY path`, session)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", session, err)
	}
	paths, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", session, err)
	}
	if paths == nil {
		paths = []string{}
	}
	return paths, nil
}
