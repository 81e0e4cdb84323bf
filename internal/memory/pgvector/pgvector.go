package pgvector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/antoniostano/recall/internal/memory"
	"github.com/antoniostano/recall/internal/reliability"
)

const backendName = "vector store"

// Store persists memories in PostgreSQL with the pgvector extension.
type Store struct {
	pool      *pgxpool.Pool
	dimension int
}

var _ memory.VectorStore = (*Store)(nil)

func New(ctx context.Context, databaseURL string, dimension int) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, reliability.InvalidConfig("database url is required for the pgvector store")
	}
	if dimension <= 0 {
		return nil, reliability.InvalidConfig("vector dimension must be positive, got %d", dimension)
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, reliability.InvalidConfig("parse database url: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, reliability.Unavailable(backendName, fmt.Errorf("connect postgres: %w", err))
	}

	if err := initSchema(ctx, pool, dimension); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, dimension: dimension}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_items (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, dimension),
		`CREATE INDEX IF NOT EXISTS idx_memory_items_user_created ON memory_items (user_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return classify(fmt.Errorf("init schema failed on %q: %w", stmt, err))
		}
	}

	// For vector columns atttypmod holds the declared dimension.
	var existing int
	err := pool.QueryRow(ctx,
		`SELECT atttypmod FROM pg_attribute
		 WHERE attrelid = 'memory_items'::regclass AND attname = 'embedding'`,
	).Scan(&existing)
	if err != nil {
		return classify(fmt.Errorf("read embedding dimension: %w", err))
	}
	if existing > 0 && existing != dimension {
		return reliability.DimensionMismatch(backendName, dimension, existing)
	}
	return nil
}

func (s *Store) Dimension() int { return s.dimension }

func (s *Store) Upsert(ctx context.Context, userID string, vector []float32, payload memory.Payload) (string, error) {
	if len(vector) != s.dimension {
		return "", reliability.DimensionMismatch(backendName, len(vector), s.dimension)
	}
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_items (id, user_id, role, content, pii_redacted, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::vector, $7)`,
		id,
		userID,
		string(payload.Role),
		payload.Text,
		payload.PIIRedacted,
		pgvector.NewVector(vector),
		payload.CreatedAt,
	)
	if err != nil {
		return "", classify(fmt.Errorf("insert memory: %w", err))
	}
	return id, nil
}

func (s *Store) Query(ctx context.Context, userID string, vector []float32, k int) ([]memory.Record, error) {
	if k < 1 {
		return nil, nil
	}
	if len(vector) != s.dimension {
		return nil, reliability.DimensionMismatch(backendName, len(vector), s.dimension)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, role, content, pii_redacted, created_at,
		        1 - (embedding <=> $2::vector) AS score
		 FROM memory_items
		 WHERE user_id = $1
		 ORDER BY embedding <=> $2::vector, seq DESC
		 LIMIT $3`,
		userID,
		pgvector.NewVector(vector),
		k,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("query memories: %w", err))
	}
	return collect(rows, true)
}

func (s *Store) List(ctx context.Context, userID string) ([]memory.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, role, content, pii_redacted, created_at
		 FROM memory_items WHERE user_id = $1 ORDER BY seq`,
		userID,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("list memories: %w", err))
	}
	return collect(rows, false)
}

// DeleteAll removes the user's rows in one transaction.
func (s *Store) DeleteAll(ctx context.Context, userID string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM memory_items WHERE user_id = $1`, userID)
		return err
	})
	if err != nil {
		return classify(fmt.Errorf("delete memories: %w", err))
	}
	return nil
}

func (s *Store) Count(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM memory_items WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, classify(fmt.Errorf("count memories: %w", err))
	}
	return n, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func collect(rows pgx.Rows, scored bool) ([]memory.Record, error) {
	defer rows.Close()

	var items []memory.Record
	for rows.Next() {
		var (
			r    memory.Record
			role string
		)
		dest := []any{&r.ID, &r.UserID, &role, &r.Text, &r.PIIRedacted, &r.CreatedAt}
		if scored {
			dest = append(dest, &r.Score)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		r.Role = memory.Role(role)
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate memory rows: %w", err))
	}
	return items, nil
}

// classify maps connection-level failures to BackendUnavailable and leaves SQL errors as is.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception. 57P: operator intervention (shutdown).
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P") {
			return reliability.Unavailable(backendName, err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return reliability.Unavailable(backendName, err)
	}
	return reliability.Classify(backendName, 0, err)
}
