package kvstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL (vega.kv_entries).
//
// Ownership model: the pool is owned by the caller; Close here is a no-op.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed Store and ensures its schema.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, &StorageError{Op: "init", Err: err}
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE SCHEMA IF NOT EXISTS vega;
		CREATE TABLE IF NOT EXISTS vega.kv_entries (
			key        text PRIMARY KEY,
			value      text NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		)
	`)
	return err
}

// Get returns the value for key.
func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string

	err := s.pool.QueryRow(ctx, `
		SELECT value FROM vega.kv_entries WHERE key = $1
	`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &StorageError{Op: "get", Key: key, Err: err}
	}

	return value, true, nil
}

// Set upserts the value for key.
func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vega.kv_entries (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	if err != nil {
		return &StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Remove deletes key.
func (s *PostgresStore) Remove(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM vega.kv_entries WHERE key = $1
	`, key)
	if err != nil {
		return &StorageError{Op: "remove", Key: key, Err: err}
	}
	return nil
}
