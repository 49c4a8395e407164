package apikeys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore implements Store for PostgreSQL databases.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates the api_keys table if needed.
func NewPostgreSQLStore(pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool is required")
	}

	_, err := pool.Exec(context.Background(), `
		CREATE TABLE IF NOT EXISTS api_keys (
			client_id UUID NOT NULL,
			provider TEXT NOT NULL,
			secret TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (client_id, provider)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create api_keys table: %w", err)
	}

	return &PostgreSQLStore{pool: pool}, nil
}

func (s *PostgreSQLStore) Set(ctx context.Context, clientID uuid.UUID, provider, secret string) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (client_id, provider, secret, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_id, provider) DO UPDATE SET secret = EXCLUDED.secret, updated_at = EXCLUDED.updated_at`,
		clientID, provider, secret, now, now)
	if err != nil {
		return fmt.Errorf("failed to store api key: %w", err)
	}
	return nil
}

func (s *PostgreSQLStore) Get(ctx context.Context, clientID uuid.UUID, provider string) (string, error) {
	var secret string
	err := s.pool.QueryRow(ctx,
		`SELECT secret FROM api_keys WHERE client_id = $1 AND provider = $2`,
		clientID, provider).Scan(&secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read api key: %w", err)
	}
	return secret, nil
}

func (s *PostgreSQLStore) Delete(ctx context.Context, clientID uuid.UUID, provider string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM api_keys WHERE client_id = $1 AND provider = $2`,
		clientID, provider)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (s *PostgreSQLStore) List(ctx context.Context, clientID uuid.UUID) ([]Key, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT provider, secret, created_at, updated_at
		FROM api_keys WHERE client_id = $1 ORDER BY provider`,
		clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		k := Key{ClientID: clientID}
		if err := rows.Scan(&k.Provider, &k.Secret, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to read api key row: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
