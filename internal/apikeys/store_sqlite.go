package apikeys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLiteStore implements Store for SQLite databases.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the api_keys table if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS api_keys (
			client_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			secret TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (client_id, provider)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create api_keys table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Set(ctx context.Context, clientID uuid.UUID, provider, secret string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (client_id, provider, secret, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (client_id, provider) DO UPDATE SET secret = excluded.secret, updated_at = excluded.updated_at`,
		clientID.String(), provider, secret, now, now)
	if err != nil {
		return fmt.Errorf("failed to store api key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, clientID uuid.UUID, provider string) (string, error) {
	var secret string
	err := s.db.QueryRowContext(ctx,
		`SELECT secret FROM api_keys WHERE client_id = ? AND provider = ?`,
		clientID.String(), provider).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read api key: %w", err)
	}
	return secret, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, clientID uuid.UUID, provider string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM api_keys WHERE client_id = ? AND provider = ?`,
		clientID.String(), provider)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	if affected == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, clientID uuid.UUID) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, secret, created_at, updated_at
		FROM api_keys WHERE client_id = ? ORDER BY provider`,
		clientID.String())
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
