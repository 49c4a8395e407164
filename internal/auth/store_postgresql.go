package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore implements ClientStore for PostgreSQL databases.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates the clients table if needed.
func NewPostgreSQLStore(pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool is required")
	}

	_, err := pool.Exec(context.Background(), `
		CREATE TABLE IF NOT EXISTS clients (
			id UUID PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create clients table: %w", err)
	}

	return &PostgreSQLStore{pool: pool}, nil
}

func (s *PostgreSQLStore) CreateClient(ctx context.Context, email, passwordHash string) (*Client, error) {
	client := &Client{
		ID:           uuid.New(),
		Email:     email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO clients (id, email, password_hash, created_at) VALUES ($1, $2, $3, $4)`,
		client.ID, client.Email, client.PasswordHash, client.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to insert client: %w", err)
	}
	return client, nil
}

func (s *PostgreSQLStore) GetClientByEmail(ctx context.Context, email string) (*Client, error) {
	return s.scanClient(s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, created_at FROM clients WHERE email = $1`, email))
}

func (s *PostgreSQLStore) GetClient(ctx context.Context, id uuid.UUID) (*Client, error) {
	return s.scanClient(s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, created_at FROM clients WHERE id = $1`, id))
}

func (s *PostgreSQLStore) scanClient(row pgx.Row) (*Client, error) {
	var client Client
	if err := row.Scan(&client.ID, &client.Email, &client.PasswordHash, &client.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to read client: %w", err)
	}
	return &client, nil
}
