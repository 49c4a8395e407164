package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLiteStore implements ClientStore for SQLite databases.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the clients table if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS clients (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create clients table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateClient(ctx context.Context, email, passwordHash string) (*Client, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM clients WHERE email = ?`, email).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if exists > 0 {
		return nil, ErrEmailTaken
	}

	client := &Client{
		ID:           uuid.New(),
		Email:     email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		client.ID.String(), client.Email, client.PasswordHash, client.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert client: %w", err)
	}
	return client, nil
}

func (s *SQLiteStore) GetClientByEmail(ctx context.Context, email string) (*Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM clients WHERE email = ?`, email)
	return scanClient(row)
}

func (s *SQLiteStore) GetClient(ctx context.Context, id uuid.UUID) (*Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM clients WHERE id = ?`, id.String())
	return scanClient(row)
}

func scanClient(row *sql.Row) (*Client, error) {
	var client Client
	var id string
	if err := row.Scan(&id, &client.Email, &client.PasswordHash, &client.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to read client: %w", err)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid client id in storage: %w", err)
	}
	client.ID = parsed
	return &client, nil
}
