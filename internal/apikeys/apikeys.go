// Package apikeys stores per-client provider API keys. A client may bring
// their own key for a provider; dispatch prefers it over the gateway's
// env-configured key and records which one was used.
package apikeys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"unigate/internal/storage"
)

// ErrKeyNotFound is returned when a client has no key stored for a provider.
var ErrKeyNotFound = errors.New("api key not found")

// Key is a stored provider credential. Secret is never serialized.
type Key struct {
	ClientID  uuid.UUID `json:"client_id"`
	Provider  string    `json:"provider"`
	Secret    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Masked returns the secret with all but the last four characters hidden,
// suitable for listings.
func (k Key) Masked() string {
	if len(k.Secret) <= 4 {
		return strings.Repeat("*", len(k.Secret))
	}
	return strings.Repeat("*", 8) + k.Secret[len(k.Secret)-4:]
}

// Store persists per-(client, provider) API keys.
type Store interface {
	// Set inserts or replaces the key for (clientID, provider).
	Set(ctx context.Context, clientID uuid.UUID, provider, secret string) error

	// Get returns the stored secret, or ErrKeyNotFound.
	Get(ctx context.Context, clientID uuid.UUID, provider string) (string, error)

	// Delete removes the key. Returns ErrKeyNotFound if none was stored.
	Delete(ctx context.Context, clientID uuid.UUID, provider string) error

	// List returns all keys for a client, sorted by provider.
	List(ctx context.Context, clientID uuid.UUID) ([]Key, error)
}

// NewStore selects the store implementation for the storage backend.
func NewStore(s storage.Storage) (Store, error) {
	switch s.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(s.SQLiteDB())
	case storage.TypePostgreSQL:
		pool, ok := s.PostgreSQLPool().(*pgxpool.Pool)
		if !ok {
			return nil, fmt.Errorf("invalid PostgreSQL pool type")
		}
		return NewPostgreSQLStore(pool)
	default:
		return nil, fmt.Errorf("api key store does not support storage type %q", s.Type())
	}
}

// Resolver decides which credential a provider call should carry.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the client's own key for the provider when one is stored.
// An empty secret with isClientKey=false means the adapter should use the
// gateway's configured key.
func (r *Resolver) Resolve(ctx context.Context, clientID uuid.UUID, provider string) (secret string, isClientKey bool, err error) {
	if r == nil || r.store == nil {
		return "", false, nil
	}
	secret, err = r.store.Get(ctx, clientID, provider)
	if errors.Is(err, ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve api key: %w", err)
	}
	return secret, true, nil
}
