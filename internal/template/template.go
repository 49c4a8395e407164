// Package template provides versioned prompt template storage and
// rendering. Editing a template never rewrites an existing row: each edit
// inserts a new version, so a request pinned to an older version keeps
// resolving the exact text it was written against.
package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"unigate/internal/storage"
)

// ErrTemplateExists is returned by Create when the name is already taken.
var ErrTemplateExists = errors.New("template already exists")

// ErrTemplateNotFound is returned when a name or pinned version does not
// exist. The dispatcher maps it onto the gateway error taxonomy.
var ErrTemplateNotFound = errors.New("template not found")

// Template is one immutable version of a stored prompt template.
type Template struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Text    string `json:"text"`

	// TenantFields declares the template's variable slots: slot name to
	// default value. An empty default means the caller must supply the
	// variable. Slots are versioned together with the text.
	TenantFields map[string]string `json:"tenant_fields,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Info summarizes a template for listings.
type Info struct {
	Name          string    `json:"name"`
	LatestVersion int       `json:"latest_version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store persists template versions. Implementations must be safe for
// concurrent use.
type Store interface {
	// Create inserts version 1 of a new template. Fails with
	// ErrTemplateExists when the name is taken.
	Create(ctx context.Context, name, text string, fields map[string]string) (*Template, error)

	// AddVersion inserts the next version of an existing template. Fails
	// with ErrTemplateNotFound when the name is unknown.
	AddVersion(ctx context.Context, name, text string, fields map[string]string) (*Template, error)

	// Get fetches one version. A version <= 0 means the latest.
	Get(ctx context.Context, name string, version int) (*Template, error)

	// List returns all template names with their latest version.
	List(ctx context.Context) ([]Info, error)

	// Delete removes a template and all its versions. Fails with
	// ErrTemplateNotFound when the name is unknown.
	Delete(ctx context.Context, name string) error
}

// encodeFields serializes the tenant field declarations for storage.
func encodeFields(fields map[string]string) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode tenant fields: %w", err)
	}
	return string(raw), nil
}

// decodeFields parses a stored tenant field column. Empty and "{}" both
// come back as nil.
func decodeFields(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("failed to decode tenant fields: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

// NewStore creates a template store on the shared storage connection.
// Templates are relational (name, version) rows; the mongo backend is not
// supported for them.
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
		return nil, fmt.Errorf("template store does not support storage type %s", s.Type())
	}
}
