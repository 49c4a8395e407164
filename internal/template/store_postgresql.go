package template

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore implements Store for PostgreSQL databases.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates the template table if needed.
func NewPostgreSQLStore(pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool is required")
	}

	_, err := pool.Exec(context.Background(), `
		CREATE TABLE IF NOT EXISTS prompt_templates (
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			text TEXT NOT NULL,
			tenant_fields JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (name, version)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt_templates table: %w", err)
	}

	return &PostgreSQLStore{pool: pool}, nil
}

func (s *PostgreSQLStore) Create(ctx context.Context, name, text string, fields map[string]string) (*Template, error) {
	rawFields, err := encodeFields(fields)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	// ON CONFLICT DO NOTHING turns a racing duplicate into zero rows.
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO prompt_templates (name, version, text, tenant_fields, created_at)
		SELECT $1, 1, $2, $3, $4
		WHERE NOT EXISTS (SELECT 1 FROM prompt_templates WHERE name = $1)
		ON CONFLICT DO NOTHING`,
		name, text, rawFields, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrTemplateExists
	}

	return &Template{Name: name, Version: 1, Text: text, TenantFields: fields, CreatedAt: now}, nil
}

func (s *PostgreSQLStore) AddVersion(ctx context.Context, name, text string, fields map[string]string) (*Template, error) {
	rawFields, err := encodeFields(fields)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	var version int
	err = s.pool.QueryRow(ctx, `
		INSERT INTO prompt_templates (name, version, text, tenant_fields, created_at)
		SELECT $1, MAX(version) + 1, $2, $3, $4
		FROM prompt_templates WHERE name = $1
		GROUP BY name
		RETURNING version`,
		name, text, rawFields, now).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to insert template version: %w", err)
	}

	return &Template{Name: name, Version: version, Text: text, TenantFields: fields, CreatedAt: now}, nil
}

func (s *PostgreSQLStore) Get(ctx context.Context, name string, version int) (*Template, error) {
	var row pgx.Row
	if version <= 0 {
		row = s.pool.QueryRow(ctx, `
			SELECT name, version, text, tenant_fields::text, created_at FROM prompt_templates
			WHERE name = $1 ORDER BY version DESC LIMIT 1`, name)
	} else {
		row = s.pool.QueryRow(ctx, `
			SELECT name, version, text, tenant_fields::text, created_at FROM prompt_templates
			WHERE name = $1 AND version = $2`, name, version)
	}

	var t Template
	var rawFields string
	if err := row.Scan(&t.Name, &t.Version, &t.Text, &rawFields, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to read template: %w", err)
	}

	fields, err := decodeFields(rawFields)
	if err != nil {
		return nil, err
	}
	t.TenantFields = fields
	return &t, nil
}

func (s *PostgreSQLStore) List(ctx context.Context) ([]Info, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, MAX(version), MAX(created_at) FROM prompt_templates
		GROUP BY name ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		var info Info
		if err := rows.Scan(&info.Name, &info.LatestVersion, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan template row: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *PostgreSQLStore) Delete(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM prompt_templates WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTemplateNotFound
	}
	return nil
}
