package template

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore implements Store for SQLite databases.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the template table if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS prompt_templates (
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			text TEXT NOT NULL,
			tenant_fields TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			PRIMARY KEY (name, version)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt_templates table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, name, text string, fields map[string]string) (*Template, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM prompt_templates WHERE name = ?`, name).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check template: %w", err)
	}
	if exists > 0 {
		return nil, ErrTemplateExists
	}

	rawFields, err := encodeFields(fields)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO prompt_templates (name, version, text, tenant_fields, created_at) VALUES (?, 1, ?, ?, ?)`,
		name, text, rawFields, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert template: %w", err)
	}

	return &Template{Name: name, Version: 1, Text: text, TenantFields: fields, CreatedAt: now}, nil
}

func (s *SQLiteStore) AddVersion(ctx context.Context, name, text string, fields map[string]string) (*Template, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck
	}()

	var latest sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM prompt_templates WHERE name = ?`, name).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest version: %w", err)
	}
	if !latest.Valid {
		return nil, ErrTemplateNotFound
	}

	rawFields, err := encodeFields(fields)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	version := int(latest.Int64) + 1
	_, err = tx.ExecContext(ctx,
		`INSERT INTO prompt_templates (name, version, text, tenant_fields, created_at) VALUES (?, ?, ?, ?, ?)`,
		name, version, text, rawFields, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert template version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return &Template{Name: name, Version: version, Text: text, TenantFields: fields, CreatedAt: now}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, name string, version int) (*Template, error) {
	var row *sql.Row
	if version <= 0 {
		row = s.db.QueryRowContext(ctx,
			`SELECT name, version, text, tenant_fields, created_at FROM prompt_templates
			 WHERE name = ? ORDER BY version DESC LIMIT 1`, name)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT name, version, text, tenant_fields, created_at FROM prompt_templates
			 WHERE name = ? AND version = ?`, name, version)
	}

	var t Template
	var rawFields string
	if err := row.Scan(&t.Name, &t.Version, &t.Text, &rawFields, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLiteStore) List(ctx context.Context) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, MAX(version), MAX(created_at) FROM prompt_templates GROUP BY name ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer func() {
		_ = rows.Close() //nolint:errcheck
	}()

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

func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM prompt_templates WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrTemplateNotFound
	}
	return nil
}
