package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SQLite has a default limit of 999 bindable parameters per query.
const (
	maxSQLiteParams    = 999
	columnsPerEntry    = 21
	maxEntriesPerBatch = maxSQLiteParams / columnsPerEntry
)

// SQLiteStore implements Store for SQLite databases.
type SQLiteStore struct {
	db            *sql.DB
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewSQLiteStore creates the requests table if needed and starts the
// retention cleanup goroutine when retention is configured.
func NewSQLiteStore(db *sql.DB, retentionDays int) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			provider_id TEXT,
			timestamp DATETIME NOT NULL,
			client_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			is_client_key INTEGER NOT NULL DEFAULT 0,
			streamed INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			reasoning_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			template_name TEXT,
			template_version INTEGER,
			input_cost REAL NOT NULL DEFAULT 0,
			output_cost REAL NOT NULL DEFAULT 0,
			total_cost REAL NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_requests_client ON requests(client_id)",
		"CREATE INDEX IF NOT EXISTS idx_requests_model ON requests(model)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &SQLiteStore{
		db:            db,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}

	if retentionDays > 0 {
		go RunCleanupLoop(store.stopCleanup, store.cleanup)
	}

	return store, nil
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	for start := 0; start < len(entries); start += maxEntriesPerBatch {
		end := start + maxEntriesPerBatch
		if end > len(entries) {
			end = len(entries)
		}
		if err := s.writeChunk(ctx, entries[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) writeChunk(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(entries))
	args := make([]any, 0, len(entries)*columnsPerEntry)
	for _, e := range entries {
		placeholders = append(placeholders, "("+strings.TrimSuffix(strings.Repeat("?,", columnsPerEntry), ",")+")")
		args = append(args,
			e.ID, e.RequestID, e.ProviderID, e.Timestamp, e.ClientID,
			e.Provider, e.Model, e.IsClientKey, e.Streamed,
			e.InputTokens, e.OutputTokens, e.ReasoningTokens, e.TotalTokens,
			e.LatencyMs, e.Success, e.ErrorMessage,
			e.TemplateName, e.TemplateVersion,
			e.InputCost, e.OutputCost, e.TotalCost,
		)
	}

	query := `INSERT INTO requests (
		id, request_id, provider_id, timestamp, client_id,
		provider, model, is_client_key, streamed,
		input_tokens, output_tokens, reasoning_tokens, total_tokens,
		latency_ms, success, error_message,
		template_name, template_version,
		input_cost, output_cost, total_cost
	) VALUES ` + strings.Join(placeholders, ",")

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert usage batch: %w", err)
	}
	return nil
}

// Flush is a no-op; writes go straight to the database.
func (s *SQLiteStore) Flush(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine. The shared database connection is
// owned by the storage layer and closed there.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

func (s *SQLiteStore) cleanup() {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	res, err := s.db.Exec(`DELETE FROM requests WHERE timestamp < ?`, cutoff)
	if err != nil {
		slog.Error("usage cleanup failed", "error", err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		slog.Info("usage cleanup removed old entries", "count", n)
	}
}
