package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore implements Store for PostgreSQL databases.
type PostgreSQLStore struct {
	pool          *pgxpool.Pool
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewPostgreSQLStore creates the requests table if needed and starts the
// retention cleanup goroutine when retention is configured.
func NewPostgreSQLStore(pool *pgxpool.Pool, retentionDays int) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool is required")
	}

	_, err := pool.Exec(context.Background(), `
		CREATE TABLE IF NOT EXISTS requests (
			id UUID PRIMARY KEY,
			request_id TEXT NOT NULL,
			provider_id TEXT,
			timestamp TIMESTAMPTZ NOT NULL,
			client_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			is_client_key BOOLEAN NOT NULL DEFAULT FALSE,
			streamed BOOLEAN NOT NULL DEFAULT FALSE,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			reasoning_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			success BOOLEAN NOT NULL DEFAULT FALSE,
			error_message TEXT,
			template_name TEXT,
			template_version INTEGER,
			input_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			output_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_cost DOUBLE PRECISION NOT NULL DEFAULT 0
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
		if _, err := pool.Exec(context.Background(), idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &PostgreSQLStore{
		pool:          pool,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}

	if retentionDays > 0 {
		go RunCleanupLoop(store.stopCleanup, store.cleanup)
	}

	return store, nil
}

func (s *PostgreSQLStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO requests (
				id, request_id, provider_id, timestamp, client_id,
				provider, model, is_client_key, streamed,
				input_tokens, output_tokens, reasoning_tokens, total_tokens,
				latency_ms, success, error_message,
				template_name, template_version,
				input_cost, output_cost, total_cost
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
			e.ID, e.RequestID, e.ProviderID, e.Timestamp, e.ClientID,
			e.Provider, e.Model, e.IsClientKey, e.Streamed,
			e.InputTokens, e.OutputTokens, e.ReasoningTokens, e.TotalTokens,
			e.LatencyMs, e.Success, e.ErrorMessage,
			e.TemplateName, e.TemplateVersion,
			e.InputCost, e.OutputCost, e.TotalCost,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer func() {
		_ = results.Close() //nolint:errcheck
	}()

	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert usage batch: %w", err)
		}
	}
	return nil
}

// Flush is a no-op; writes go straight to the database.
func (s *PostgreSQLStore) Flush(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine. The shared pool is owned by the
// storage layer.
func (s *PostgreSQLStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

func (s *PostgreSQLStore) cleanup() {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	tag, err := s.pool.Exec(context.Background(),
		`DELETE FROM requests WHERE timestamp < $1`, cutoff)
	if err != nil {
		slog.Error("usage cleanup failed", "error", err)
		return
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info("usage cleanup removed old entries", "count", n)
	}
}
