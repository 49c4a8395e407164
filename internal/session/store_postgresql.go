package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"unigate/internal/core"
)

// PostgreSQLStore implements Store for PostgreSQL databases.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates the chat tables if needed.
func NewPostgreSQLStore(pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool is required")
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id UUID PRIMARY KEY,
			client_id UUID NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			chat_id UUID NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (chat_id, idx)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chats_client ON chats(client_id)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(context.Background(), stmt); err != nil {
			return nil, fmt.Errorf("failed to create session tables: %w", err)
		}
	}

	return &PostgreSQLStore{pool: pool}, nil
}

func (s *PostgreSQLStore) CreateChat(ctx context.Context, clientID uuid.UUID) (*Chat, error) {
	chat := &Chat{
		ID:        uuid.New(),
		ClientID:  clientID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chats (id, client_id, created_at) VALUES ($1, $2, $3)`,
		chat.ID, chat.ClientID, chat.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert chat: %w", err)
	}
	return chat, nil
}

func (s *PostgreSQLStore) GetChat(ctx context.Context, chatID uuid.UUID) (*Chat, error) {
	var chat Chat
	err := s.pool.QueryRow(ctx,
		`SELECT id, client_id, created_at FROM chats WHERE id = $1`,
		chatID).Scan(&chat.ID, &chat.ClientID, &chat.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("failed to read chat: %w", err)
	}
	return &chat, nil
}

func (s *PostgreSQLStore) DeleteChat(ctx context.Context, chatID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chats WHERE id = $1`, chatID)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChatNotFound
	}
	return nil
}

func (s *PostgreSQLStore) Messages(ctx context.Context, chatID uuid.UUID) ([]StoredMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT idx, role, content, created_at FROM messages
		 WHERE chat_id = $1 ORDER BY idx`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	defer rows.Close()

	var msgs []StoredMessage
	for rows.Next() {
		m := StoredMessage{ChatID: chatID}
		var role string
		if err := rows.Scan(&m.Idx, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = core.Role(role)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *PostgreSQLStore) AppendMessage(ctx context.Context, chatID uuid.UUID, role core.Role, content string) (int, error) {
	var idx int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (chat_id, idx, role, content, created_at)
		SELECT $1, COALESCE(MAX(idx) + 1, 0), $2, $3, $4
		FROM messages WHERE chat_id = $1
		RETURNING idx`,
		chatID, string(role), content, time.Now().UTC()).Scan(&idx)
	if err != nil {
		// A missing chat surfaces as a foreign key violation.
		if isForeignKeyViolation(err) {
			return 0, ErrChatNotFound
		}
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	return idx, nil
}

func (s *PostgreSQLStore) ListChats(ctx context.Context, clientID uuid.UUID) ([]Chat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, created_at FROM chats WHERE client_id = $1 ORDER BY created_at DESC`,
		clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		c := Chat{ClientID: clientID}
		if err := rows.Scan(&c.ID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
