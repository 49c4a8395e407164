package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"unigate/internal/core"
)

// SQLiteStore implements Store for SQLite databases.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the chat tables if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (chat_id, idx)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chats_client ON chats(client_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create session tables: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateChat(ctx context.Context, clientID uuid.UUID) (*Chat, error) {
	chat := &Chat{
		ID:        uuid.New(),
		ClientID:  clientID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, client_id, created_at) VALUES (?, ?, ?)`,
		chat.ID.String(), chat.ClientID.String(), chat.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert chat: %w", err)
	}
	return chat, nil
}

func (s *SQLiteStore) GetChat(ctx context.Context, chatID uuid.UUID) (*Chat, error) {
	var chat Chat
	var id, clientID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, created_at FROM chats WHERE id = ?`,
		chatID.String()).Scan(&id, &clientID, &chat.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("failed to read chat: %w", err)
	}

	chat.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid chat id in storage: %w", err)
	}
	chat.ClientID, err = uuid.Parse(clientID)
	if err != nil {
		return nil, fmt.Errorf("invalid client id in storage: %w", err)
	}
	return &chat, nil
}

func (s *SQLiteStore) DeleteChat(ctx context.Context, chatID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck
	}()

	// Explicit cascade; SQLite only honors ON DELETE CASCADE with foreign
	// keys enabled per connection.
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID.String()); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID.String())
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrChatNotFound
	}
	return tx.Commit()
}

func (s *SQLiteStore) Messages(ctx context.Context, chatID uuid.UUID) ([]StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, role, content, created_at FROM messages
		 WHERE chat_id = ? ORDER BY idx`, chatID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	defer func() {
		_ = rows.Close() //nolint:errcheck
	}()

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

func (s *SQLiteStore) AppendMessage(ctx context.Context, chatID uuid.UUID, role core.Role, content string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck
	}()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chats WHERE id = ?`, chatID.String()).Scan(&exists); err != nil {
		return 0, fmt.Errorf("failed to check chat: %w", err)
	}
	if exists == 0 {
		return 0, ErrChatNotFound
	}

	var next sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(idx) FROM messages WHERE chat_id = ?`, chatID.String()).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to read max index: %w", err)
	}
	idx := 0
	if next.Valid {
		idx = int(next.Int64) + 1
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (chat_id, idx, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		chatID.String(), idx, string(role), content, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return idx, nil
}

func (s *SQLiteStore) ListChats(ctx context.Context, clientID uuid.UUID) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at FROM chats WHERE client_id = ? ORDER BY created_at DESC`,
		clientID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer func() {
		_ = rows.Close() //nolint:errcheck
	}()

	var chats []Chat
	for rows.Next() {
		c := Chat{ClientID: clientID}
		var id string
		if err := rows.Scan(&id, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		c.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id in storage: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}
