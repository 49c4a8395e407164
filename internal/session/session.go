// Package session persists chats and their ordered messages. Message
// indices per chat form a gapless sequence starting at 0; the dispatcher
// serializes appends per chat and the unique (chat_id, idx) constraint
// backstops that ordering at the storage layer.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"unigate/internal/core"
	"unigate/internal/storage"
)

// ErrChatNotFound is returned when a chat id does not exist.
var ErrChatNotFound = errors.New("chat not found")

// Chat is one persisted conversation, owned by exactly one client.
type Chat struct {
	ID        uuid.UUID `json:"id"`
	ClientID  uuid.UUID `json:"client_id"`
	CreatedAt time.Time `json:"created_at"`
}

// StoredMessage is one persisted conversation turn. Content is immutable
// once written.
type StoredMessage struct {
	ChatID    uuid.UUID `json:"chat_id"`
	Idx       int       `json:"idx"`
	Role      core.Role `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists chats and messages. AppendMessage computes the next index
// as max+1 (0 for the first message); callers that need gapless ordering
// under concurrency must hold the per-chat lock across load and append.
type Store interface {
	// CreateChat inserts a new empty chat for the client.
	CreateChat(ctx context.Context, clientID uuid.UUID) (*Chat, error)

	// GetChat fetches a chat by id. Fails with ErrChatNotFound.
	GetChat(ctx context.Context, chatID uuid.UUID) (*Chat, error)

	// DeleteChat removes a chat and cascades to its messages.
	DeleteChat(ctx context.Context, chatID uuid.UUID) error

	// Messages returns all messages of a chat ordered by index.
	Messages(ctx context.Context, chatID uuid.UUID) ([]StoredMessage, error)

	// AppendMessage writes the next message and returns its index.
	AppendMessage(ctx context.Context, chatID uuid.UUID, role core.Role, content string) (int, error)

	// ListChats returns all chats of a client, newest first.
	ListChats(ctx context.Context, clientID uuid.UUID) ([]Chat, error)
}

// NewStore creates a session store on the shared storage connection.
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
		return nil, fmt.Errorf("session store does not support storage type %s", s.Type())
	}
}
