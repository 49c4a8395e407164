package dispatch

import (
	"sync"

	"github.com/google/uuid"
)

// chatLocks serializes requests per chat id. Two concurrent calls on the
// same chat must not interleave their history load and message appends;
// calls on different chats never contend.
type chatLocks struct {
	mu    sync.Mutex
	inUse map[uuid.UUID]*chatLock
}

type chatLock struct {
	mu   sync.Mutex
	refs int
}

func newChatLocks() *chatLocks {
	return &chatLocks{inUse: make(map[uuid.UUID]*chatLock)}
}

// lock blocks until the chat's lock is held and returns the unlock func.
// Lock entries are reference counted and removed once unused, so the map
// does not grow with the number of chats ever seen.
func (c *chatLocks) lock(chatID uuid.UUID) func() {
	c.mu.Lock()
	l, ok := c.inUse[chatID]
	if !ok {
		l = &chatLock{}
		c.inUse[chatID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.inUse, chatID)
		}
		c.mu.Unlock()
	}
}
