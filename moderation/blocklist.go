package moderation

import (
	"slices"
	"sync"

	"github.com/kabili207/chatsync-go/core"
)

// BlockList is the set of senders the user has chosen to ignore. Blocked
// senders are hidden from display only; the reconciled timeline keeps
// their messages.
type BlockList struct {
	mu    sync.RWMutex
	users map[core.UserID]struct{}
}

// NewBlockList creates a block list holding ids.
func NewBlockList(ids ...core.UserID) *BlockList {
	b := &BlockList{users: make(map[core.UserID]struct{})}
	for _, id := range ids {
		b.users[id] = struct{}{}
	}
	return b
}

// Set replaces the whole list.
func (b *BlockList) Set(ids []core.UserID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.users)
	for _, id := range ids {
		b.users[id] = struct{}{}
	}
}

func (b *BlockList) Block(id core.UserID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[id] = struct{}{}
}

func (b *BlockList) Unblock(id core.UserID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.users, id)
}

func (b *BlockList) IsBlocked(id core.UserID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.users[id]
	return ok
}

// List returns the blocked ids in sorted order.
func (b *BlockList) List() []core.UserID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]core.UserID, 0, len(b.users))
	for id := range b.users {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Filter returns the messages whose sender is not blocked.
func (b *BlockList) Filter(msgs []core.Message) []core.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.users) == 0 {
		return msgs
	}
	out := make([]core.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := b.users[m.Sender]; !ok {
			out = append(out, m)
		}
	}
	return out
}

// FilterUsers returns the users that are not blocked.
func (b *BlockList) FilterUsers(users []core.User) []core.User {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.users) == 0 {
		return users
	}
	out := make([]core.User, 0, len(users))
	for _, u := range users {
		if _, ok := b.users[u.ID]; !ok {
			out = append(out, u)
		}
	}
	return out
}
