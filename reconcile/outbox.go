package reconcile

import (
	"slices"
	"sync"
	"time"

	"github.com/kabili207/chatsync-go/core"
	"github.com/kabili207/chatsync-go/event"
)

// Outbox is a FIFO queue of message sends made while the channel was not
// connected. It is flushed in order once the session reconnects.
type Outbox struct {
	mu    sync.Mutex
	items []outboxItem
}

type outboxItem struct {
	ev       event.Outbound
	token    string
	queuedAt time.Time
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{}
}

// Push appends a send to the back of the queue.
func (q *Outbox) Push(ev event.Outbound, token string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, outboxItem{ev: ev, token: token, queuedAt: time.Now()})
}

// PushFront puts a send back at the head of the queue, e.g. when a flush
// was interrupted by another disconnect.
func (q *Outbox) PushFront(ev event.Outbound, token string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = slices.Insert(q.items, 0, outboxItem{ev: ev, token: token, queuedAt: time.Now()})
}

// Pop removes and returns the oldest send, or false if the queue is empty.
func (q *Outbox) Pop() (event.Outbound, string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, "", false
	}
	it := q.items[0]
	q.items = slices.Delete(q.items, 0, 1)
	return it.ev, it.token, true
}

// Remove drops the queued send carrying token. Returns true if one was found.
func (q *Outbox) Remove(token string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = slices.DeleteFunc(q.items, func(it outboxItem) bool {
		return it.token == token
	})
	return len(q.items) != n
}

// RemoveContext drops every queued send targeting c and returns their tokens.
func (q *Outbox) RemoveContext(c core.ContextID) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var tokens []string
	q.items = slices.DeleteFunc(q.items, func(it outboxItem) bool {
		if it.ev.Target() != c {
			return false
		}
		tokens = append(tokens, it.token)
		return true
	})
	return tokens
}

// Contains reports whether a send with token is queued.
func (q *Outbox) Contains(token string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.ContainsFunc(q.items, func(it outboxItem) bool {
		return it.token == token
	})
}

// Len returns the number of queued sends.
func (q *Outbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Oldest returns the time the oldest queued send was queued.
func (q *Outbox) Oldest() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].queuedAt, true
}
