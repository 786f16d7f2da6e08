// Package timeline stores the ordered message list of one conversation
// context.
//
// Entries are ordered by creation time; entries with equal creation time
// keep insertion order. A Timeline is bounded: once it holds MaxEntries,
// inserting trims the oldest entries. A Timeline is not safe for concurrent
// use; the reconciliation engine serializes access.
package timeline

import (
	"slices"
	"time"

	"github.com/kabili207/chatsync-go/core"
)

// DefaultMaxEntries is the default capacity of a timeline.
const DefaultMaxEntries = 500

// Timeline is an ordered, bounded list of messages.
type Timeline struct {
	entries    []core.Message
	maxEntries int
}

// New creates an empty timeline holding at most maxEntries messages.
// If maxEntries is 0, DefaultMaxEntries is used.
func New(maxEntries int) *Timeline {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Timeline{maxEntries: maxEntries}
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	return len(t.entries)
}

// At returns the entry at index i.
func (t *Timeline) At(i int) core.Message {
	return t.entries[i]
}

// Last returns the newest entry, or false if the timeline is empty.
func (t *Timeline) Last() (core.Message, bool) {
	if len(t.entries) == 0 {
		return core.Message{}, false
	}
	return t.entries[len(t.entries)-1], true
}

// Insert adds m after every entry whose creation time is not after m's and
// returns its index. The oldest entries are trimmed if the timeline is over
// capacity, which shifts the returned index accordingly.
func (t *Timeline) Insert(m core.Message) int {
	i := len(t.entries)
	for i > 0 && t.entries[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	t.entries = slices.Insert(t.entries, i, m)

	if over := len(t.entries) - t.maxEntries; over > 0 {
		t.entries = slices.Delete(t.entries, 0, over)
		i -= over
	}
	return i
}

// Set replaces the entry at index i in place.
func (t *Timeline) Set(i int, m core.Message) {
	t.entries[i] = m
}

// Update replaces the entry at index i and moves it if its new creation
// time no longer fits between its neighbours. It returns the new index.
func (t *Timeline) Update(i int, m core.Message) int {
	before := i > 0 && t.entries[i-1].CreatedAt.After(m.CreatedAt)
	after := i < len(t.entries)-1 && t.entries[i+1].CreatedAt.Before(m.CreatedAt)
	if !before && !after {
		t.entries[i] = m
		return i
	}
	t.entries = slices.Delete(t.entries, i, i+1)
	return t.Insert(m)
}

// IndexOfToken returns the index of the entry carrying the correlation
// token, or -1.
func (t *Timeline) IndexOfToken(token string) int {
	if token == "" {
		return -1
	}
	return slices.IndexFunc(t.entries, func(m core.Message) bool {
		return m.Token == token
	})
}

// IndexOfServerID returns the index of the entry with the server id, or -1.
func (t *Timeline) IndexOfServerID(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(t.entries, func(m core.Message) bool {
		return m.ServerID == id
	})
}

// IndexOfDuplicate returns the index of the oldest unconfirmed local entry
// from sender with identical content whose creation time lies within window
// of at, or -1.
func (t *Timeline) IndexOfDuplicate(sender core.UserID, content string, at time.Time, window time.Duration) int {
	return slices.IndexFunc(t.entries, func(m core.Message) bool {
		if !unconfirmedLocal(m) || m.Sender != sender || m.Content != content {
			return false
		}
		d := m.CreatedAt.Sub(at)
		return d >= -window && d <= window
	})
}

// RemoveToken deletes the entry with the correlation token. It returns the
// removed entry and true if one was found.
func (t *Timeline) RemoveToken(token string) (core.Message, bool) {
	i := t.IndexOfToken(token)
	if i < 0 {
		return core.Message{}, false
	}
	m := t.entries[i]
	t.entries = slices.Delete(t.entries, i, i+1)
	return m, true
}

// Replace discards every entry and loads msgs, ordered by creation time
// (stable for equal times). Only the newest MaxEntries are kept.
func (t *Timeline) Replace(msgs []core.Message) {
	entries := slices.Clone(msgs)
	slices.SortStableFunc(entries, func(a, b core.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if over := len(entries) - t.maxEntries; over > 0 {
		entries = entries[over:]
	}
	t.entries = entries
}

// unconfirmedLocal reports whether m was originated locally and has no
// server id yet. Server-pushed entries without an id never qualify.
func unconfirmedLocal(m core.Message) bool {
	return m.Token != "" && !m.Confirmed()
}

// Pending returns copies of the local entries that are not server-confirmed.
func (t *Timeline) Pending() []core.Message {
	var out []core.Message
	for _, m := range t.entries {
		if unconfirmedLocal(m) {
			out = append(out, m)
		}
	}
	return out
}

// Snapshot returns a copy of all entries in display order.
func (t *Timeline) Snapshot() []core.Message {
	return slices.Clone(t.entries)
}
