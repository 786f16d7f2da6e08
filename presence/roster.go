// Package presence tracks who is in a room and who is typing.
//
// All state here is ephemeral and derived from inbound events plus local
// timers. Rosters are replaced wholesale by every snapshot; partial deltas
// are never applied because they are not guaranteed to arrive.
package presence

import (
	"slices"
	"sync"

	"github.com/kabili207/chatsync-go/core"
	"github.com/kabili207/chatsync-go/event"
)

// Emitter sends outbound events on the channel.
type Emitter interface {
	Send(ev event.Outbound) error
}

// Roster holds the latest presence snapshot for each room.
type Roster struct {
	mu   sync.RWMutex
	sets map[core.ContextID][]core.User
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{sets: make(map[core.ContextID][]core.User)}
}

// Apply replaces the presence set of c with users. Duplicate user ids keep
// their first occurrence. Returns false if the set did not change.
func (r *Roster) Apply(c core.ContextID, users []core.User) bool {
	set := make([]core.User, 0, len(users))
	seen := make(map[core.UserID]struct{}, len(users))
	for _, u := range users {
		if _, dup := seen[u.ID]; dup {
			continue
		}
		seen[u.ID] = struct{}{}
		set = append(set, u)
	}
	slices.SortFunc(set, func(a, b core.User) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.sets[c]
	r.sets[c] = set
	return !ok || !slices.Equal(old, set)
}

// Users returns the present users of c sorted by id.
func (r *Roster) Users(c core.ContextID) []core.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.sets[c])
}

// Contains reports whether id is present in c.
func (r *Roster) Contains(c core.ContextID, id core.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.ContainsFunc(r.sets[c], func(u core.User) bool { return u.ID == id })
}

// Remove forgets the roster of c.
func (r *Roster) Remove(c core.ContextID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sets, c)
}

// Clear forgets every roster.
func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.sets)
}
