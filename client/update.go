package client

import (
	"time"

	"github.com/kabili207/chatsync-go/core"
	"github.com/kabili207/chatsync-go/moderation"
	"github.com/kabili207/chatsync-go/session"
)

// Update is one item of the client's update stream. The concrete types are
// the closed set below; consumers type-switch on them.
type Update interface {
	update()
}

// TimelineChanged carries the display timeline of a context after any
// change. Messages from blocked users are already filtered out.
type TimelineChanged struct {
	Context  core.ContextID
	Messages []core.Message
}

// PresenceChanged carries the new roster of a room.
type PresenceChanged struct {
	Context core.ContextID
	Users   []core.User
}

// TypingChanged carries the users currently typing in a context.
type TypingChanged struct {
	Context core.ContextID
	Users   []core.UserID
}

// ConnectionChanged reports a session state transition.
type ConnectionChanged struct {
	From    session.State
	State   session.State
	Err     error
	Attempt int
}

// ContextsChanged reports the joined set and the active context.
type ContextsChanged struct {
	Joined []core.ContextID
	Active core.ContextID
}

// SyncingChanged is emitted when a history refetch of a context starts and
// when it ends.
type SyncingChanged struct {
	Context core.ContextID
	Syncing bool
	Err     error
}

// NoticeRaised is a transient banner. It is followed by NoticeExpired.
type NoticeRaised struct {
	Notice moderation.Notice
}

type NoticeExpired struct {
	Notice moderation.Notice
}

// RestrictionChanged reports a mute. A zero Until means the restriction was
// lifted; a zero Context means it applies everywhere.
type RestrictionChanged struct {
	Context core.ContextID
	Until   time.Time
}

// LoggedOut is the last update of a session. Err is nil for a user logout
// and carries the cause of a forced one.
type LoggedOut struct {
	Err error
}

func (TimelineChanged) update()    {}
func (PresenceChanged) update()    {}
func (TypingChanged) update()      {}
func (ConnectionChanged) update()  {}
func (ContextsChanged) update()    {}
func (SyncingChanged) update()     {}
func (NoticeRaised) update()       {}
func (NoticeExpired) update()      {}
func (RestrictionChanged) update() {}
func (LoggedOut) update()          {}
