// Package event defines the typed events exchanged over the channel.
//
// Inbound events are a closed union: every concrete type implements Inbound
// through an unexported marker method, so a type switch over Inbound is the
// single dispatch point for server pushes. Outbound events likewise
// implement Outbound.
package event

import (
	"time"

	"github.com/kabili207/chatsync-go/core"
)

// Type names an event on the wire.
type Type string

// Outbound event types.
const (
	TypeJoin        Type = "join"
	TypeLeave       Type = "leave"
	TypeSendMessage Type = "send_message"
	TypeSendWhisper Type = "send_whisper"
	TypeTypingStart Type = "typing_start"
	TypeTypingStop  Type = "typing_stop"
	TypeAnnounce    Type = "announce"
)

// Inbound event types. Typing start/stop share names with the outbound ones.
const (
	TypeMessage            Type = "message"
	TypeRoster             Type = "roster"
	TypeDeliveryConfirmed  Type = "delivery_confirmed"
	TypeDeliveryFailed     Type = "delivery_failed"
	TypeRestrictionApplied Type = "restriction_applied"
	TypeError              Type = "error"
)

// Outbound is an event the client emits on the channel.
type Outbound interface {
	Type() Type
	Target() core.ContextID
}

// Inbound is an event pushed by the server.
type Inbound interface {
	Type() Type
	// Target returns the context the event applies to. Zero for events that
	// are not scoped to a context.
	Target() core.ContextID
	inbound()
}

// Join asks the server to subscribe the session to a context.
type Join struct{ Context core.ContextID }

// Leave asks the server to unsubscribe the session from a context.
type Leave struct{ Context core.ContextID }

// SendMessage carries an optimistic message tagged with its correlation token.
type SendMessage struct {
	Context   core.ContextID
	Token     string
	Content   string
	Kind      core.Kind
	CreatedAt time.Time
}

// SendWhisper is a private message within a public room.
type SendWhisper struct {
	Context   core.ContextID
	Token     string
	Recipient core.UserID
	Content   string
	CreatedAt time.Time
}

// TypingStart announces that the local user is typing in a context.
type TypingStart struct{ Context core.ContextID }

// TypingStop announces that the local user stopped typing.
type TypingStop struct{ Context core.ContextID }

// Announce re-asserts presence in a room and asks for a fresh roster.
type Announce struct{ Context core.ContextID }

func (e Join) Type() Type { return TypeJoin }
func (e Join) Target() core.ContextID { return e.Context }
func (e Leave) Type() Type { return TypeLeave }
func (e Leave) Target() core.ContextID { return e.Context }
func (e SendMessage) Type() Type { return TypeSendMessage }
func (e SendMessage) Target() core.ContextID { return e.Context }
func (e SendWhisper) Type() Type { return TypeSendWhisper }
func (e SendWhisper) Target() core.ContextID { return e.Context }
func (e TypingStart) Type() Type { return TypeTypingStart }
func (e TypingStart) Target() core.ContextID { return e.Context }
func (e TypingStop) Type() Type { return TypeTypingStop }
func (e TypingStop) Target() core.ContextID { return e.Context }
func (e Announce) Type() Type { return TypeAnnounce }
func (e Announce) Target() core.ContextID { return e.Context }

// MessageReceived is a message broadcast by the server. Token is set when the
// message echoes one of this session's optimistic sends.
type MessageReceived struct {
	Message core.Message
}

// RosterUpdate is a full snapshot of the users present in a room.
type RosterUpdate struct {
	Context core.ContextID
	Users   []core.User
}

// UserTyping reports that a remote user started typing.
type UserTyping struct {
	Context core.ContextID
	User    core.UserID
}

// UserStoppedTyping reports that a remote user stopped typing.
type UserStoppedTyping struct {
	Context core.ContextID
	User    core.UserID
}

// DeliveryConfirmed acknowledges an optimistic send.
type DeliveryConfirmed struct {
	Context   core.ContextID
	Token     string
	ServerID  string
	CreatedAt time.Time
}

// DeliveryFailed rejects an optimistic send.
type DeliveryFailed struct {
	Context core.ContextID
	Token   string
	Reason  string
}

// RestrictionApplied mutes the session until Until. A zero Context applies
// the restriction to every context.
type RestrictionApplied struct {
	Context core.ContextID
	Until   time.Time
	Reason  string
}

// ErrorClass groups server errors by how the client reacts to them.
type ErrorClass string

const (
	ErrorGeneral       ErrorClass = "general"
	ErrorAuthorization ErrorClass = "authorization"
)

// ServerError is a server-pushed error notice.
type ServerError struct {
	Context core.ContextID
	Class   ErrorClass
	Code    string
	Message string
}

func (e MessageReceived) Type() Type { return TypeMessage }
func (e MessageReceived) Target() core.ContextID { return e.Message.Context }
func (MessageReceived) inbound() {}
func (e RosterUpdate) Type() Type { return TypeRoster }
func (e RosterUpdate) Target() core.ContextID { return e.Context }
func (RosterUpdate) inbound() {}
func (e UserTyping) Type() Type { return TypeTypingStart }
func (e UserTyping) Target() core.ContextID { return e.Context }
func (UserTyping) inbound() {}
func (e UserStoppedTyping) Type() Type { return TypeTypingStop }
func (e UserStoppedTyping) Target() core.ContextID { return e.Context }
func (UserStoppedTyping) inbound() {}
func (e DeliveryConfirmed) Type() Type { return TypeDeliveryConfirmed }
func (e DeliveryConfirmed) Target() core.ContextID { return e.Context }
func (DeliveryConfirmed) inbound() {}
func (e DeliveryFailed) Type() Type { return TypeDeliveryFailed }
func (e DeliveryFailed) Target() core.ContextID { return e.Context }
func (DeliveryFailed) inbound() {}
func (e RestrictionApplied) Type() Type { return TypeRestrictionApplied }
func (e RestrictionApplied) Target() core.ContextID { return e.Context }
func (RestrictionApplied) inbound() {}
func (e ServerError) Type() Type { return TypeError }
func (e ServerError) Target() core.ContextID { return e.Context }
func (ServerError) inbound() {}
