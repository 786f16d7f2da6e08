// Package core holds the value types shared by every synchronization
// component: conversation context identifiers, users, and messages.
package core

import (
	"errors"
	"fmt"
	"strings"
)

// UserID identifies a user on the chat server.
type UserID string

// ContextKind distinguishes public rooms from the private identity inbox.
type ContextKind uint8

const (
	// ContextRoom is a public room. Rooms carry a presence roster.
	ContextRoom ContextKind = iota + 1
	// ContextPrivate is the identity-scoped private inbox.
	ContextPrivate
)

func (k ContextKind) String() string {
	switch k {
	case ContextRoom:
		return "room"
	case ContextPrivate:
		return "private"
	default:
		return "unknown"
	}
}

// ContextID identifies one conversation context. It is comparable and may be
// used as a map key.
type ContextID struct {
	Kind ContextKind
	ID   string
}

// Room returns the ContextID of a public room.
func Room(id string) ContextID {
	return ContextID{Kind: ContextRoom, ID: id}
}

// Private returns the ContextID of a user's private inbox.
func Private(user UserID) ContextID {
	return ContextID{Kind: ContextPrivate, ID: string(user)}
}

// IsZero returns true if the ID is uninitialized.
func (c ContextID) IsZero() bool {
	return c.Kind == 0 && c.ID == ""
}

// IsRoom returns true for public room contexts.
func (c ContextID) IsRoom() bool {
	return c.Kind == ContextRoom
}

// String returns the "kind:id" form used in logs and wire envelopes.
func (c ContextID) String() string {
	return c.Kind.String() + ":" + c.ID
}

// ParseContextID parses the "kind:id" form produced by String.
func ParseContextID(s string) (ContextID, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return ContextID{}, fmt.Errorf("invalid context id %q", s)
	}
	switch kind {
	case "room":
		return Room(id), nil
	case "private":
		return ContextID{Kind: ContextPrivate, ID: id}, nil
	default:
		return ContextID{}, fmt.Errorf("invalid context kind %q", kind)
	}
}

// ErrInvalidContext is returned when a zero ContextID is used.
var ErrInvalidContext = errors.New("invalid conversation context")

// User is a roster member of a public context.
type User struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}
