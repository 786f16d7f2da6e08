// Package transport defines the bidirectional event channel consumed by the
// synchronization core, and implementations over WebSocket and MQTT.
package transport

import (
	"context"
	"errors"

	"github.com/kabili207/chatsync-go/auth"
	"github.com/kabili207/chatsync-go/event"
)

var (
	// ErrNotConnected is returned by Send when the channel is down.
	ErrNotConnected = errors.New("channel not connected")

	// ErrUnauthorized is returned (wrapped) by Connect when the server
	// rejects the credential. It is the authorization-class failure signal.
	ErrUnauthorized = errors.New("channel rejected credential")
)

// Channel is the base interface for all channel implementations.
type Channel interface {
	// Connect establishes the connection using cred and blocks until the
	// server has accepted it, the context ends, or an error occurs.
	Connect(ctx context.Context, cred auth.Credential) error
	// Close tears the connection down. No EventDisconnected is fired for a
	// Close initiated by the caller.
	Close() error
	// IsConnected returns true if the channel is currently connected.
	IsConnected() bool
	// SetEventHandler sets the callback for inbound events.
	SetEventHandler(fn EventHandler)
	// SetStateHandler sets the callback for connection state changes.
	SetStateHandler(fn StateHandler)
	// Send encodes and transmits an outbound event.
	Send(ev event.Outbound) error
}

// EventHandler is called for every decoded inbound event.
type EventHandler func(ev event.Inbound)

// StateHandler is called when the channel state changes. err carries the
// cause of an EventDisconnected or EventError.
type StateHandler func(ch Channel, ev Event, err error)

// Event represents channel state change events.
type Event int

const (
	// EventConnected is fired when the channel connects.
	EventConnected Event = iota
	// EventDisconnected is fired when the connection drops unexpectedly.
	EventDisconnected
	// EventError is fired when an error occurs that does not drop the
	// connection, such as an undecodable frame.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// IsUnauthorized reports whether err is an authorization-class failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, auth.ErrExpired)
}
