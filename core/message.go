package core

import "time"

// Kind is the content kind of a Message.
type Kind uint8

const (
	KindText Kind = iota
	KindImage
	KindWhisper
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindWhisper:
		return "whisper"
	case KindSystem:
		return "system"
	default:
		return "unknown"
	}
}

// ParseKind maps a wire name back to a Kind. Unknown names map to KindText.
func ParseKind(s string) Kind {
	switch s {
	case "image":
		return KindImage
	case "whisper":
		return KindWhisper
	case "system":
		return KindSystem
	default:
		return KindText
	}
}

// Status is the delivery status of a Message.
type Status uint8

const (
	StatusSending Status = iota
	StatusDelivered
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is one timeline entry. ServerID is empty until the server confirms
// the message; Token is empty for messages that did not originate locally.
type Message struct {
	ServerID  string
	Token     string
	Context   ContextID
	Sender    UserID
	Recipient UserID
	Content   string
	Kind      Kind
	CreatedAt time.Time
	Status    Status
}

// Confirmed returns true once the server has assigned an identifier.
func (m *Message) Confirmed() bool {
	return m.ServerID != ""
}

// Pending returns true for local entries that still await confirmation,
// including those marked failed.
func (m *Message) Pending() bool {
	return m.ServerID == "" && m.Status != StatusDelivered
}

// Draft is the user's intent to send a message.
type Draft struct {
	Content   string
	Kind      Kind
	Recipient UserID
}
