// Package wire encodes channel events as JSON envelopes.
//
// Every frame is an envelope of the form
//
//	{"type": "message", "context": "room:lobby", "data": {...}}
//
// where data depends on type. Timestamps travel as Unix milliseconds.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kabili207/chatsync-go/core"
	"github.com/kabili207/chatsync-go/event"
)

// ErrUnknownType is returned when a frame carries an unsupported type.
var ErrUnknownType = errors.New("unknown event type")

// Envelope is the outer frame.
type Envelope struct {
	Type    event.Type      `json:"type"`
	Context string          `json:"context,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// MessageRecord is the JSON form of a message. The history API returns the
// same records.
type MessageRecord struct {
	ID        string `json:"id,omitempty"`
	Token     string `json:"token,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Content   string `json:"content"`
	Kind      string `json:"kind,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type rosterData struct {
	Users []core.User `json:"users"`
}

type typingData struct {
	User string `json:"user,omitempty"`
}

type deliveryData struct {
	Token     string `json:"token"`
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type restrictionData struct {
	Until  int64  `json:"until"`
	Reason string `json:"reason,omitempty"`
}

type errorData struct {
	Class   string `json:"class,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// RecordOf converts a message to its JSON form.
func RecordOf(m core.Message) MessageRecord {
	return MessageRecord{
		ID:        m.ServerID,
		Token:     m.Token,
		Sender:    string(m.Sender),
		Recipient: string(m.Recipient),
		Content:   m.Content,
		Kind:      m.Kind.String(),
		Timestamp: millis(m.CreatedAt),
	}
}

// Message converts the record to a delivered message in context c.
func (r MessageRecord) Message(c core.ContextID) core.Message {
	return core.Message{
		ServerID:  r.ID,
		Token:     r.Token,
		Context:   c,
		Sender:    core.UserID(r.Sender),
		Recipient: core.UserID(r.Recipient),
		Content:   r.Content,
		Kind:      core.ParseKind(r.Kind),
		CreatedAt: fromMillis(r.Timestamp),
		Status:    core.StatusDelivered,
	}
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func contextString(c core.ContextID) string {
	if c.IsZero() {
		return ""
	}
	return c.String()
}

func envelope(t event.Type, ctx core.ContextID, data any) ([]byte, error) {
	env := Envelope{Type: t, Context: contextString(ctx)}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Encode serializes an outbound event.
func Encode(ev event.Outbound) ([]byte, error) {
	switch e := ev.(type) {
	case event.Join, event.Leave, event.TypingStart, event.TypingStop, event.Announce:
		return envelope(e.Type(), e.Target(), nil)
	case event.SendMessage:
		return envelope(e.Type(), e.Context, MessageRecord{
			Token:     e.Token,
			Content:   e.Content,
			Kind:      e.Kind.String(),
			Timestamp: millis(e.CreatedAt),
		})
	case event.SendWhisper:
		return envelope(e.Type(), e.Context, MessageRecord{
			Token:     e.Token,
			Recipient: string(e.Recipient),
			Content:   e.Content,
			Kind:      core.KindWhisper.String(),
			Timestamp: millis(e.CreatedAt),
		})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, ev)
	}
}

// Decode parses an inbound frame.
func Decode(data []byte) (event.Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	var ctx core.ContextID
	if env.Context != "" {
		var err error
		if ctx, err = core.ParseContextID(env.Context); err != nil {
			return nil, err
		}
	}

	switch env.Type {
	case event.TypeMessage:
		var d MessageRecord
		if err := unmarshalData(env, &d); err != nil {
			return nil, err
		}
		return event.MessageReceived{Message: d.Message(ctx)}, nil
	case event.TypeRoster:
		var d rosterData
		if err := unmarshalData(env, &d); err != nil {
			return nil, err
		}
		return event.RosterUpdate{Context: ctx, Users: d.Users}, nil
	case event.TypeTypingStart, event.TypeTypingStop:
		var d typingData
		if err := unmarshalData(env, &d); err != nil {
			return nil, err
		}
		if env.Type == event.TypeTypingStart {
			return event.UserTyping{Context: ctx, User: core.UserID(d.User)}, nil
		}
		return event.UserStoppedTyping{Context: ctx, User: core.UserID(d.User)}, nil
	case event.TypeDeliveryConfirmed:
		var d deliveryData
		if err := unmarshalData(env, &d); err != nil {
			return nil, err
		}
		return event.DeliveryConfirmed{
			Context:   ctx,
			Token:     d.Token,
			ServerID:  d.ID,
			CreatedAt: fromMillis(d.Timestamp),
		}, nil
	case event.TypeDeliveryFailed:
		var d deliveryData
		if err := unmarshalData(env, &d); err != nil {
			return nil, err
		}
		return event.DeliveryFailed{Context: ctx, Token: d.Token, Reason: d.Reason}, nil
	case event.TypeRestrictionApplied:
		var d restrictionData
		if err := unmarshalData(env, &d); err != nil {
			return nil, err
		}
		return event.RestrictionApplied{Context: ctx, Until: fromMillis(d.Until), Reason: d.Reason}, nil
	case event.TypeError:
		var d errorData
		if err := unmarshalData(env, &d); err != nil {
			return nil, err
		}
		class := event.ErrorClass(d.Class)
		if class == "" {
			class = event.ErrorGeneral
		}
		return event.ServerError{Context: ctx, Class: class, Code: d.Code, Message: d.Message}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func unmarshalData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decoding %s data: %w", env.Type, err)
	}
	return nil
}

// EncodeInbound serializes a server-side event. Servers and test fixtures
// use it to produce frames that Decode accepts.
func EncodeInbound(ev event.Inbound) ([]byte, error) {
	switch e := ev.(type) {
	case event.MessageReceived:
		m := e.Message
		return envelope(e.Type(), m.Context, RecordOf(m))
	case event.RosterUpdate:
		return envelope(e.Type(), e.Context, rosterData{Users: e.Users})
	case event.UserTyping:
		return envelope(e.Type(), e.Context, typingData{User: string(e.User)})
	case event.UserStoppedTyping:
		return envelope(e.Type(), e.Context, typingData{User: string(e.User)})
	case event.DeliveryConfirmed:
		return envelope(e.Type(), e.Context, deliveryData{Token: e.Token, ID: e.ServerID, Timestamp: millis(e.CreatedAt)})
	case event.DeliveryFailed:
		return envelope(e.Type(), e.Context, deliveryData{Token: e.Token, Reason: e.Reason})
	case event.RestrictionApplied:
		return envelope(e.Type(), e.Context, restrictionData{Until: millis(e.Until), Reason: e.Reason})
	case event.ServerError:
		return envelope(e.Type(), e.Context, errorData{Class: string(e.Class), Code: e.Code, Message: e.Message})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, ev)
	}
}

// DecodeOutbound parses a client frame. It is the server-side counterpart
// of Encode.
func DecodeOutbound(data []byte) (event.Outbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	ctx, err := core.ParseContextID(env.Context)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case event.TypeJoin:
		return event.Join{Context: ctx}, nil
	case event.TypeLeave:
		return event.Leave{Context: ctx}, nil
	case event.TypeTypingStart:
		return event.TypingStart{Context: ctx}, nil
	case event.TypeTypingStop:
		return event.TypingStop{Context: ctx}, nil
	case event.TypeAnnounce:
		return event.Announce{Context: ctx}, nil
	case event.TypeSendMessage, event.TypeSendWhisper:
		var d MessageRecord
		if err := unmarshalData(env, &d); err != nil {
			return nil, err
		}
		if env.Type == event.TypeSendWhisper {
			return event.SendWhisper{
				Context:   ctx,
				Token:     d.Token,
				Recipient: core.UserID(d.Recipient),
				Content:   d.Content,
				CreatedAt: fromMillis(d.Timestamp),
			}, nil
		}
		return event.SendMessage{
			Context:   ctx,
			Token:     d.Token,
			Content:   d.Content,
			Kind:      core.ParseKind(d.Kind),
			CreatedAt: fromMillis(d.Timestamp),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
