package wire

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kabili207/chatsync-go/core"
	"github.com/kabili207/chatsync-go/event"
)

var lobby = core.Room("lobby")

func TestEncode_SendMessage(t *testing.T) {
	ts := time.UnixMilli(1714564800123)
	data, err := Encode(event.SendMessage{
		Context:   lobby,
		Token:     "t1",
		Content:   "hi",
		Kind:      core.KindText,
		CreatedAt: ts,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var env struct {
		Type    string         `json:"type"`
		Context string         `json:"context"`
		Data    map[string]any `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != "send_message" {
		t.Errorf("type = %q, want send_message", env.Type)
	}
	if env.Context != "room:lobby" {
		t.Errorf("context = %q, want room:lobby", env.Context)
	}
	if env.Data["token"] != "t1" || env.Data["content"] != "hi" {
		t.Errorf("data = %v", env.Data)
	}
	if env.Data["timestamp"].(float64) != 1714564800123 {
		t.Errorf("timestamp = %v, want millis", env.Data["timestamp"])
	}
}

func TestEncode_JoinHasNoData(t *testing.T) {
	data, err := Encode(event.Join{Context: core.Private("alice")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(data) != `{"type":"join","context":"private:alice"}` {
		t.Errorf("frame = %s", data)
	}
}

func TestDecode_Message(t *testing.T) {
	frame := `{"type":"message","context":"room:lobby","data":{"id":"m1","token":"t1","sender":"alice","content":"hi","kind":"text","timestamp":1000}}`
	ev, err := Decode([]byte(frame))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	mr, ok := ev.(event.MessageReceived)
	if !ok {
		t.Fatalf("decoded %T, want MessageReceived", ev)
	}
	m := mr.Message
	if m.ServerID != "m1" || m.Token != "t1" || m.Sender != "alice" || m.Content != "hi" {
		t.Errorf("message = %+v", m)
	}
	if m.Context != lobby {
		t.Errorf("context = %v, want %v", m.Context, lobby)
	}
	if !m.CreatedAt.Equal(time.UnixMilli(1000)) {
		t.Errorf("CreatedAt = %v", m.CreatedAt)
	}
	if m.Status != core.StatusDelivered {
		t.Errorf("Status = %v, want delivered", m.Status)
	}
}

func TestDecode_ErrorDefaultsToGeneral(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"error","data":{"message":"slow down"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	se := ev.(event.ServerError)
	if se.Class != event.ErrorGeneral || se.Message != "slow down" {
		t.Errorf("ServerError = %+v", se)
	}
	if !se.Target().IsZero() {
		t.Error("unscoped error should have zero context")
	}
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"bogus"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("err = %v, want ErrUnknownType", err)
	}
}

func TestDecode_BadContext(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"roster","context":"nowhere"}`)); err == nil {
		t.Error("expected error for malformed context")
	}
}

func TestDecode_Garbage(t *testing.T) {
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("expected error for garbage frame")
	}
}

func TestInboundRoundTrip(t *testing.T) {
	until := time.UnixMilli(1714564900000)
	events := []event.Inbound{
		event.RosterUpdate{Context: lobby, Users: []core.User{{ID: "alice"}, {ID: "bob", DisplayName: "Bob"}}},
		event.UserTyping{Context: lobby, User: "alice"},
		event.UserStoppedTyping{Context: lobby, User: "alice"},
		event.DeliveryConfirmed{Context: lobby, Token: "t1", ServerID: "m1", CreatedAt: time.UnixMilli(5)},
		event.DeliveryFailed{Context: lobby, Token: "t1", Reason: "too long"},
		event.RestrictionApplied{Until: until, Reason: "spam"},
		event.ServerError{Class: event.ErrorAuthorization, Code: "UNAUTHORIZED", Message: "expired"},
	}

	for _, want := range events {
		data, err := EncodeInbound(want)
		if err != nil {
			t.Fatalf("EncodeInbound(%T): %v", want, err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s): %v", data, err)
		}
		if got.Type() != want.Type() || got.Target() != want.Target() {
			t.Errorf("round trip %T: got %+v", want, got)
		}
	}
}

func TestDecodeOutbound_Whisper(t *testing.T) {
	data, err := Encode(event.SendWhisper{Context: lobby, Token: "t9", Recipient: "bob", Content: "psst"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	ev, err := DecodeOutbound(data)
	if err != nil {
		t.Fatalf("DecodeOutbound: %v", err)
	}
	w, ok := ev.(event.SendWhisper)
	if !ok {
		t.Fatalf("decoded %T, want SendWhisper", ev)
	}
	if w.Recipient != "bob" || w.Token != "t9" || w.Content != "psst" {
		t.Errorf("whisper = %+v", w)
	}
}
