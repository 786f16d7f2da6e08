package contexts

import (
	"errors"
	"sync"
	"testing"

	"github.com/kabili207/chatsync-go/core"
	"github.com/kabili207/chatsync-go/event"
)

const self core.UserID = "me"

type mockEmitter struct {
	mu   sync.Mutex
	sent []event.Outbound
	err  error
}

func (m *mockEmitter) Send(ev event.Outbound) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, ev)
	return nil
}

func (m *mockEmitter) count(typ event.Type) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.sent {
		if ev.Type() == typ {
			n++
		}
	}
	return n
}

func equalContexts(a, b []core.ContextID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestJoinIdempotent(t *testing.T) {
	em := &mockEmitter{}
	var joins int
	s := NewSwitcher(em, SwitcherConfig{Self: self, OnJoin: func(core.ContextID) { joins++ }})
	lobby := core.Room("lobby")

	if ok, err := s.Join(lobby); !ok || err != nil {
		t.Fatalf("Join = %v, %v", ok, err)
	}
	once := s.Joined()
	if ok, err := s.Join(lobby); ok || err != nil {
		t.Errorf("second Join = %v, %v, want false, nil", ok, err)
	}
	if !equalContexts(s.Joined(), once) {
		t.Errorf("Joined = %v, want %v", s.Joined(), once)
	}
	if n := em.count(event.TypeJoin); n != 1 {
		t.Errorf("join events = %d, want 1", n)
	}
	if joins != 1 {
		t.Errorf("OnJoin calls = %d, want 1", joins)
	}
}

func TestLeaveUnjoinedIsNoop(t *testing.T) {
	em := &mockEmitter{}
	var leaves int
	s := NewSwitcher(em, SwitcherConfig{Self: self, OnLeave: func(core.ContextID) { leaves++ }})

	if s.Leave(core.Room("nowhere")) {
		t.Error("Leave of unjoined context returned true")
	}
	if n := em.count(event.TypeLeave); n != 0 {
		t.Errorf("leave events = %d, want 0", n)
	}
	if leaves != 0 {
		t.Errorf("OnLeave calls = %d, want 0", leaves)
	}
}

func TestJoinLeave(t *testing.T) {
	em := &mockEmitter{}
	s := NewSwitcher(em, SwitcherConfig{Self: self})
	a, b := core.Room("a"), core.Room("b")
	s.Join(a)
	s.Join(b)

	if !s.Leave(a) {
		t.Fatal("Leave returned false")
	}
	if s.Leave(a) {
		t.Error("second Leave returned true")
	}
	if !equalContexts(s.Joined(), []core.ContextID{b}) {
		t.Errorf("Joined = %v, want [b]", s.Joined())
	}
	if n := em.count(event.TypeLeave); n != 1 {
		t.Errorf("leave events = %d, want 1", n)
	}
}

func TestSetActiveKeepsPrevious(t *testing.T) {
	em := &mockEmitter{}
	s := NewSwitcher(em, SwitcherConfig{Self: self})
	a, dm := core.Room("a"), core.Private(self)

	if err := s.SetActive(a); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if err := s.SetActive(dm); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if s.Active() != dm {
		t.Errorf("Active = %v, want %v", s.Active(), dm)
	}
	if !s.IsJoined(a) {
		t.Error("switching active context left the previous one")
	}
	if !equalContexts(s.Rooms(), []core.ContextID{a}) {
		t.Errorf("Rooms = %v, want [a]", s.Rooms())
	}

	s.Leave(dm)
	if !s.Active().IsZero() {
		t.Errorf("Active after leaving it = %v, want zero", s.Active())
	}
}

func TestJoinValidation(t *testing.T) {
	s := NewSwitcher(&mockEmitter{}, SwitcherConfig{Self: self})

	if _, err := s.Join(core.Private("someone")); !errors.Is(err, ErrForeignPrivateContext) {
		t.Errorf("Join foreign private = %v, want ErrForeignPrivateContext", err)
	}
	if _, err := s.Join(core.ContextID{}); !errors.Is(err, core.ErrInvalidContext) {
		t.Errorf("Join zero = %v, want ErrInvalidContext", err)
	}
	if len(s.Joined()) != 0 {
		t.Errorf("Joined = %v, want empty", s.Joined())
	}
}

func TestJoinWhileDisconnectedThenRejoin(t *testing.T) {
	em := &mockEmitter{err: errors.New("not connected")}
	s := NewSwitcher(em, SwitcherConfig{Self: self})
	a, b := core.Room("a"), core.Private(self)

	s.Join(a)
	s.Join(b)
	if len(s.Joined()) != 2 {
		t.Fatalf("Joined = %v", s.Joined())
	}

	em.err = nil
	got := s.Rejoin()
	if !equalContexts(got, []core.ContextID{a, b}) {
		t.Errorf("Rejoin = %v, want [a b]", got)
	}
	if n := em.count(event.TypeJoin); n != 2 {
		t.Errorf("join events = %d, want 2", n)
	}
}

func TestReset(t *testing.T) {
	em := &mockEmitter{}
	s := NewSwitcher(em, SwitcherConfig{Self: self})
	s.SetActive(core.Room("a"))
	s.Reset()

	if len(s.Joined()) != 0 || !s.Active().IsZero() {
		t.Errorf("after Reset: joined %v, active %v", s.Joined(), s.Active())
	}
	if n := em.count(event.TypeLeave); n != 0 {
		t.Errorf("Reset emitted %d leave events", n)
	}
}
