package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kabili207/chatsync-go/auth"
	"github.com/kabili207/chatsync-go/event"
	"github.com/kabili207/chatsync-go/transport"
)

// mockChannel is a scripted transport.Channel. connectFn decides the result
// of each Connect call; nil means success.
type mockChannel struct {
	mu        sync.Mutex
	connected bool
	state     transport.StateHandler
	connectFn func(n int, cred auth.Credential) error
	creds     []auth.Credential
	closes    int
}

func (c *mockChannel) Connect(_ context.Context, cred auth.Credential) error {
	c.mu.Lock()
	c.creds = append(c.creds, cred)
	n := len(c.creds)
	fn := c.connectFn
	c.mu.Unlock()

	var err error
	if fn != nil {
		err = fn(n, cred)
	}
	if err == nil {
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
	}
	return err
}

func (c *mockChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.closes++
	return nil
}

func (c *mockChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *mockChannel) SetEventHandler(transport.EventHandler) {}

func (c *mockChannel) SetStateHandler(fn transport.StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = fn
}

func (c *mockChannel) Send(event.Outbound) error { return nil }

// drop simulates the server closing the connection.
func (c *mockChannel) drop(err error) {
	c.mu.Lock()
	c.connected = false
	fn := c.state
	c.mu.Unlock()
	fn(c, transport.EventDisconnected, err)
}

func (c *mockChannel) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.creds)
}

func (c *mockChannel) credAt(i int) auth.Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds[i]
}

var _ transport.Channel = (*mockChannel)(nil)

func testConfig() ManagerConfig {
	return ManagerConfig{
		MaxAttempts: 3,
		BackoffMin:  time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	}
}

func cred(token string) auth.Credential {
	return auth.Credential{Token: token, Subject: "me"}
}

func connectCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for m.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("State = %v, want %v", m.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	ch := &mockChannel{}
	m := NewManager(ch, testConfig())

	got, err := m.Connect(connectCtx(t), cred("a"))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got != transport.Channel(ch) {
		t.Error("Connect returned a different handle")
	}
	again, err := m.Connect(connectCtx(t), cred("b"))
	if err != nil || again != got {
		t.Errorf("second Connect = %v, %v, want same handle", again, err)
	}
	if n := ch.connectCount(); n != 1 {
		t.Errorf("channel connects = %d, want 1", n)
	}
	if m.Credential().Token != "a" {
		t.Errorf("Credential = %q, want a", m.Credential().Token)
	}
}

func TestTransportErrorsRetried(t *testing.T) {
	ch := &mockChannel{connectFn: func(n int, _ auth.Credential) error {
		if n < 3 {
			return errors.New("dial refused")
		}
		return nil
	}}
	m := NewManager(ch, testConfig())

	var transitions []Transition
	var mu sync.Mutex
	m.Subscribe(func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, tr)
	})

	if _, err := m.Connect(connectCtx(t), cred("a")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.Attempts() != 0 {
		t.Errorf("Attempts = %d, want 0 after success", m.Attempts())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 {
		t.Fatalf("transitions = %+v, want 2", transitions)
	}
	if transitions[0].To != StateConnecting || transitions[1].To != StateConnected {
		t.Errorf("transitions = %+v", transitions)
	}
}

func TestTransportAttemptsExhausted(t *testing.T) {
	ch := &mockChannel{connectFn: func(int, auth.Credential) error {
		return errors.New("dial refused")
	}}
	m := NewManager(ch, testConfig())

	_, err := m.Connect(connectCtx(t), cred("a"))
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("Connect = %v, want ErrAttemptsExhausted", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("State = %v, want disconnected", m.State())
	}
	if n := ch.connectCount(); n != 3 {
		t.Errorf("channel connects = %d, want 3", n)
	}
}

func TestUnauthorizedRefreshesAndRetries(t *testing.T) {
	ch := &mockChannel{connectFn: func(_ int, c auth.Credential) error {
		if c.Token == "stale" {
			return fmt.Errorf("handshake: %w", transport.ErrUnauthorized)
		}
		return nil
	}}
	var refreshes atomic.Int32
	cfg := testConfig()
	cfg.Refresher = auth.RefresherFunc(func(context.Context) (auth.Credential, error) {
		refreshes.Add(1)
		return cred("fresh"), nil
	})
	m := NewManager(ch, cfg)

	if _, err := m.Connect(connectCtx(t), cred("stale")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if refreshes.Load() != 1 {
		t.Errorf("refreshes = %d, want 1", refreshes.Load())
	}
	if n := ch.connectCount(); n != 2 || ch.credAt(1).Token != "fresh" {
		t.Errorf("connects = %d, second token %q", n, ch.credAt(n-1).Token)
	}
	if m.Credential().Token != "fresh" {
		t.Errorf("Credential = %q, want fresh", m.Credential().Token)
	}
}

func TestRefreshFailureLogsOut(t *testing.T) {
	ch := &mockChannel{connectFn: func(int, auth.Credential) error {
		return transport.ErrUnauthorized
	}}
	cfg := testConfig()
	refreshErr := errors.New("refresh token revoked")
	cfg.Refresher = auth.RefresherFunc(func(context.Context) (auth.Credential, error) {
		return auth.Credential{}, refreshErr
	})
	m := NewManager(ch, cfg)

	var loggedOut atomic.Int32
	m.Subscribe(func(tr Transition) {
		if tr.To == StateLoggedOut {
			loggedOut.Add(1)
		}
	})

	_, err := m.Connect(connectCtx(t), cred("a"))
	if !errors.Is(err, ErrLoggedOut) || !errors.Is(err, auth.ErrRefreshFailed) || !errors.Is(err, refreshErr) {
		t.Errorf("Connect = %v, want logged out by refresh failure", err)
	}
	if m.State() != StateLoggedOut {
		t.Errorf("State = %v, want logged_out", m.State())
	}
	if loggedOut.Load() != 1 {
		t.Errorf("logged_out transitions = %d, want 1", loggedOut.Load())
	}
}

func TestUnauthorizedAttemptsExhaustedLogsOut(t *testing.T) {
	ch := &mockChannel{connectFn: func(int, auth.Credential) error {
		return transport.ErrUnauthorized
	}}
	var refreshes atomic.Int32
	cfg := testConfig()
	cfg.Refresher = auth.RefresherFunc(func(context.Context) (auth.Credential, error) {
		refreshes.Add(1)
		return cred("still-bad"), nil
	})
	m := NewManager(ch, cfg)

	_, err := m.Connect(connectCtx(t), cred("a"))
	if !errors.Is(err, ErrLoggedOut) || !errors.Is(err, ErrAttemptsExhausted) {
		t.Errorf("Connect = %v, want logged out after exhausted attempts", err)
	}
	if refreshes.Load() != 2 {
		t.Errorf("refreshes = %d, want 2", refreshes.Load())
	}
}

func TestExpiredCredentialRefreshedBeforeDial(t *testing.T) {
	ch := &mockChannel{}
	cfg := testConfig()
	cfg.Refresher = auth.RefresherFunc(func(context.Context) (auth.Credential, error) {
		return cred("fresh"), nil
	})
	m := NewManager(ch, cfg)

	expired := cred("old")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	if _, err := m.Connect(connectCtx(t), expired); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if n := ch.connectCount(); n != 1 || ch.credAt(0).Token != "fresh" {
		t.Errorf("dialed %d times, first token %q, want one dial with fresh", n, ch.credAt(0).Token)
	}
}

func TestDropReconnects(t *testing.T) {
	ch := &mockChannel{}
	m := NewManager(ch, testConfig())

	var reconnects atomic.Int32
	m.Subscribe(func(tr Transition) {
		if tr.From == StateConnected && tr.To == StateConnecting {
			reconnects.Add(1)
		}
	})

	if _, err := m.Connect(connectCtx(t), cred("a")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch.drop(errors.New("read: connection reset"))
	waitState(t, m, StateConnected)

	if n := ch.connectCount(); n != 2 {
		t.Errorf("channel connects = %d, want 2", n)
	}
	if reconnects.Load() != 1 {
		t.Errorf("reconnect transitions = %d, want 1", reconnects.Load())
	}
}

func TestDropWithExpiredCredentialRefreshes(t *testing.T) {
	var expired atomic.Bool
	ch := &mockChannel{connectFn: func(_ int, c auth.Credential) error {
		if expired.Load() && c.Token == "a" {
			return transport.ErrUnauthorized
		}
		return nil
	}}
	cfg := testConfig()
	cfg.Refresher = auth.RefresherFunc(func(context.Context) (auth.Credential, error) {
		return cred("b"), nil
	})
	m := NewManager(ch, cfg)

	if _, err := m.Connect(connectCtx(t), cred("a")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	expired.Store(true)
	ch.drop(errors.New("token expired"))
	waitState(t, m, StateConnected)

	if m.Credential().Token != "b" {
		t.Errorf("Credential = %q, want b", m.Credential().Token)
	}
}

func TestLogout(t *testing.T) {
	ch := &mockChannel{}
	m := NewManager(ch, testConfig())
	if _, err := m.Connect(connectCtx(t), cred("a")); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	m.Logout()
	if m.State() != StateLoggedOut {
		t.Errorf("State = %v, want logged_out", m.State())
	}
	if ch.IsConnected() {
		t.Error("channel still connected after Logout")
	}
	if m.Err() != nil {
		t.Errorf("Err = %v, want nil for user logout", m.Err())
	}
}

func TestReauthenticate(t *testing.T) {
	ch := &mockChannel{}
	cfg := testConfig()
	cfg.Refresher = auth.RefresherFunc(func(context.Context) (auth.Credential, error) {
		return cred("b"), nil
	})
	m := NewManager(ch, cfg)
	if _, err := m.Connect(connectCtx(t), cred("a")); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := m.Reauthenticate(connectCtx(t), errors.New("server said no")); err != nil {
		t.Fatalf("Reauthenticate: %v", err)
	}
	if m.State() != StateConnected || m.Credential().Token != "b" {
		t.Errorf("state %v token %q, want connected with b", m.State(), m.Credential().Token)
	}
	if ch.closes != 1 {
		t.Errorf("closes = %d, want 1", ch.closes)
	}
}

func TestReauthenticateFailureLogsOut(t *testing.T) {
	ch := &mockChannel{}
	cfg := testConfig()
	cfg.Refresher = auth.RefresherFunc(func(context.Context) (auth.Credential, error) {
		return auth.Credential{}, auth.ErrRefreshFailed
	})
	m := NewManager(ch, cfg)
	m.Connect(connectCtx(t), cred("a"))

	if err := m.Reauthenticate(connectCtx(t), errors.New("x")); !errors.Is(err, ErrLoggedOut) {
		t.Errorf("Reauthenticate = %v, want ErrLoggedOut", err)
	}
	if m.State() != StateLoggedOut {
		t.Errorf("State = %v, want logged_out", m.State())
	}
}

func TestBackoff(t *testing.T) {
	m := NewManager(&mockChannel{}, ManagerConfig{BackoffMin: time.Second, BackoffMax: 5 * time.Second})
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := m.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
