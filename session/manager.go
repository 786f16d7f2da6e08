// Package session owns the channel connection of one authenticated user.
//
// The Manager drives the state machine
//
//	disconnected -> connecting -> connected
//
// A transport drop moves connected back to connecting and retries with
// exponential backoff and jitter. An authorization failure while connecting
// asks the auth service for a fresh credential and retries immediately with
// it. The attempt counter is reset only by a successful connect. A failed
// refresh, or running out of attempts after an authorization failure, ends
// the session in logged_out. Running out of attempts on transport errors
// alone ends in disconnected.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/kabili207/chatsync-go/auth"
	"github.com/kabili207/chatsync-go/transport"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMaxAttempts bounds consecutive failed connect attempts.
	DefaultMaxAttempts = 5

	// DefaultBackoffMin is the delay before the first retry.
	DefaultBackoffMin = time.Second

	// DefaultBackoffMax caps the retry delay.
	DefaultBackoffMax = 30 * time.Second

	// DefaultConnectTimeout bounds a single connect attempt.
	DefaultConnectTimeout = 15 * time.Second

	// jitterDivisor controls the range of random jitter added to the
	// backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2
)

var (
	// ErrLoggedOut is returned once the session has ended.
	ErrLoggedOut = errors.New("session: logged out")

	// ErrAttemptsExhausted is returned when the connect attempt bound is
	// reached.
	ErrAttemptsExhausted = errors.New("session: connect attempts exhausted")
)

// State is the connection state of a session.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Transition describes a state change. Err carries the cause, if any.
type Transition struct {
	From    State
	To      State
	Err     error
	Attempt int
}

// ManagerConfig configures a session Manager.
type ManagerConfig struct {
	// MaxAttempts bounds consecutive failed connect attempts. Default: 5.
	MaxAttempts int

	// BackoffMin is the delay before the first transport retry.
	// Default: 1 second.
	BackoffMin time.Duration

	// BackoffMax caps the retry delay. Default: 30 seconds.
	BackoffMax time.Duration

	// ConnectTimeout bounds each connect attempt. Default: 15 seconds.
	ConnectTimeout time.Duration

	// Refresher obtains fresh credentials. Without one, any authorization
	// failure logs the session out.
	Refresher auth.Refresher

	// Logger for session events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

type subscriber struct {
	id int
	fn func(Transition)
}

// Manager owns one channel handle and its connection lifecycle. Only the
// Manager connects or closes the channel.
type Manager struct {
	cfg    ManagerConfig
	log    *slog.Logger
	ch     transport.Channel
	reauth singleflight.Group

	// notifyMu serializes transitions so subscribers observe them in order.
	notifyMu sync.Mutex

	mu         sync.Mutex
	state      State
	lastErr    error
	cred       auth.Credential
	attempts   int
	subs       []subscriber
	nextSub    int
	loopCtx    context.Context
	loopCancel context.CancelFunc
	done       chan struct{}

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewManager creates a session manager for ch. The manager installs itself
// as ch's state handler.
func NewManager(ch transport.Channel, cfg ManagerConfig) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = DefaultBackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = max(DefaultBackoffMax, cfg.BackoffMin)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:   cfg,
		log:   logger.WithGroup("session"),
		ch:    ch,
		nowFn: time.Now,
	}
	ch.SetStateHandler(m.onChannelEvent)
	return m
}

// Channel returns the channel handle owned by the manager.
func (m *Manager) Channel() transport.Channel {
	return m.ch
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the cause of the last transition, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Credential returns the credential currently in use.
func (m *Manager) Credential() auth.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred
}

// Attempts returns the number of consecutive failed connect attempts.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Subscribe registers fn for every state transition and returns a function
// that removes it. Transitions are delivered in order on the goroutine that
// caused them; fn must not block or call Connect, ForceReconnect or Logout
// synchronously.
func (m *Manager) Subscribe(fn func(Transition)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	id := m.nextSub
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.subs = slices.DeleteFunc(m.subs, func(s subscriber) bool { return s.id == id })
	}
}

// Connect establishes the shared channel with cred and blocks until the
// session is connected or gives up. Calling Connect while connected is a
// no-op that returns the existing handle; calling it while a connect is in
// progress waits for that connect.
func (m *Manager) Connect(ctx context.Context, cred auth.Credential) (transport.Channel, error) {
	done := m.start(cred, nil, func(s State) bool {
		return s != StateConnected && s != StateConnecting
	})
	return m.wait(ctx, done)
}

// ForceReconnect tears the channel down and re-establishes it with cred.
// A zero cred keeps the current credential.
func (m *Manager) ForceReconnect(ctx context.Context, cred auth.Credential) (transport.Channel, error) {
	m.stopLoop()
	if err := m.ch.Close(); err != nil {
		m.log.Debug("close before reconnect", "error", err)
	}
	done := m.start(cred, nil, func(State) bool { return true })
	return m.wait(ctx, done)
}

// Reauthenticate refreshes the credential and reconnects with it. It is
// used when the server reports an authorization error on an established
// channel. Concurrent calls share one refresh. A failed refresh logs the
// session out.
func (m *Manager) Reauthenticate(ctx context.Context, cause error) error {
	_, err, _ := m.reauth.Do("reauth", func() (any, error) {
		m.log.Warn("reauthenticating", "cause", cause)
		if m.cfg.Refresher == nil {
			m.logout(nil, fmt.Errorf("%w: no refresher: %w", auth.ErrRefreshFailed, cause))
			return nil, ErrLoggedOut
		}
		fresh, err := m.cfg.Refresher.RefreshCredential(ctx)
		if err != nil {
			m.logout(nil, fmt.Errorf("%w: %w", auth.ErrRefreshFailed, err))
			return nil, fmt.Errorf("%w: %w", ErrLoggedOut, err)
		}
		_, err = m.ForceReconnect(ctx, fresh)
		return nil, err
	})
	return err
}

// Logout ends the session and closes the channel.
func (m *Manager) Logout() {
	m.logout(nil, nil)
}

func (m *Manager) logout(loop context.Context, cause error) {
	if !m.transition(loop, StateLoggedOut, cause, func() {
		m.clearLoopLocked()
		m.attempts = 0
	}) {
		return
	}
	if cause != nil {
		m.log.Error("session terminated", "error", cause)
	} else {
		m.log.Info("logged out")
	}
	if err := m.ch.Close(); err != nil {
		m.log.Debug("close on logout", "error", err)
	}
}

// start launches a connect loop if guard accepts the current state. It
// returns a channel closed when the relevant connect loop finishes.
func (m *Manager) start(cred auth.Credential, cause error, guard func(State) bool) <-chan struct{} {
	m.notifyMu.Lock()
	m.mu.Lock()
	if !guard(m.state) {
		var done <-chan struct{} = closed
		if m.state == StateConnecting && m.done != nil {
			done = m.done
		}
		m.mu.Unlock()
		m.notifyMu.Unlock()
		return done
	}

	if m.loopCancel != nil {
		m.loopCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.loopCtx, m.loopCancel = ctx, cancel
	done := make(chan struct{})
	m.done = done
	if !cred.IsZero() {
		m.cred = cred
	}
	m.attempts = 0
	tr := m.setStateLocked(StateConnecting, cause)
	subs := slices.Clone(m.subs)
	m.mu.Unlock()
	m.notify(tr, subs)
	m.notifyMu.Unlock()

	go m.run(ctx, done)
	return done
}

var closed = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

func (m *Manager) stopLoop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLoopLocked()
}

// clearLoopLocked cancels the current connect loop. Must be called with m.mu
// held.
func (m *Manager) clearLoopLocked() {
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
	}
	m.loopCtx = nil
}

func (m *Manager) wait(ctx context.Context, done <-chan struct{}) (transport.Channel, error) {
	for {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		m.mu.Lock()
		state, err, next := m.state, m.lastErr, m.done
		m.mu.Unlock()

		switch state {
		case StateConnected:
			return m.ch, nil
		case StateConnecting:
			// Superseded by a newer connect loop.
			if next != nil && (<-chan struct{})(next) != done {
				done = next
				continue
			}
			return nil, transport.ErrNotConnected
		case StateLoggedOut:
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrLoggedOut, err)
			}
			return nil, ErrLoggedOut
		default:
			if err != nil {
				return nil, err
			}
			return nil, transport.ErrNotConnected
		}
	}
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		m.mu.Lock()
		cred := m.cred
		m.mu.Unlock()

		var err error
		if cred.Expired(m.nowFn()) {
			err = fmt.Errorf("credential for %q: %w", cred.Subject, auth.ErrExpired)
		} else {
			dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
			err = m.ch.Connect(dctx, cred)
			cancel()
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			if m.transition(ctx, StateConnected, nil, func() {
				m.attempts = 0
				m.clearLoopLocked()
			}) {
				m.log.Info("connected", "subject", cred.Subject)
			}
			return
		}

		m.mu.Lock()
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		if transport.IsUnauthorized(err) {
			if attempt >= m.cfg.MaxAttempts {
				m.logout(ctx, fmt.Errorf("%w: %w", ErrAttemptsExhausted, err))
				return
			}
			if m.cfg.Refresher == nil {
				m.logout(ctx, fmt.Errorf("%w: no refresher: %w", auth.ErrRefreshFailed, err))
				return
			}
			m.log.Info("credential rejected, refreshing", "attempt", attempt, "error", err)
			fresh, rerr := m.cfg.Refresher.RefreshCredential(ctx)
			if ctx.Err() != nil {
				return
			}
			if rerr != nil {
				m.logout(ctx, fmt.Errorf("%w: %w", auth.ErrRefreshFailed, rerr))
				return
			}
			m.mu.Lock()
			m.cred = fresh
			m.mu.Unlock()
			continue
		}

		if attempt >= m.cfg.MaxAttempts {
			if m.transition(ctx, StateDisconnected, fmt.Errorf("%w: %w", ErrAttemptsExhausted, err), m.clearLoopLocked) {
				m.log.Warn("giving up on connect", "attempts", attempt, "error", err)
			}
			return
		}

		backoff := m.backoff(attempt)
		m.log.Warn("connect failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		jitter := time.Duration(rand.Int64N(int64(backoff)/jitterDivisor + 1))
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// backoff returns the delay before retry number attempt (starting at 1).
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.BackoffMin
	for i := 1; i < attempt && d < m.cfg.BackoffMax; i++ {
		d *= 2
	}
	return min(d, m.cfg.BackoffMax)
}

// transition changes the state and notifies subscribers. If loop is not nil
// the transition only happens while loop is the current connect loop.
// mutate runs under the state lock.
func (m *Manager) transition(loop context.Context, to State, cause error, mutate func()) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if loop != nil && (m.loopCtx != loop || loop.Err() != nil) {
		m.mu.Unlock()
		return false
	}
	if mutate != nil {
		mutate()
	}
	tr := m.setStateLocked(to, cause)
	subs := slices.Clone(m.subs)
	m.mu.Unlock()

	m.notify(tr, subs)
	return true
}

func (m *Manager) setStateLocked(to State, cause error) Transition {
	tr := Transition{From: m.state, To: to, Err: cause, Attempt: m.attempts}
	m.state = to
	m.lastErr = cause
	return tr
}

func (m *Manager) notify(tr Transition, subs []subscriber) {
	if tr.From == tr.To && tr.Err == nil {
		return
	}
	m.log.Debug("state change", "from", tr.From.String(), "to", tr.To.String())
	for _, s := range subs {
		s.fn(tr)
	}
}

func (m *Manager) onChannelEvent(_ transport.Channel, ev transport.Event, err error) {
	switch ev {
	case transport.EventDisconnected:
		m.log.Warn("channel dropped", "error", err)
		m.start(auth.Credential{}, err, func(s State) bool { return s == StateConnected })
	case transport.EventError:
		m.log.Debug("channel error", "error", err)
	}
}
