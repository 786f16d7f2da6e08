// Package ack tracks optimistic sends that are awaiting server confirmation.
//
// Each pending entry is identified by its correlation token. The Tracker
// only detects timeouts: a send that is neither confirmed nor rejected
// within DeliveryTimeout fires its OnTimeout callback. Nothing is ever
// re-sent automatically; retrying a failed send is a user action that
// produces a new token.
package ack

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultDeliveryTimeout is the default time to wait for a delivery
	// confirmation before marking a send failed.
	DefaultDeliveryTimeout = 15 * time.Second

	// checkInterval is the resolution of the tracker's timeout check loop.
	checkInterval = time.Second
)

// Pending represents an emitted message awaiting confirmation.
type Pending struct {
	// OnConfirm is called when the confirmation is received. May be nil.
	OnConfirm func()

	// OnTimeout is called when DeliveryTimeout elapses. May be nil.
	OnTimeout func()

	sentAt time.Time
}

// TrackerConfig configures a delivery Tracker.
type TrackerConfig struct {
	// DeliveryTimeout is the maximum time to wait for a confirmation.
	// Default: 15 seconds.
	DeliveryTimeout time.Duration

	// Logger for tracker events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Tracker tracks pending confirmations and handles timeouts.
type Tracker struct {
	cfg     TrackerConfig
	log     *slog.Logger
	mu      sync.Mutex
	pending map[string]*Pending
	cancel  context.CancelFunc

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewTracker creates a delivery tracker with the given configuration.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:     cfg,
		log:     logger.WithGroup("ack"),
		pending: make(map[string]*Pending),
		nowFn:   time.Now,
	}
}

// Track registers a pending confirmation. If an entry with the same token
// already exists it is replaced (the old entry's callbacks are not called).
func (t *Tracker) Track(token string, pending Pending) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending.sentAt = t.nowFn()
	t.pending[token] = &pending
}

// Resolve marks a token as confirmed. Returns true if the token was pending.
// If found, the entry's OnConfirm callback is called and the entry is removed.
func (t *Tracker) Resolve(token string) bool {
	t.mu.Lock()
	p, ok := t.pending[token]
	if ok {
		delete(t.pending, token)
	}
	t.mu.Unlock()

	if ok && p.OnConfirm != nil {
		p.OnConfirm()
	}
	return ok
}

// Cancel removes a pending entry without calling any callbacks.
func (t *Tracker) Cancel(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, token)
}

// IsPending returns true if the token awaits confirmation.
func (t *Tracker) IsPending(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[token]
	return ok
}

// PendingCount returns the number of pending confirmations.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Start begins the timeout check loop. Blocks until the context is cancelled.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckTimeouts()
		}
	}
}

// Stop cancels the tracker's context, stopping the timeout check loop.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// CheckTimeouts removes every entry older than DeliveryTimeout and fires
// its OnTimeout callback.
func (t *Tracker) CheckTimeouts() {
	t.mu.Lock()
	now := t.nowFn()

	expired := make(map[string]*Pending)
	for token, p := range t.pending {
		if now.Sub(p.sentAt) >= t.cfg.DeliveryTimeout {
			expired[token] = p
			delete(t.pending, token)
		}
	}
	t.mu.Unlock()

	// Execute timeout callbacks outside the lock
	for token, p := range expired {
		t.log.Debug("delivery timed out", "token", token)
		if p.OnTimeout != nil {
			p.OnTimeout()
		}
	}
}
