package presence

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/kabili207/chatsync-go/core"
)

// DefaultTypingIdleTimeout is how long a remote typing signal lives without
// being refreshed.
const DefaultTypingIdleTimeout = 6 * time.Second

// tickInterval is the resolution of the timer loops in this package.
const tickInterval = 250 * time.Millisecond

// TypingConfig configures a TypingTracker.
type TypingConfig struct {
	// IdleTimeout removes a signal that is not refreshed or stopped.
	// Default: 6 seconds.
	IdleTimeout time.Duration

	// OnChange is called with the new typing set of a context whenever it
	// changes. May be nil.
	OnChange func(c core.ContextID, users []core.UserID)

	// Logger for typing events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// TypingTracker maintains the set of remote users typing in each context.
// A signal is keyed by (context, user); it is created or refreshed by a
// typing event and destroyed by a stop event or the idle timeout, whichever
// comes first.
type TypingTracker struct {
	cfg TypingConfig
	log *slog.Logger

	mu      sync.Mutex
	signals map[core.ContextID]map[core.UserID]time.Time
	cancel  context.CancelFunc

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewTypingTracker creates a typing tracker with the given configuration.
func NewTypingTracker(cfg TypingConfig) *TypingTracker {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultTypingIdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TypingTracker{
		cfg:     cfg,
		log:     logger.WithGroup("typing"),
		signals: make(map[core.ContextID]map[core.UserID]time.Time),
		nowFn:   time.Now,
	}
}

// OnTyping inserts or refreshes the signal for user in c.
func (t *TypingTracker) OnTyping(c core.ContextID, user core.UserID) {
	t.mu.Lock()
	users := t.signals[c]
	if users == nil {
		users = make(map[core.UserID]time.Time)
		t.signals[c] = users
	}
	_, existed := users[user]
	users[user] = t.nowFn().Add(t.cfg.IdleTimeout)
	set := sortedUsers(users)
	t.mu.Unlock()

	if !existed {
		t.notify(c, set)
	}
}

// OnStopTyping removes the signal for user in c immediately.
func (t *TypingTracker) OnStopTyping(c core.ContextID, user core.UserID) {
	t.mu.Lock()
	users := t.signals[c]
	_, existed := users[user]
	delete(users, user)
	set := sortedUsers(users)
	t.mu.Unlock()

	if existed {
		t.notify(c, set)
	}
}

// Typing returns the users typing in c sorted by id.
func (t *TypingTracker) Typing(c core.ContextID) []core.UserID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedUsers(t.signals[c])
}

// Expire removes every signal whose idle timeout has passed.
func (t *TypingTracker) Expire() {
	t.mu.Lock()
	now := t.nowFn()
	changed := make(map[core.ContextID][]core.UserID)
	for c, users := range t.signals {
		n := len(users)
		for u, deadline := range users {
			if !now.Before(deadline) {
				delete(users, u)
			}
		}
		if len(users) != n {
			changed[c] = sortedUsers(users)
		}
	}
	t.mu.Unlock()

	for c, set := range changed {
		t.log.Debug("typing expired", "context", c.String(), "remaining", len(set))
		t.notify(c, set)
	}
}

// Remove forgets every signal in c, e.g. after leaving it.
func (t *TypingTracker) Remove(c core.ContextID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.signals, c)
}

// Clear forgets every signal.
func (t *TypingTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.signals)
}

// Start runs the idle expiry loop. Blocks until the context is cancelled.
func (t *TypingTracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Expire()
		}
	}
}

// Stop cancels the expiry loop.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *TypingTracker) notify(c core.ContextID, set []core.UserID) {
	if t.cfg.OnChange != nil {
		t.cfg.OnChange(c, set)
	}
}

func sortedUsers(users map[core.UserID]time.Time) []core.UserID {
	out := make([]core.UserID, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}
