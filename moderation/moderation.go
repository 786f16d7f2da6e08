// Package moderation reacts to server-pushed moderation signals.
//
// The Handler does not decide what is disallowed. It stores restriction
// state pushed by the server and vetoes local sends while a restriction is
// active, surfaces server errors as transient notices, and escalates
// authorization-class errors to the session.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/kabili207/chatsync-go/core"
	"github.com/kabili207/chatsync-go/event"
)

// DefaultNoticeTTL is how long a notice stays visible.
const DefaultNoticeTTL = 5 * time.Second

// noticeCheckInterval is the resolution of the notice expiry loop.
const noticeCheckInterval = 500 * time.Millisecond

// ErrRestricted is returned for sends rejected by an active restriction.
var ErrRestricted = errors.New("moderation: sending is restricted")

// RestrictedError carries the remaining restriction time for a rejected send.
type RestrictedError struct {
	Context   core.ContextID
	Until     time.Time
	Remaining time.Duration
}

func (e *RestrictedError) Error() string {
	return fmt.Sprintf("moderation: sending to %s is restricted for %s", e.Context, e.Remaining.Round(time.Second))
}

func (e *RestrictedError) Unwrap() error { return ErrRestricted }

// Notice is a transient, auto-expiring error banner.
type Notice struct {
	ID        uint64
	Context   core.ContextID
	Code      string
	Message   string
	ExpiresAt time.Time
}

// HandlerConfig configures a moderation Handler.
type HandlerConfig struct {
	// NoticeTTL is how long a notice lives. Default: 5 seconds.
	NoticeTTL time.Duration

	// OnAuthFailure is called for authorization-class server errors.
	OnAuthFailure func(err error)

	// OnRestriction is called when a restriction is stored or lifted.
	// A zero until means the restriction was lifted.
	OnRestriction func(scope core.ContextID, until time.Time)

	// OnNotice is called when a notice is raised.
	OnNotice func(n Notice)

	// OnNoticeExpired is called when a notice expires.
	OnNoticeExpired func(n Notice)

	// Logger for moderation events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Handler stores restriction state and notices.
type Handler struct {
	cfg HandlerConfig
	log *slog.Logger

	mu           sync.Mutex
	restrictions map[core.ContextID]time.Time
	notices      []Notice
	nextID       uint64
	cancel       context.CancelFunc

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewHandler creates a moderation handler with the given configuration.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.NoticeTTL <= 0 {
		cfg.NoticeTTL = DefaultNoticeTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:          cfg,
		log:          logger.WithGroup("moderation"),
		restrictions: make(map[core.ContextID]time.Time),
		nowFn:        time.Now,
	}
}

// ApplyRestriction stores a restriction for scope until the given time. A
// zero scope restricts every context. An until that is not in the future
// lifts the restriction.
func (h *Handler) ApplyRestriction(scope core.ContextID, until time.Time) {
	h.mu.Lock()
	now := h.nowFn()
	lifted := !until.After(now)
	if lifted {
		delete(h.restrictions, scope)
	} else {
		h.restrictions[scope] = until
	}
	h.mu.Unlock()

	if lifted {
		h.log.Info("restriction lifted", "scope", scopeName(scope))
		until = time.Time{}
	} else {
		h.log.Info("restriction applied", "scope", scopeName(scope), "until", until)
	}
	if h.cfg.OnRestriction != nil {
		h.cfg.OnRestriction(scope, until)
	}
}

// CheckSend returns a *RestrictedError if sending to c is currently
// restricted, either by a restriction on c or by a global one.
func (h *Handler) CheckSend(c core.ContextID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.nowFn()
	var until time.Time
	for _, scope := range []core.ContextID{c, {}} {
		u, ok := h.restrictions[scope]
		if !ok {
			continue
		}
		if !u.After(now) {
			delete(h.restrictions, scope)
			continue
		}
		if u.After(until) {
			until = u
		}
	}
	if until.IsZero() {
		return nil
	}
	return &RestrictedError{Context: c, Until: until, Remaining: until.Sub(now)}
}

// Restriction returns the active restriction end for c, or false.
func (h *Handler) Restriction(c core.ContextID) (time.Time, bool) {
	var re *RestrictedError
	if errors.As(h.CheckSend(c), &re) {
		return re.Until, true
	}
	return time.Time{}, false
}

// ApplyError handles a server-pushed error. Authorization-class errors are
// escalated through OnAuthFailure and raise no notice. Other errors raise a
// notice and never touch message state.
func (h *Handler) ApplyError(ev event.ServerError) {
	if ev.Class == event.ErrorAuthorization {
		h.log.Warn("authorization error from server", "code", ev.Code, "message", ev.Message)
		if h.cfg.OnAuthFailure != nil {
			h.cfg.OnAuthFailure(fmt.Errorf("server error %s: %s", ev.Code, ev.Message))
		}
		return
	}
	h.Notify(ev.Context, ev.Code, ev.Message)
}

// Notify raises a transient notice.
func (h *Handler) Notify(c core.ContextID, code, message string) Notice {
	h.mu.Lock()
	h.nextID++
	n := Notice{
		ID:        h.nextID,
		Context:   c,
		Code:      code,
		Message:   message,
		ExpiresAt: h.nowFn().Add(h.cfg.NoticeTTL),
	}
	h.notices = append(h.notices, n)
	h.mu.Unlock()

	h.log.Debug("notice raised", "context", c.String(), "code", code)
	if h.cfg.OnNotice != nil {
		h.cfg.OnNotice(n)
	}
	return n
}

// Notices returns the notices that have not expired, oldest first.
func (h *Handler) Notices() []Notice {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.nowFn()
	var out []Notice
	for _, n := range h.notices {
		if n.ExpiresAt.After(now) {
			out = append(out, n)
		}
	}
	return out
}

// ExpireNotices removes expired notices and fires OnNoticeExpired for each.
func (h *Handler) ExpireNotices() {
	h.mu.Lock()
	now := h.nowFn()
	var expired []Notice
	h.notices = slices.DeleteFunc(h.notices, func(n Notice) bool {
		if n.ExpiresAt.After(now) {
			return false
		}
		expired = append(expired, n)
		return true
	})
	h.mu.Unlock()

	for _, n := range expired {
		if h.cfg.OnNoticeExpired != nil {
			h.cfg.OnNoticeExpired(n)
		}
	}
}

// Reset clears all restrictions and notices, e.g. on logout.
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.restrictions)
	h.notices = nil
}

// Start runs the notice expiry loop. Blocks until the context is cancelled.
func (h *Handler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	ticker := time.NewTicker(noticeCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.ExpireNotices()
		}
	}
}

// Stop cancels the expiry loop.
func (h *Handler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

func scopeName(c core.ContextID) string {
	if c.IsZero() {
		return "global"
	}
	return c.String()
}
