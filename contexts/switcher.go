// Package contexts manages which conversation contexts the session is
// joined to. All contexts are multiplexed over the one channel; any number
// of rooms plus the user's own private inbox may be joined at once.
package contexts

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/kabili207/chatsync-go/core"
	"github.com/kabili207/chatsync-go/event"
)

// ErrForeignPrivateContext is returned when joining another user's private
// inbox.
var ErrForeignPrivateContext = errors.New("contexts: private context belongs to another user")

// Emitter sends outbound events on the channel.
type Emitter interface {
	Send(ev event.Outbound) error
}

// SwitcherConfig configures a context Switcher.
type SwitcherConfig struct {
	// Self is the local user. Only Self's private context may be joined.
	Self core.UserID

	// OnJoin is called after a context was added to the joined set.
	OnJoin func(c core.ContextID)

	// OnLeave is called after a context was removed from the joined set.
	OnLeave func(c core.ContextID)

	// OnActive is called when the active context changes.
	OnActive func(c core.ContextID)

	// Logger for switcher events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Switcher tracks the joined set and the active context. Join and Leave
// are idempotent. Changing the active context never leaves the previous
// one.
type Switcher struct {
	cfg  SwitcherConfig
	log  *slog.Logger
	emit Emitter

	mu     sync.Mutex
	joined []core.ContextID
	active core.ContextID
}

// NewSwitcher creates a context switcher emitting through em.
func NewSwitcher(em Emitter, cfg SwitcherConfig) *Switcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Switcher{
		cfg:  cfg,
		log:  logger.WithGroup("contexts"),
		emit: em,
	}
}

func (s *Switcher) validate(c core.ContextID) error {
	if c.IsZero() || c.ID == "" {
		return fmt.Errorf("%w: %q", core.ErrInvalidContext, c.String())
	}
	if c.Kind == core.ContextPrivate && core.UserID(c.ID) != s.cfg.Self {
		return ErrForeignPrivateContext
	}
	return nil
}

// Join adds c to the joined set and emits a join event. Joining a context
// that is already joined does nothing and returns false. If the channel is
// down the context is still recorded and joined by the next Rejoin.
func (s *Switcher) Join(c core.ContextID) (bool, error) {
	if err := s.validate(c); err != nil {
		return false, err
	}

	s.mu.Lock()
	if slices.Contains(s.joined, c) {
		s.mu.Unlock()
		return false, nil
	}
	s.joined = append(s.joined, c)
	s.mu.Unlock()

	s.send(event.Join{Context: c})
	s.log.Info("joined context", "context", c.String())
	if s.cfg.OnJoin != nil {
		s.cfg.OnJoin(c)
	}
	return true, nil
}

// Leave removes c from the joined set and emits a leave event. Leaving a
// context that is not joined does nothing and returns false. Leaving the
// active context clears the active context.
func (s *Switcher) Leave(c core.ContextID) bool {
	s.mu.Lock()
	i := slices.Index(s.joined, c)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.joined = slices.Delete(s.joined, i, i+1)
	wasActive := s.active == c
	if wasActive {
		s.active = core.ContextID{}
	}
	s.mu.Unlock()

	s.send(event.Leave{Context: c})
	s.log.Info("left context", "context", c.String())
	if s.cfg.OnLeave != nil {
		s.cfg.OnLeave(c)
	}
	if wasActive && s.cfg.OnActive != nil {
		s.cfg.OnActive(core.ContextID{})
	}
	return true
}

// SetActive makes c the active context, joining it first if needed. The
// previously active context stays joined.
func (s *Switcher) SetActive(c core.ContextID) error {
	if _, err := s.Join(c); err != nil {
		return err
	}

	s.mu.Lock()
	changed := s.active != c
	s.active = c
	s.mu.Unlock()

	if changed && s.cfg.OnActive != nil {
		s.cfg.OnActive(c)
	}
	return nil
}

// Active returns the active context, or the zero ContextID.
func (s *Switcher) Active() core.ContextID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Joined returns the joined contexts in join order.
func (s *Switcher) Joined() []core.ContextID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.joined)
}

// Rooms returns the joined public rooms in join order.
func (s *Switcher) Rooms() []core.ContextID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ContextID
	for _, c := range s.joined {
		if c.IsRoom() {
			out = append(out, c)
		}
	}
	return out
}

// IsJoined reports whether c is in the joined set.
func (s *Switcher) IsJoined(c core.ContextID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.joined, c)
}

// Rejoin re-emits a join for every joined context, e.g. after a reconnect.
// It returns the contexts rejoined.
func (s *Switcher) Rejoin() []core.ContextID {
	joined := s.Joined()
	for _, c := range joined {
		s.send(event.Join{Context: c})
	}
	if len(joined) > 0 {
		s.log.Info("rejoined contexts", "count", len(joined))
	}
	return joined
}

// Reset forgets every context without emitting anything, e.g. on logout.
func (s *Switcher) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined = nil
	s.active = core.ContextID{}
}

func (s *Switcher) send(ev event.Outbound) {
	if err := s.emit.Send(ev); err != nil {
		s.log.Debug("membership event not sent", "type", string(ev.Type()), "context", ev.Target().String(), "error", err)
	}
}
