package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/chatsync-go/core"
	"github.com/kabili207/chatsync-go/event"
)

// DefaultAnnounceInterval is the default re-announce period.
const DefaultAnnounceInterval = 30 * time.Second

// RoomLister returns the rooms the session is currently joined to.
type RoomLister func() []core.ContextID

// AnnouncerConfig configures the presence Announcer.
type AnnouncerConfig struct {
	// Interval between announcements. Default: 30 seconds.
	Interval time.Duration

	// Logger for announcer events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Announcer periodically re-asserts presence in every joined room, which
// makes the server broadcast a fresh roster. This heals rosters that missed
// a join or leave event.
type Announcer struct {
	cfg   AnnouncerConfig
	log   *slog.Logger
	emit  Emitter
	rooms RoomLister

	mu     sync.Mutex
	next   time.Time
	cancel context.CancelFunc

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewAnnouncer creates an announcer that emits through em for every room
// returned by rooms.
func NewAnnouncer(em Emitter, rooms RoomLister, cfg AnnouncerConfig) *Announcer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultAnnounceInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Announcer{
		cfg:   cfg,
		log:   logger.WithGroup("announce"),
		emit:  em,
		rooms: rooms,
		nowFn: time.Now,
	}
}

// Start begins the periodic announce loop. It blocks until the context is
// cancelled. Typically called in a goroutine:
//
//	go announcer.Start(ctx)
func (a *Announcer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.resetTimerLocked()
	a.mu.Unlock()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.checkTimer()
		}
	}
}

// Stop cancels the announce loop.
func (a *Announcer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

// SendNow announces immediately and restarts the interval.
func (a *Announcer) SendNow() int {
	n := a.announce()
	a.mu.Lock()
	a.resetTimerLocked()
	a.mu.Unlock()
	return n
}

func (a *Announcer) checkTimer() {
	a.mu.Lock()
	due := !a.next.IsZero() && !a.nowFn().Before(a.next)
	a.mu.Unlock()
	if !due {
		return
	}

	a.announce()

	a.mu.Lock()
	a.resetTimerLocked()
	a.mu.Unlock()
}

// announce emits one Announce per joined room and returns how many were
// sent.
func (a *Announcer) announce() int {
	sent := 0
	for _, c := range a.rooms() {
		if !c.IsRoom() {
			continue
		}
		if err := a.emit.Send(event.Announce{Context: c}); err != nil {
			a.log.Debug("announce dropped", "context", c.String(), "error", err)
			continue
		}
		sent++
	}
	if sent > 0 {
		a.log.Debug("sent presence announcements", "rooms", sent)
	}
	return sent
}

// resetTimerLocked sets the next announce time. Must be called with a.mu held.
func (a *Announcer) resetTimerLocked() {
	a.next = a.nowFn().Add(a.cfg.Interval)
}
