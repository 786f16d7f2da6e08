package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/chatsync-go/core"
	"github.com/kabili207/chatsync-go/event"
)

// DefaultTypingStopAfter is how long local input must idle before the stop
// event is emitted.
const DefaultTypingStopAfter = 2 * time.Second

// DebouncerConfig configures a typing Debouncer.
type DebouncerConfig struct {
	// StopAfter is the input idle threshold. Default: 2 seconds.
	StopAfter time.Duration

	// Logger for debouncer events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Debouncer turns local keystrokes into typing events. A burst of
// keystrokes in a context emits one TypingStart, followed by exactly one
// TypingStop once input idles past StopAfter or the burst is ended
// explicitly. Typing events are never queued: if the channel is down they
// are dropped.
type Debouncer struct {
	cfg  DebouncerConfig
	log  *slog.Logger
	emit Emitter

	mu     sync.Mutex
	bursts map[core.ContextID]time.Time
	cancel context.CancelFunc

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewDebouncer creates a typing debouncer that emits through em.
func NewDebouncer(em Emitter, cfg DebouncerConfig) *Debouncer {
	if cfg.StopAfter <= 0 {
		cfg.StopAfter = DefaultTypingStopAfter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Debouncer{
		cfg:    cfg,
		log:    logger.WithGroup("debounce"),
		emit:   em,
		bursts: make(map[core.ContextID]time.Time),
		nowFn:  time.Now,
	}
}

// Keystroke records local input in c. The first keystroke of a burst emits
// TypingStart.
func (d *Debouncer) Keystroke(c core.ContextID) {
	d.mu.Lock()
	_, active := d.bursts[c]
	d.bursts[c] = d.nowFn()
	d.mu.Unlock()

	if !active {
		d.send(event.TypingStart{Context: c})
	}
}

// End finishes the burst in c now, e.g. because the message was sent. It
// emits TypingStop if a burst was active.
func (d *Debouncer) End(c core.ContextID) {
	d.mu.Lock()
	_, active := d.bursts[c]
	delete(d.bursts, c)
	d.mu.Unlock()

	if active {
		d.send(event.TypingStop{Context: c})
	}
}

// Active reports whether a burst is in progress in c.
func (d *Debouncer) Active(c core.ContextID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.bursts[c]
	return ok
}

// Flush ends every burst whose last keystroke is older than StopAfter.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	now := d.nowFn()
	var idle []core.ContextID
	for c, last := range d.bursts {
		if now.Sub(last) >= d.cfg.StopAfter {
			idle = append(idle, c)
			delete(d.bursts, c)
		}
	}
	d.mu.Unlock()

	for _, c := range idle {
		d.send(event.TypingStop{Context: c})
	}
}

// Reset drops every burst without emitting, e.g. after a disconnect.
func (d *Debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.bursts)
}

// Start runs the idle check loop. Blocks until the context is cancelled.
func (d *Debouncer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Flush()
		}
	}
}

// Stop cancels the idle check loop.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

func (d *Debouncer) send(ev event.Outbound) {
	if err := d.emit.Send(ev); err != nil {
		d.log.Debug("typing event dropped", "type", string(ev.Type()), "context", ev.Target().String(), "error", err)
	}
}
