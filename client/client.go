// Package client wires the synchronization core into one ChannelSession
// object: the connection manager, the reconciliation engine, gap detection
// and resync, presence and typing, moderation and context membership.
//
// Inbound events are routed to one serial dispatcher per joined context, so
// events of a context are applied strictly in arrival order while contexts
// proceed independently. Everything the UI needs to render arrives on a
// single Update stream.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/chatsync-go/auth"
	"github.com/kabili207/chatsync-go/contexts"
	"github.com/kabili207/chatsync-go/core"
	"github.com/kabili207/chatsync-go/event"
	"github.com/kabili207/chatsync-go/gap"
	"github.com/kabili207/chatsync-go/metrics"
	"github.com/kabili207/chatsync-go/moderation"
	"github.com/kabili207/chatsync-go/presence"
	"github.com/kabili207/chatsync-go/reconcile"
	"github.com/kabili207/chatsync-go/session"
	"github.com/kabili207/chatsync-go/transport"
)

// DefaultUpdateBuffer is the capacity of the channel returned by Updates.
const DefaultUpdateBuffer = 256

var (
	ErrNotJoined = errors.New("client: context not joined")
	ErrClosed    = errors.New("client: closed")
)

// BlockListSource loads the user's block list, e.g. *history.Client.
type BlockListSource interface {
	FetchBlockList(ctx context.Context) ([]core.UserID, error)
}

// Config configures a Client. Zero durations select each component's
// default.
type Config struct {
	// Self is the local user.
	Self core.User

	// Channel is the event channel. The client owns it from New on.
	Channel transport.Channel

	// History loads authoritative history for resyncs and initial joins.
	History gap.Fetcher

	// BlockLists, if set, is loaded once by Start.
	BlockLists BlockListSource

	// Refresher obtains fresh credentials on authorization failures.
	Refresher auth.Refresher

	// Metrics receives sync counters. May be nil.
	Metrics *metrics.Metrics

	MaxAttempts     int
	BackoffMin      time.Duration
	BackoffMax      time.Duration
	ConnectTimeout  time.Duration
	DuplicateWindow time.Duration
	MaxEntries      int
	DeliveryTimeout time.Duration
	MaxForwardGap   time.Duration
	MaxBackwardSkew time.Duration
	ResyncTimeout   time.Duration
	TypingIdle      time.Duration
	TypingStopAfter time.Duration
	AnnounceEvery   time.Duration
	NoticeTTL       time.Duration

	// UpdateBuffer is the capacity of the Updates channel.
	// Default: DefaultUpdateBuffer.
	UpdateBuffer int

	// Logger for client events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Client is one authenticated chat session.
type Client struct {
	cfg Config
	log *slog.Logger
	ch  transport.Channel

	session    *session.Manager
	engine     *reconcile.Engine
	detector   *gap.Detector
	resyncer   *gap.Resyncer
	switcher   *contexts.Switcher
	roster     *presence.Roster
	typing     *presence.TypingTracker
	debouncer  *presence.Debouncer
	announcer  *presence.Announcer
	moderation *moderation.Handler
	blocks     *moderation.BlockList
	gate       restrictionGate
	metrics    *metrics.Metrics

	// pubMu orders snapshot-and-publish pairs so the stream never carries
	// an older snapshot after a newer one.
	pubMu   sync.Mutex
	updates chan Update
	pump    *mailbox[Update]

	mu          sync.Mutex
	dispatchers map[core.ContextID]*mailbox[func()]
	ctx         context.Context
	cancel      context.CancelFunc
	closed      bool
	unsubscribe func()
}

// New builds a client around cfg.Channel. Nothing is connected until
// Connect.
func New(cfg Config) (*Client, error) {
	if cfg.Channel == nil {
		return nil, errors.New("client: channel is required")
	}
	if cfg.History == nil {
		return nil, errors.New("client: history source is required")
	}
	if cfg.Self.ID == "" {
		return nil, errors.New("client: self user is required")
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = DefaultUpdateBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:         cfg,
		log:         logger.WithGroup("client"),
		ch:          cfg.Channel,
		blocks:      moderation.NewBlockList(),
		metrics:     cfg.Metrics,
		updates:     make(chan Update, cfg.UpdateBuffer),
		dispatchers: make(map[core.ContextID]*mailbox[func()]),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.pump = newMailbox(c.deliver)

	c.moderation = moderation.NewHandler(moderation.HandlerConfig{
		NoticeTTL:     cfg.NoticeTTL,
		OnAuthFailure: c.onAuthFailure,
		OnRestriction: func(scope core.ContextID, until time.Time) {
			c.publish(RestrictionChanged{Context: scope, Until: until})
		},
		OnNotice:        func(n moderation.Notice) { c.publish(NoticeRaised{Notice: n}) },
		OnNoticeExpired: func(n moderation.Notice) { c.publish(NoticeExpired{Notice: n}) },
		Logger:          logger,
	})
	c.gate = restrictionGate{h: c.moderation, m: cfg.Metrics}
	c.engine = reconcile.NewEngine(reconcile.EngineConfig{
		Self:            cfg.Self.ID,
		DuplicateWindow: cfg.DuplicateWindow,
		MaxEntries:      cfg.MaxEntries,
		DeliveryTimeout: cfg.DeliveryTimeout,
		Gate:            c.gate,
		OnChange:        c.publishTimeline,
		OnAppend:        c.checkContinuity,
		OnOutcome: func(_ core.ContextID, o reconcile.Outcome) {
			if o == reconcile.OutcomeDuplicate {
				c.metrics.IncDuplicate()
			}
		},
		OnFailed: func(core.ContextID, string, string) { c.metrics.IncDeliveryFailed() },
		Logger:   logger,
	})
	c.detector = gap.NewDetector(gap.DetectorConfig{
		MaxForwardGap:   cfg.MaxForwardGap,
		MaxBackwardSkew: cfg.MaxBackwardSkew,
	})
	c.resyncer = gap.NewResyncer(cfg.History, c.applyHistory, gap.ResyncerConfig{
		Timeout: cfg.ResyncTimeout,
		OnStart: func(ctx core.ContextID) {
			c.metrics.IncResync(metrics.ResyncStarted)
			c.publish(SyncingChanged{Context: ctx, Syncing: true})
		},
		OnDone: c.onResyncDone,
		Logger: logger,
	})
	c.switcher = contexts.NewSwitcher(c.ch, contexts.SwitcherConfig{
		Self:     cfg.Self.ID,
		OnJoin:   c.onJoin,
		OnLeave:  c.onLeave,
		OnActive: func(core.ContextID) { c.publishContexts() },
		Logger:   logger,
	})
	c.roster = presence.NewRoster()
	c.typing = presence.NewTypingTracker(presence.TypingConfig{
		IdleTimeout: cfg.TypingIdle,
		OnChange: func(ctx core.ContextID, users []core.UserID) {
			c.publish(TypingChanged{Context: ctx, Users: c.visibleUsers(users)})
		},
		Logger: logger,
	})
	c.debouncer = presence.NewDebouncer(typingEmitter{ch: c.ch, h: c.moderation}, presence.DebouncerConfig{
		StopAfter: cfg.TypingStopAfter,
		Logger:    logger,
	})
	c.announcer = presence.NewAnnouncer(c.ch, c.switcher.Rooms, presence.AnnouncerConfig{
		Interval: cfg.AnnounceEvery,
		Logger:   logger,
	})
	c.session = session.NewManager(c.ch, session.ManagerConfig{
		MaxAttempts:    cfg.MaxAttempts,
		BackoffMin:     cfg.BackoffMin,
		BackoffMax:     cfg.BackoffMax,
		ConnectTimeout: cfg.ConnectTimeout,
		Refresher:      cfg.Refresher,
		Logger:         logger,
	})
	c.unsubscribe = c.session.Subscribe(c.onTransition)
	c.ch.SetEventHandler(c.onEvent)
	return c, nil
}

// Start runs the timer loops of every component, loads the block list and
// joins the private inbox of the local user. It returns once they are
// running; the loops stop when ctx ends or Close is called.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-ctx.Done():
		case <-c.ctx.Done():
			cancel()
		}
	}()
	go c.engine.Start(ctx)
	go c.typing.Start(ctx)
	go c.debouncer.Start(ctx)
	go c.announcer.Start(ctx)
	go c.moderation.Start(ctx)

	if c.cfg.BlockLists != nil {
		ids, err := c.cfg.BlockLists.FetchBlockList(ctx)
		if err != nil {
			c.log.Warn("block list not loaded", "error", err)
		} else {
			c.blocks.Set(ids)
			c.log.Debug("block list loaded", "users", len(ids))
		}
	}

	if _, err := c.switcher.Join(core.Private(c.cfg.Self.ID)); err != nil {
		return fmt.Errorf("joining private inbox: %w", err)
	}
	return nil
}

// Connect establishes the channel with cred. Calling it while connected
// does nothing.
func (c *Client) Connect(ctx context.Context, cred auth.Credential) error {
	_, err := c.session.Connect(ctx, cred)
	return err
}

// Logout ends the session. The update stream receives LoggedOut.
func (c *Client) Logout() {
	c.session.Logout()
}

// Close logs out, stops every loop and closes the update stream.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.session.Logout()
	c.unsubscribe()
	c.resyncer.Close()
	c.engine.Stop()
	c.typing.Stop()
	c.debouncer.Stop()
	c.announcer.Stop()
	c.moderation.Stop()
	c.cancel()
	c.closeDispatchers()
	c.pump.close()
	<-c.pump.done
	close(c.updates)
}

// Updates returns the update stream. It is closed by Close.
func (c *Client) Updates() <-chan Update {
	return c.updates
}

// Credential returns the credential of the session, e.g. for REST calls.
func (c *Client) Credential() auth.Credential {
	return c.session.Credential()
}

// State returns the connection state.
func (c *Client) State() session.State {
	return c.session.State()
}

// Join joins c and loads its history.
func (c *Client) Join(ctx core.ContextID) error {
	_, err := c.switcher.Join(ctx)
	return err
}

// Leave leaves ctx and forgets its timeline, roster and typing state.
func (c *Client) Leave(ctx core.ContextID) {
	c.switcher.Leave(ctx)
}

// SetActive makes ctx the active context, joining it if needed.
func (c *Client) SetActive(ctx core.ContextID) error {
	return c.switcher.SetActive(ctx)
}

func (c *Client) Active() core.ContextID {
	return c.switcher.Active()
}

func (c *Client) Joined() []core.ContextID {
	return c.switcher.Joined()
}

// Send materializes d optimistically in ctx and emits it. It ends the local
// typing burst in ctx. A restricted context rejects the send with a
// *moderation.RestrictedError and nothing is emitted.
func (c *Client) Send(ctx core.ContextID, d core.Draft) (core.Message, error) {
	if !c.switcher.IsJoined(ctx) {
		return core.Message{}, ErrNotJoined
	}
	if err := c.gate.CheckSend(ctx); err != nil {
		return core.Message{}, err
	}
	c.debouncer.End(ctx)
	return c.engine.SendOptimistic(ctx, d)
}

// Whisper sends a private message to one user inside a room.
func (c *Client) Whisper(room core.ContextID, to core.UserID, content string) (core.Message, error) {
	return c.Send(room, core.Draft{Content: content, Kind: core.KindText, Recipient: to})
}

// Retry re-sends a failed message under a new correlation token.
func (c *Client) Retry(ctx core.ContextID, token string) (core.Message, error) {
	return c.engine.Retry(ctx, token)
}

// Discard drops an unconfirmed message.
func (c *Client) Discard(ctx core.ContextID, token string) error {
	return c.engine.Discard(ctx, token)
}

// Keystroke records local typing in ctx. Typing is not signalled while
// sends to ctx are restricted.
func (c *Client) Keystroke(ctx core.ContextID) {
	if !c.switcher.IsJoined(ctx) || c.moderation.CheckSend(ctx) != nil {
		return
	}
	c.debouncer.Keystroke(ctx)
}

// Timeline returns the display timeline of ctx without blocked senders.
func (c *Client) Timeline(ctx core.ContextID) []core.Message {
	return c.blocks.Filter(c.engine.Timeline(ctx))
}

// Presence returns the roster of ctx without blocked users.
func (c *Client) Presence(ctx core.ContextID) []core.User {
	return c.blocks.FilterUsers(c.roster.Users(ctx))
}

// Typing returns the users typing in ctx without blocked users.
func (c *Client) Typing(ctx core.ContextID) []core.UserID {
	return c.visibleUsers(c.typing.Typing(ctx))
}

// Notices returns the live transient notices.
func (c *Client) Notices() []moderation.Notice {
	return c.moderation.Notices()
}

// Restriction returns the end of the restriction that applies to ctx.
func (c *Client) Restriction(ctx core.ContextID) (time.Time, bool) {
	return c.moderation.Restriction(ctx)
}

// Block hides id's messages, presence and typing from every view. The
// reconciled timelines keep them.
func (c *Client) Block(id core.UserID) {
	c.blocks.Block(id)
	c.refreshViews()
}

func (c *Client) Unblock(id core.UserID) {
	c.blocks.Unblock(id)
	c.refreshViews()
}

func (c *Client) refreshViews() {
	for _, ctx := range c.switcher.Joined() {
		c.publishTimeline(ctx)
		if ctx.IsRoom() {
			c.publish(PresenceChanged{Context: ctx, Users: c.Presence(ctx)})
		}
	}
}

func (c *Client) visibleUsers(users []core.UserID) []core.UserID {
	out := make([]core.UserID, 0, len(users))
	for _, u := range users {
		if !c.blocks.IsBlocked(u) {
			out = append(out, u)
		}
	}
	return out
}

// restrictionGate vetoes sends under an active restriction and counts the
// rejections.
type restrictionGate struct {
	h *moderation.Handler
	m *metrics.Metrics
}

func (g restrictionGate) CheckSend(c core.ContextID) error {
	err := g.h.CheckSend(c)
	if err != nil {
		g.m.IncRestricted()
	}
	return err
}

// typingEmitter drops typing signals for contexts under restriction, e.g.
// the stop of a burst that began before a mute.
type typingEmitter struct {
	ch transport.Channel
	h  *moderation.Handler
}

func (e typingEmitter) Send(ev event.Outbound) error {
	if e.h.CheckSend(ev.Target()) != nil {
		return nil
	}
	return e.ch.Send(ev)
}
