// Package reconcile merges locally originated optimistic messages with
// server-confirmed ones into one ordered, deduplicated timeline per context.
//
// An inbound message is applied in this order:
//
//  1. Its server id is already known (in the timeline or the dedupe ring):
//     discard it. If it also carries the token of a local unconfirmed entry,
//     that entry is the same message loaded earlier by a resync and is
//     removed.
//  2. Its correlation token matches a local entry: replace that entry in
//     place with the confirmed attributes.
//  3. It structurally duplicates an unconfirmed local entry (same sender,
//     same content, creation time within DuplicateWindow): replace it.
//  4. Otherwise append it.
//
// Checking the server id first keeps the structural fallback from consuming
// a second pending entry when the same confirmation is delivered twice.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kabili207/chatsync-go/core"
	"github.com/kabili207/chatsync-go/core/ack"
	"github.com/kabili207/chatsync-go/core/clock"
	"github.com/kabili207/chatsync-go/core/dedupe"
	"github.com/kabili207/chatsync-go/event"
	"github.com/kabili207/chatsync-go/timeline"
	"github.com/kabili207/chatsync-go/transport"
)

// DefaultDuplicateWindow is the tolerance for the structural duplicate
// match. Two messages from the same sender with the same content whose
// creation times differ by at most this much are considered one message.
const DefaultDuplicateWindow = 5 * time.Second

var (
	ErrEmptyDraft   = errors.New("reconcile: empty draft")
	ErrUnknownToken = errors.New("reconcile: unknown correlation token")
	ErrNotFailed    = errors.New("reconcile: message has not failed")
)

// Outcome describes what applying an inbound event did to the timeline.
type Outcome uint8

const (
	OutcomeIgnored Outcome = iota
	OutcomeDuplicate
	OutcomeConfirmed
	OutcomeMerged
	OutcomeAppended
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeMerged:
		return "merged"
	case OutcomeAppended:
		return "appended"
	default:
		return "unknown"
	}
}

// Emitter sends outbound events on the channel.
type Emitter interface {
	Send(ev event.Outbound) error
}

// Gate vetoes sends, e.g. while a moderation restriction is active.
type Gate interface {
	CheckSend(c core.ContextID) error
}

// EngineConfig configures a reconciliation Engine.
type EngineConfig struct {
	// Self is the local user. Messages from Self never trigger gap checks.
	Self core.UserID

	// DuplicateWindow bounds the structural duplicate match.
	// Default: 5 seconds.
	DuplicateWindow time.Duration

	// MaxEntries bounds every timeline. Default: timeline.DefaultMaxEntries.
	MaxEntries int

	// DeliveryTimeout is how long an emitted send may stay unconfirmed
	// before it is marked failed. Default: ack.DefaultDeliveryTimeout.
	DeliveryTimeout time.Duration

	// Gate is consulted before every send. May be nil.
	Gate Gate

	// Clock stamps optimistic entries. Default: clock.New().
	Clock *clock.Clock

	// NewToken generates correlation tokens. Default: uuid.NewString.
	NewToken func() string

	// OnChange is called after the timeline of a context changed.
	OnChange func(c core.ContextID)

	// OnAppend is called after a message from another user was appended
	// behind an existing entry.
	OnAppend func(c core.ContextID, prev, cur core.Message)

	// OnOutcome is called for every applied inbound message or confirmation.
	OnOutcome func(c core.ContextID, o Outcome)

	// OnFailed is called when a send is marked failed.
	OnFailed func(c core.ContextID, token, reason string)

	// Logger for engine events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Engine owns the timelines of all joined contexts.
type Engine struct {
	cfg     EngineConfig
	log     *slog.Logger
	outbox  *Outbox
	tracker *ack.Tracker
	clock   *clock.Clock

	mu        sync.Mutex
	timelines map[core.ContextID]*timeline.Timeline
	seen      *dedupe.Deduplicator
	emitter   Emitter
	flushing  bool
}

// NewEngine creates a reconciliation engine with the given configuration.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = DefaultDuplicateWindow
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = timeline.DefaultMaxEntries
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.NewToken == nil {
		cfg.NewToken = uuid.NewString
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		log:    logger.WithGroup("reconcile"),
		outbox: NewOutbox(),
		tracker: ack.NewTracker(ack.TrackerConfig{
			DeliveryTimeout: cfg.DeliveryTimeout,
			Logger:          logger,
		}),
		clock:     cfg.Clock,
		timelines: make(map[core.ContextID]*timeline.Timeline),
		seen:      dedupe.NewWithCapacity(2*cfg.MaxEntries, 0),
	}
}

// SendOptimistic materializes d as a sending entry with a fresh correlation
// token, inserts it into the timeline of c and emits it. If no channel is
// attached the send is queued in the outbox. Sends rejected by the Gate
// create no entry and emit nothing.
func (e *Engine) SendOptimistic(c core.ContextID, d core.Draft) (core.Message, error) {
	if strings.TrimSpace(d.Content) == "" {
		return core.Message{}, ErrEmptyDraft
	}
	if e.cfg.Gate != nil {
		if err := e.cfg.Gate.CheckSend(c); err != nil {
			return core.Message{}, err
		}
	}

	m := core.Message{
		Token:     e.cfg.NewToken(),
		Context:   c,
		Sender:    e.cfg.Self,
		Recipient: d.Recipient,
		Content:   d.Content,
		Kind:      d.Kind,
		CreatedAt: e.clock.NowUnique(),
		Status:    core.StatusSending,
	}
	if d.Recipient != "" && c.IsRoom() {
		m.Kind = core.KindWhisper
	}

	e.mu.Lock()
	e.timelineLocked(c).Insert(m)
	e.mu.Unlock()

	e.log.Debug("optimistic send", "context", c.String(), "token", m.Token)
	e.changed(c)
	e.emit(m)
	return m, nil
}

func outboundFor(m core.Message) event.Outbound {
	if m.Recipient != "" {
		return event.SendWhisper{
			Context:   m.Context,
			Token:     m.Token,
			Recipient: m.Recipient,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		}
	}
	return event.SendMessage{
		Context:   m.Context,
		Token:     m.Token,
		Content:   m.Content,
		Kind:      m.Kind,
		CreatedAt: m.CreatedAt,
	}
}

func (e *Engine) emit(m core.Message) {
	ev := outboundFor(m)

	e.mu.Lock()
	em := e.emitter
	if em == nil || e.flushing {
		e.outbox.Push(ev, m.Token)
		e.mu.Unlock()
		e.log.Debug("send queued", "context", m.Context.String(), "token", m.Token)
		return
	}
	e.mu.Unlock()

	e.send(em, ev, m.Token)
}

// send emits one event. It returns false if the channel went away, in which
// case the caller decides whether to queue the event.
func (e *Engine) send(em Emitter, ev event.Outbound, token string) bool {
	err := em.Send(ev)
	switch {
	case err == nil:
		c := ev.Target()
		sent := time.Now()
		e.tracker.Track(token, ack.Pending{
			OnConfirm: func() {
				e.log.Debug("delivery confirmed", "context", c.String(), "token", token, "latency", time.Since(sent).String())
			},
			OnTimeout: func() { e.fail(c, token, "delivery timed out") },
		})
		return true
	case errors.Is(err, transport.ErrNotConnected):
		e.outbox.Push(ev, token)
		return false
	default:
		e.fail(ev.Target(), token, err.Error())
		return true
	}
}

// Attach makes em the channel for outgoing sends and flushes the outbox in
// order.
func (e *Engine) Attach(em Emitter) {
	e.mu.Lock()
	e.emitter = em
	e.flushing = true
	e.mu.Unlock()

	flushed := 0
	for {
		e.mu.Lock()
		if e.emitter != em {
			e.mu.Unlock()
			return
		}
		ev, token, ok := e.outbox.Pop()
		if !ok {
			e.flushing = false
			e.mu.Unlock()
			break
		}
		e.mu.Unlock()

		if !e.send(em, ev, token) {
			// send re-queued it at the back; restore the order.
			e.outbox.Remove(token)
			e.outbox.PushFront(ev, token)
			e.mu.Lock()
			if e.emitter == em {
				e.emitter = nil
				e.flushing = false
			}
			e.mu.Unlock()
			return
		}
		flushed++
	}
	if flushed > 0 {
		e.log.Info("outbox flushed", "sends", flushed)
	}
}

// Detach stops emitting. Subsequent sends are queued.
func (e *Engine) Detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitter = nil
	e.flushing = false
}

// Queued returns the number of sends waiting in the outbox.
func (e *Engine) Queued() int {
	return e.outbox.Len()
}

// ApplyInbound merges a server-pushed message into its context timeline.
func (e *Engine) ApplyInbound(m core.Message) Outcome {
	c := m.Context
	m.Status = core.StatusDelivered

	e.mu.Lock()
	tl := e.timelineLocked(c)
	res := e.applyLocked(tl, m)
	e.mu.Unlock()

	if res.token != "" {
		e.tracker.Resolve(res.token)
		if !m.CreatedAt.IsZero() && m.Sender == e.cfg.Self {
			e.clock.SetServerTime(m.CreatedAt)
		}
	}
	e.log.Debug("inbound applied", "context", c.String(), "server_id", m.ServerID, "outcome", res.outcome.String())
	if e.cfg.OnOutcome != nil {
		e.cfg.OnOutcome(c, res.outcome)
	}
	if res.outcome != OutcomeDuplicate {
		e.changed(c)
	}
	if res.gapCheck && e.cfg.OnAppend != nil {
		e.cfg.OnAppend(c, res.prev, res.cur)
	}
	return res.outcome
}

type applyResult struct {
	outcome  Outcome
	token    string
	prev     core.Message
	cur      core.Message
	gapCheck bool
}

func (e *Engine) applyLocked(tl *timeline.Timeline, m core.Message) applyResult {
	c := m.Context

	if m.ServerID != "" && (tl.IndexOfServerID(m.ServerID) >= 0 || e.seen.ContainsMessage(c, m.ServerID)) {
		if i := tl.IndexOfToken(m.Token); i >= 0 {
			if old := tl.At(i); !old.Confirmed() {
				tl.RemoveToken(m.Token)
				e.seen.HasSeenToken(m.Token)
				return applyResult{outcome: OutcomeConfirmed, token: m.Token}
			}
		}
		return applyResult{outcome: OutcomeDuplicate}
	}

	if i := tl.IndexOfToken(m.Token); i >= 0 {
		old := tl.At(i)
		if old.Confirmed() {
			return applyResult{outcome: OutcomeDuplicate}
		}
		tl.Update(i, confirmed(old, m))
		e.record(c, m.ServerID, m.Token)
		return applyResult{outcome: OutcomeConfirmed, token: m.Token}
	}

	if i := tl.IndexOfDuplicate(m.Sender, m.Content, m.CreatedAt, e.cfg.DuplicateWindow); i >= 0 {
		old := tl.At(i)
		tl.Update(i, confirmed(old, m))
		e.record(c, m.ServerID, old.Token)
		return applyResult{outcome: OutcomeMerged, token: old.Token}
	}

	// Without a server timestamp the message is placed at arrival time.
	if m.CreatedAt.IsZero() {
		m.CreatedAt = e.clock.Now()
	}
	prev, hasPrev := tl.Last()
	tl.Insert(m)
	e.record(c, m.ServerID, "")
	return applyResult{
		outcome:  OutcomeAppended,
		prev:     prev,
		cur:      m,
		gapCheck: hasPrev && m.Sender != e.cfg.Self,
	}
}

func (e *Engine) record(c core.ContextID, serverID, token string) {
	if serverID != "" {
		e.seen.HasSeenMessage(c, serverID)
	}
	if token != "" {
		e.seen.HasSeenToken(token)
	}
}

// confirmed merges the server's attributes into a local entry, keeping the
// local correlation token.
func confirmed(local, server core.Message) core.Message {
	m := server
	m.Token = local.Token
	m.Status = core.StatusDelivered
	if m.CreatedAt.IsZero() {
		m.CreatedAt = local.CreatedAt
	}
	if m.Recipient == "" {
		m.Recipient = local.Recipient
	}
	return m
}

// ApplyConfirmation applies a delivery acknowledgement for a local send.
// A confirmation for an entry that is already confirmed is discarded. A
// confirmation for a failed entry promotes it to delivered.
func (e *Engine) ApplyConfirmation(ev event.DeliveryConfirmed) Outcome {
	c := ev.Context
	outcome := e.confirm(ev)

	if outcome == OutcomeConfirmed {
		e.tracker.Resolve(ev.Token)
		if !ev.CreatedAt.IsZero() {
			e.clock.SetServerTime(ev.CreatedAt)
		}
	}
	e.log.Debug("confirmation applied", "context", c.String(), "token", ev.Token, "outcome", outcome.String())
	if e.cfg.OnOutcome != nil {
		e.cfg.OnOutcome(c, outcome)
	}
	if outcome == OutcomeConfirmed {
		e.changed(c)
	}
	return outcome
}

func (e *Engine) confirm(ev event.DeliveryConfirmed) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	tl := e.timelines[ev.Context]
	if tl == nil || ev.Token == "" {
		return OutcomeIgnored
	}
	i := tl.IndexOfToken(ev.Token)
	if i < 0 {
		if e.seen.HasSeenToken(ev.Token) {
			return OutcomeDuplicate
		}
		return OutcomeIgnored
	}
	old := tl.At(i)
	if old.Confirmed() || (old.Status == core.StatusDelivered && ev.ServerID == "") {
		return OutcomeDuplicate
	}

	if ev.ServerID != "" && tl.IndexOfServerID(ev.ServerID) >= 0 {
		tl.RemoveToken(ev.Token)
	} else {
		m := old
		m.ServerID = ev.ServerID
		m.Status = core.StatusDelivered
		if !ev.CreatedAt.IsZero() {
			m.CreatedAt = ev.CreatedAt
		}
		tl.Update(i, m)
	}
	e.record(ev.Context, ev.ServerID, ev.Token)
	return OutcomeConfirmed
}

// ApplyFailure marks the sending entry with token as failed. Entries that
// are already confirmed or failed are left unchanged.
func (e *Engine) ApplyFailure(c core.ContextID, token, reason string) error {
	e.tracker.Cancel(token)

	e.mu.Lock()
	tl := e.timelines[c]
	if tl == nil {
		e.mu.Unlock()
		return ErrUnknownToken
	}
	i := tl.IndexOfToken(token)
	if i < 0 {
		e.mu.Unlock()
		return ErrUnknownToken
	}
	m := tl.At(i)
	if m.Confirmed() || m.Status != core.StatusSending {
		e.mu.Unlock()
		return nil
	}
	m.Status = core.StatusFailed
	tl.Set(i, m)
	e.mu.Unlock()

	e.log.Warn("send failed", "context", c.String(), "token", token, "reason", reason)
	if e.cfg.OnFailed != nil {
		e.cfg.OnFailed(c, token, reason)
	}
	e.changed(c)
	return nil
}

func (e *Engine) fail(c core.ContextID, token, reason string) {
	if err := e.ApplyFailure(c, token, reason); err != nil {
		e.log.Debug("failure for unknown token", "context", c.String(), "token", token)
	}
}

// Retry re-sends a failed entry under a fresh correlation token. The failed
// entry is removed and a new sending entry takes its place.
func (e *Engine) Retry(c core.ContextID, token string) (core.Message, error) {
	e.mu.Lock()
	tl := e.timelines[c]
	i := -1
	if tl != nil {
		i = tl.IndexOfToken(token)
	}
	if i < 0 {
		e.mu.Unlock()
		return core.Message{}, ErrUnknownToken
	}
	old := tl.At(i)
	e.mu.Unlock()

	if old.Status != core.StatusFailed {
		return core.Message{}, ErrNotFailed
	}
	if e.cfg.Gate != nil {
		if err := e.cfg.Gate.CheckSend(c); err != nil {
			return core.Message{}, err
		}
	}

	e.mu.Lock()
	tl.RemoveToken(token)
	e.mu.Unlock()
	e.tracker.Cancel(token)
	e.outbox.Remove(token)

	kind := old.Kind
	if kind == core.KindWhisper {
		kind = core.KindText
	}
	return e.SendOptimistic(c, core.Draft{Content: old.Content, Kind: kind, Recipient: old.Recipient})
}

// Discard removes an unconfirmed local entry, e.g. when the user gives up on
// a failed send.
func (e *Engine) Discard(c core.ContextID, token string) error {
	e.mu.Lock()
	tl := e.timelines[c]
	if tl == nil {
		e.mu.Unlock()
		return ErrUnknownToken
	}
	i := tl.IndexOfToken(token)
	if i < 0 {
		e.mu.Unlock()
		return ErrUnknownToken
	}
	if m := tl.At(i); m.Confirmed() {
		e.mu.Unlock()
		return ErrUnknownToken
	}
	tl.RemoveToken(token)
	e.mu.Unlock()

	e.tracker.Cancel(token)
	e.outbox.Remove(token)
	e.changed(c)
	return nil
}

// ReplaceTimeline installs an authoritative history for c. Repeated server
// ids in msgs keep their first occurrence. Local unconfirmed entries survive
// unless the history contains them, either by token or by structural match.
// Unconfirmed entries that did not originate locally are discarded.
func (e *Engine) ReplaceTimeline(c core.ContextID, msgs []core.Message) {
	fetched := make([]core.Message, 0, len(msgs))
	tokens := make(map[string]struct{})
	ids := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ServerID != "" {
			if _, dup := ids[m.ServerID]; dup {
				continue
			}
			ids[m.ServerID] = struct{}{}
		}
		m.Context = c
		m.Status = core.StatusDelivered
		fetched = append(fetched, m)
		if m.Token != "" {
			tokens[m.Token] = struct{}{}
		}
	}

	var resolved []string
	e.mu.Lock()
	tl := e.timelineLocked(c)
	keep := fetched
	for _, p := range tl.Pending() {
		if _, ok := tokens[p.Token]; ok || e.inHistory(p, fetched) {
			resolved = append(resolved, p.Token)
			continue
		}
		keep = append(keep, p)
	}
	tl.Replace(keep)
	for _, m := range fetched {
		e.record(c, m.ServerID, "")
	}
	e.mu.Unlock()

	for _, token := range resolved {
		e.tracker.Resolve(token)
		e.outbox.Remove(token)
	}
	e.log.Debug("timeline replaced", "context", c.String(), "fetched", len(fetched), "kept_local", len(keep)-len(fetched))
	e.changed(c)
}

func (e *Engine) inHistory(p core.Message, fetched []core.Message) bool {
	for _, f := range fetched {
		if f.Sender != p.Sender || f.Content != p.Content {
			continue
		}
		d := f.CreatedAt.Sub(p.CreatedAt)
		if d >= -e.cfg.DuplicateWindow && d <= e.cfg.DuplicateWindow {
			return true
		}
	}
	return false
}

// Timeline returns a copy of the timeline of c in display order.
func (e *Engine) Timeline(c core.ContextID) []core.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	tl := e.timelines[c]
	if tl == nil {
		return nil
	}
	return tl.Snapshot()
}

// Drop forgets the timeline of c and every pending send targeting it.
func (e *Engine) Drop(c core.ContextID) {
	e.mu.Lock()
	tl := e.timelines[c]
	delete(e.timelines, c)
	e.mu.Unlock()

	if tl != nil {
		for _, p := range tl.Pending() {
			e.tracker.Cancel(p.Token)
		}
	}
	e.outbox.RemoveContext(c)
}

// Reset forgets every timeline, queued send and dedupe record.
func (e *Engine) Reset() {
	e.mu.Lock()
	timelines := e.timelines
	e.timelines = make(map[core.ContextID]*timeline.Timeline)
	e.emitter = nil
	e.flushing = false
	e.seen.Clear()
	e.mu.Unlock()

	for c, tl := range timelines {
		for _, p := range tl.Pending() {
			e.tracker.Cancel(p.Token)
		}
		e.outbox.RemoveContext(c)
	}
}

// PendingDeliveries returns the number of emitted sends awaiting
// confirmation.
func (e *Engine) PendingDeliveries() int {
	return e.tracker.PendingCount()
}

// CheckTimeouts marks every emitted send older than DeliveryTimeout failed.
func (e *Engine) CheckTimeouts() {
	e.tracker.CheckTimeouts()
}

// Start runs the delivery timeout loop. Blocks until the context is
// cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.tracker.Start(ctx)
}

// Stop cancels the delivery timeout loop.
func (e *Engine) Stop() {
	e.tracker.Stop()
}

func (e *Engine) timelineLocked(c core.ContextID) *timeline.Timeline {
	tl := e.timelines[c]
	if tl == nil {
		tl = timeline.New(e.cfg.MaxEntries)
		e.timelines[c] = tl
	}
	return tl
}

func (e *Engine) changed(c core.ContextID) {
	if e.cfg.OnChange != nil {
		e.cfg.OnChange(c)
	}
}
