package client

import (
	"context"
	"errors"

	"github.com/kabili207/chatsync-go/core"
	"github.com/kabili207/chatsync-go/event"
	"github.com/kabili207/chatsync-go/gap"
	"github.com/kabili207/chatsync-go/metrics"
	"github.com/kabili207/chatsync-go/reconcile"
	"github.com/kabili207/chatsync-go/session"
	"github.com/kabili207/chatsync-go/transport"
)

// onEvent is the channel's event handler. Context-scoped events go to that
// context's dispatcher; unscoped ones are handled inline. Moderation events
// are handled inline as well, so a restriction on a context that is not
// joined yet still applies after the join.
func (c *Client) onEvent(ev event.Inbound) {
	target := ev.Target()
	switch ev.(type) {
	case event.RestrictionApplied, event.ServerError:
		c.handle(ev)
		return
	}
	if target.IsZero() {
		c.handle(ev)
		return
	}
	d := c.dispatcher(target)
	if d == nil {
		c.log.Debug("event for unjoined context", "type", string(ev.Type()), "context", target.String())
		return
	}
	d.push(func() { c.handle(ev) })
}

// handle applies one inbound event. Events of one context never run
// concurrently.
func (c *Client) handle(ev event.Inbound) {
	switch e := ev.(type) {
	case event.MessageReceived:
		c.engine.ApplyInbound(e.Message)
	case event.DeliveryConfirmed:
		c.engine.ApplyConfirmation(e)
	case event.DeliveryFailed:
		if err := c.engine.ApplyFailure(e.Context, e.Token, e.Reason); errors.Is(err, reconcile.ErrUnknownToken) {
			c.log.Debug("failure for unknown token", "context", e.Context.String(), "token", e.Token)
		}
	case event.RosterUpdate:
		if !e.Context.IsRoom() {
			return
		}
		if c.roster.Apply(e.Context, e.Users) {
			c.publish(PresenceChanged{Context: e.Context, Users: c.Presence(e.Context)})
		}
	case event.UserTyping:
		if e.User != c.cfg.Self.ID {
			c.typing.OnTyping(e.Context, e.User)
		}
	case event.UserStoppedTyping:
		c.typing.OnStopTyping(e.Context, e.User)
	case event.RestrictionApplied:
		c.moderation.ApplyRestriction(e.Context, e.Until)
	case event.ServerError:
		c.moderation.ApplyError(e)
	default:
		c.log.Debug("unhandled event", "type", string(ev.Type()))
	}
}

// dispatcher returns the serial dispatcher of a joined context, creating it
// on first use. It returns nil for contexts that are not joined.
func (c *Client) dispatcher(ctx core.ContextID) *mailbox[func()] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := c.dispatchers[ctx]; d != nil {
		return d
	}
	if c.closed || !c.switcher.IsJoined(ctx) {
		return nil
	}
	d := newMailbox(func(fn func()) { fn() })
	c.dispatchers[ctx] = d
	return d
}

func (c *Client) closeDispatcher(ctx core.ContextID) {
	c.mu.Lock()
	d := c.dispatchers[ctx]
	delete(c.dispatchers, ctx)
	c.mu.Unlock()
	if d != nil {
		d.close()
	}
}

func (c *Client) closeDispatchers() {
	c.mu.Lock()
	ds := c.dispatchers
	c.dispatchers = make(map[core.ContextID]*mailbox[func()])
	c.mu.Unlock()
	for _, d := range ds {
		d.close()
	}
}

// checkContinuity runs after a message from another user was appended
// behind prev and triggers a resync when the pair cannot be trusted.
func (c *Client) checkContinuity(ctx core.ContextID, prev, cur core.Message) {
	if !c.detector.Desynchronized(prev.CreatedAt, cur.CreatedAt) {
		return
	}
	c.log.Info("timeline desynchronized",
		"context", ctx.String(),
		"delta", cur.CreatedAt.Sub(prev.CreatedAt).String(),
	)
	c.resyncer.Trigger(ctx)
}

// applyHistory installs a fetched history through the context's dispatcher
// so the replacement is ordered with inbound events.
func (c *Client) applyHistory(ctx core.ContextID, msgs []core.Message) {
	d := c.dispatcher(ctx)
	if d == nil {
		return
	}
	d.push(func() { c.engine.ReplaceTimeline(ctx, msgs) })
}

func (c *Client) onResyncDone(ctx core.ContextID, res gap.Result) {
	switch {
	case res.Err != nil:
		c.metrics.IncResync(metrics.ResyncFailed)
	case res.Discarded:
		c.metrics.IncResync(metrics.ResyncDiscarded)
	case res.Applied:
		c.metrics.IncResync(metrics.ResyncApplied)
	}
	c.publish(SyncingChanged{Context: ctx, Syncing: false, Err: res.Err})
	if transport.IsUnauthorized(res.Err) {
		c.onAuthFailure(res.Err)
	}
}

func (c *Client) onJoin(ctx core.ContextID) {
	c.dispatcher(ctx)
	c.resyncer.Refresh(ctx)
	c.metrics.SetJoined(len(c.switcher.Joined()))
	c.publishContexts()
}

func (c *Client) onLeave(ctx core.ContextID) {
	c.closeDispatcher(ctx)
	c.resyncer.Forget(ctx)
	c.debouncer.End(ctx)
	c.engine.Drop(ctx)
	c.roster.Remove(ctx)
	c.typing.Remove(ctx)
	c.metrics.SetJoined(len(c.switcher.Joined()))
	c.metrics.SetQueued(c.engine.Queued())
	c.publishContexts()
}

// onTransition reacts to session state changes. It runs inside the session's
// notification path and must not call Connect or Logout synchronously.
func (c *Client) onTransition(tr session.Transition) {
	c.publish(ConnectionChanged{From: tr.From, State: tr.To, Err: tr.Err, Attempt: tr.Attempt})

	if tr.From == session.StateConnected && tr.To != session.StateConnected {
		c.engine.Detach()
		c.debouncer.Reset()
		if tr.To == session.StateConnecting {
			c.metrics.IncReconnect()
		}
	}

	switch tr.To {
	case session.StateConnected:
		rejoined := c.switcher.Rejoin()
		c.engine.Attach(c.ch)
		c.metrics.SetQueued(c.engine.Queued())
		for _, ctx := range rejoined {
			c.resyncer.Refresh(ctx)
		}
	case session.StateLoggedOut:
		if tr.Err != nil {
			c.metrics.IncForcedLogout()
		}
		c.teardown()
		c.publish(LoggedOut{Err: tr.Err})
	}
}

// teardown forgets all per-session state after a logout.
func (c *Client) teardown() {
	for _, ctx := range c.switcher.Joined() {
		c.resyncer.Forget(ctx)
	}
	c.closeDispatchers()
	c.switcher.Reset()
	c.engine.Reset()
	c.roster.Clear()
	c.typing.Clear()
	c.debouncer.Reset()
	c.moderation.Reset()
	c.metrics.SetJoined(0)
	c.metrics.SetQueued(0)
}

// onAuthFailure escalates a server-reported authorization error to the
// session, which refreshes the credential or logs out.
func (c *Client) onAuthFailure(err error) {
	go func() {
		if rerr := c.session.Reauthenticate(c.ctx, err); rerr != nil && !errors.Is(rerr, context.Canceled) {
			c.log.Warn("reauthentication failed", "error", rerr)
		}
	}()
}

func (c *Client) publish(u Update) {
	c.pump.push(u)
}

func (c *Client) publishTimeline(ctx core.ContextID) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	c.pump.push(TimelineChanged{Context: ctx, Messages: c.Timeline(ctx)})
}

func (c *Client) publishContexts() {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	c.pump.push(ContextsChanged{Joined: c.switcher.Joined(), Active: c.switcher.Active()})
}

// deliver hands one update to the consumer, giving up when the client
// closes.
func (c *Client) deliver(u Update) {
	select {
	case c.updates <- u:
	case <-c.ctx.Done():
	}
}
