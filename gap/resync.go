package gap

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/kabili207/chatsync-go/core"
	"golang.org/x/sync/singleflight"
)

// DefaultResyncTimeout bounds a single history refetch.
const DefaultResyncTimeout = 10 * time.Second

// Fetcher loads the authoritative history of a context, oldest first.
type Fetcher interface {
	FetchHistory(ctx context.Context, c core.ContextID) ([]core.Message, error)
}

// ApplyFunc replaces the local timeline of c with msgs.
type ApplyFunc func(c core.ContextID, msgs []core.Message)

// Result is the outcome of one resync request.
type Result struct {
	// Applied is true if the fetched history replaced the timeline.
	Applied bool
	// Discarded is true if a newer request superseded this one.
	Discarded bool
	// Count is the number of fetched messages.
	Count int
	Err   error
}

// ResyncerConfig configures a Resyncer.
type ResyncerConfig struct {
	// Timeout bounds each refetch. Default: 10 seconds.
	Timeout time.Duration

	// OnStart is called when a refetch actually starts. May be nil.
	OnStart func(c core.ContextID)

	// OnDone is called when a refetch finishes. May be nil.
	OnDone func(c core.ContextID, res Result)

	// Logger for resync events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Resyncer runs history refetches. Concurrent requests for the same context
// collapse into one in-flight refetch. Each context has a generation
// counter: Refresh and Forget advance it, and a refetch whose generation is
// no longer current at completion has its result discarded.
type Resyncer struct {
	cfg   ResyncerConfig
	log   *slog.Logger
	fetch Fetcher
	apply ApplyFunc
	group singleflight.Group

	mu       sync.Mutex
	gens     map[core.ContextID]uint64
	inflight map[core.ContextID]int
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewResyncer creates a Resyncer that loads history with fetch and installs
// it with apply.
func NewResyncer(fetch Fetcher, apply ApplyFunc, cfg ResyncerConfig) *Resyncer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultResyncTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Resyncer{
		cfg:      cfg,
		log:      logger.WithGroup("resync"),
		fetch:    fetch,
		apply:    apply,
		gens:     make(map[core.ContextID]uint64),
		inflight: make(map[core.ContextID]int),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Trigger requests a resync of c. If a refetch for c's current generation
// is already in flight, the caller shares its result instead of starting
// another one.
func (r *Resyncer) Trigger(c core.ContextID) <-chan Result {
	r.mu.Lock()
	gen := r.gens[c]
	ch := r.group.DoChan(flightKey(c, gen), func() (any, error) {
		return r.run(c, gen), nil
	})
	r.mu.Unlock()
	return results(ch)
}

// Refresh starts a new refetch of c even if one is in flight. The older
// refetch is not cancelled, but its result will be discarded.
func (r *Resyncer) Refresh(c core.ContextID) <-chan Result {
	r.mu.Lock()
	r.gens[c]++
	gen := r.gens[c]
	ch := r.group.DoChan(flightKey(c, gen), func() (any, error) {
		return r.run(c, gen), nil
	})
	r.mu.Unlock()
	return results(ch)
}

// Forget invalidates any in-flight refetch of c, e.g. after leaving it.
func (r *Resyncer) Forget(c core.ContextID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gens[c]++
}

// InFlight returns the number of refetches currently running for c.
func (r *Resyncer) InFlight(c core.ContextID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[c]
}

// Close cancels every in-flight refetch.
func (r *Resyncer) Close() {
	r.cancel()
}

func (r *Resyncer) run(c core.ContextID, gen uint64) Result {
	r.mu.Lock()
	r.inflight[c]++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inflight[c]--
		if r.inflight[c] == 0 {
			delete(r.inflight, c)
		}
		r.mu.Unlock()
	}()

	if r.cfg.OnStart != nil {
		r.cfg.OnStart(c)
	}
	r.log.Debug("refetching history", "context", c.String(), "gen", gen)

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.Timeout)
	msgs, err := r.fetch.FetchHistory(ctx, c)
	cancel()

	var res Result
	switch {
	case err != nil:
		r.log.Warn("history refetch failed", "context", c.String(), "error", err)
		res = Result{Err: err}
	case !r.isCurrent(c, gen):
		r.log.Debug("discarding superseded history", "context", c.String(), "gen", gen)
		res = Result{Discarded: true, Count: len(msgs)}
	default:
		r.apply(c, msgs)
		r.log.Info("timeline resynchronized", "context", c.String(), "messages", len(msgs))
		res = Result{Applied: true, Count: len(msgs)}
	}

	if r.cfg.OnDone != nil {
		r.cfg.OnDone(c, res)
	}
	return res
}

func (r *Resyncer) isCurrent(c core.ContextID, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gens[c] == gen
}

func flightKey(c core.ContextID, gen uint64) string {
	return c.String() + "#" + strconv.FormatUint(gen, 10)
}

func results(ch <-chan singleflight.Result) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		res := <-ch
		out <- res.Val.(Result)
	}()
	return out
}
