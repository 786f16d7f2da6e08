package gap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kabili207/chatsync-go/core"
)

func TestDetectorDefaults(t *testing.T) {
	d := NewDetector(DetectorConfig{})
	if d.cfg.MaxForwardGap != DefaultMaxForwardGap {
		t.Errorf("MaxForwardGap = %v, want %v", d.cfg.MaxForwardGap, DefaultMaxForwardGap)
	}
	if d.cfg.MaxBackwardSkew != DefaultMaxBackwardSkew {
		t.Errorf("MaxBackwardSkew = %v, want %v", d.cfg.MaxBackwardSkew, DefaultMaxBackwardSkew)
	}
}

func TestDetectorDesynchronized(t *testing.T) {
	d := NewDetector(DetectorConfig{})
	base := time.Unix(1000, 0)

	tests := []struct {
		name  string
		delta time.Duration
		want  bool
	}{
		{"continuous", 2 * time.Second, false},
		{"equal", 0, false},
		{"at forward bound", 60 * time.Second, false},
		{"forward gap", 90 * time.Second, true},
		{"small skew", -3 * time.Second, false},
		{"at backward bound", -5 * time.Second, false},
		{"large skew", -10 * time.Second, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.Desynchronized(base, base.Add(tt.delta)); got != tt.want {
				t.Errorf("Desynchronized(+%v) = %v, want %v", tt.delta, got, tt.want)
			}
		})
	}
}

// blockingFetcher returns its configured history once release is closed.
type blockingFetcher struct {
	calls   atomic.Int32
	release chan struct{}
	mu      sync.Mutex
	results [][]core.Message
	err     error
}

func (f *blockingFetcher) FetchHistory(ctx context.Context, c core.ContextID) ([]core.Message, error) {
	n := int(f.calls.Add(1))
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n-1 < len(f.results) {
		return f.results[n-1], nil
	}
	return nil, nil
}

type applyRecorder struct {
	mu    sync.Mutex
	calls [][]core.Message
}

func (a *applyRecorder) apply(c core.ContextID, msgs []core.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, msgs)
}

func (a *applyRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resync result")
		return Result{}
	}
}

func waitInFlight(t *testing.T, r *Resyncer, c core.ContextID, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.InFlight(c) != want {
		if time.Now().After(deadline) {
			t.Fatalf("InFlight = %d, want %d", r.InFlight(c), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestResyncerTriggerApplies(t *testing.T) {
	room := core.Room("r1")
	hist := []core.Message{{ServerID: "m1", Context: room, Content: "hi"}}
	f := &blockingFetcher{results: [][]core.Message{hist}}
	rec := &applyRecorder{}
	r := NewResyncer(f, rec.apply, ResyncerConfig{})
	defer r.Close()

	res := waitResult(t, r.Trigger(room))
	if !res.Applied || res.Count != 1 || res.Err != nil {
		t.Errorf("result = %+v, want applied with 1 message", res)
	}
	if rec.count() != 1 {
		t.Errorf("apply calls = %d, want 1", rec.count())
	}
}

func TestResyncerCollapsesConcurrentTriggers(t *testing.T) {
	room := core.Room("r1")
	f := &blockingFetcher{release: make(chan struct{})}
	rec := &applyRecorder{}
	var started atomic.Int32
	r := NewResyncer(f, rec.apply, ResyncerConfig{
		OnStart: func(core.ContextID) { started.Add(1) },
	})
	defer r.Close()

	first := r.Trigger(room)
	waitInFlight(t, r, room, 1)

	var chans []<-chan Result
	for i := 0; i < 5; i++ {
		chans = append(chans, r.Trigger(room))
	}
	close(f.release)

	waitResult(t, first)
	for _, ch := range chans {
		if res := waitResult(t, ch); !res.Applied {
			t.Errorf("shared result = %+v, want applied", res)
		}
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
	if got := started.Load(); got != 1 {
		t.Errorf("OnStart calls = %d, want 1", got)
	}
	if rec.count() != 1 {
		t.Errorf("apply calls = %d, want 1", rec.count())
	}
}

func TestResyncerRefreshSupersedes(t *testing.T) {
	room := core.Room("r1")
	f := &blockingFetcher{
		release: make(chan struct{}),
		results: [][]core.Message{
			{{ServerID: "old"}},
			{{ServerID: "new"}},
		},
	}
	rec := &applyRecorder{}
	r := NewResyncer(f, rec.apply, ResyncerConfig{})
	defer r.Close()

	first := r.Trigger(room)
	waitInFlight(t, r, room, 1)
	second := r.Refresh(room)
	waitInFlight(t, r, room, 2)
	close(f.release)

	r1 := waitResult(t, first)
	r2 := waitResult(t, second)
	if r1.Applied || !r1.Discarded {
		t.Errorf("first = %+v, want discarded", r1)
	}
	if !r2.Applied {
		t.Errorf("second = %+v, want applied", r2)
	}
	if rec.count() != 1 {
		t.Fatalf("apply calls = %d, want 1", rec.count())
	}
	if got := rec.calls[0][0].ServerID; got != "new" {
		t.Errorf("applied history = %q, want new", got)
	}
}

func TestResyncerForgetDiscards(t *testing.T) {
	room := core.Room("r1")
	f := &blockingFetcher{release: make(chan struct{})}
	rec := &applyRecorder{}
	r := NewResyncer(f, rec.apply, ResyncerConfig{})
	defer r.Close()

	ch := r.Trigger(room)
	waitInFlight(t, r, room, 1)
	r.Forget(room)
	close(f.release)

	if res := waitResult(t, ch); !res.Discarded {
		t.Errorf("result = %+v, want discarded", res)
	}
	if rec.count() != 0 {
		t.Errorf("apply calls = %d, want 0", rec.count())
	}
}

func TestResyncerFetchError(t *testing.T) {
	room := core.Room("r1")
	wantErr := errors.New("boom")
	f := &blockingFetcher{err: wantErr}
	rec := &applyRecorder{}
	var done atomic.Int32
	r := NewResyncer(f, rec.apply, ResyncerConfig{
		OnDone: func(_ core.ContextID, res Result) {
			if errors.Is(res.Err, wantErr) {
				done.Add(1)
			}
		},
	})
	defer r.Close()

	res := waitResult(t, r.Trigger(room))
	if !errors.Is(res.Err, wantErr) {
		t.Errorf("Err = %v, want %v", res.Err, wantErr)
	}
	if rec.count() != 0 {
		t.Errorf("apply calls = %d, want 0", rec.count())
	}
	if done.Load() != 1 {
		t.Errorf("OnDone with error calls = %d, want 1", done.Load())
	}
}

func TestResyncerSequentialTriggersEachFetch(t *testing.T) {
	room := core.Room("r1")
	f := &blockingFetcher{}
	rec := &applyRecorder{}
	r := NewResyncer(f, rec.apply, ResyncerConfig{})
	defer r.Close()

	waitResult(t, r.Trigger(room))
	waitResult(t, r.Trigger(room))
	if got := f.calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}
}
