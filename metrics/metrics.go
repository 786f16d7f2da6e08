// Package metrics exposes prometheus collectors for the sync core.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional metrics sink without guarding every call.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatsync"

// Metrics groups the counters and gauges updated by the client.
type Metrics struct {
	Reconnects          prometheus.Counter
	ForcedLogouts       prometheus.Counter
	Resyncs             *prometheus.CounterVec // label: result (started, applied, discarded, failed)
	DuplicatesDiscarded prometheus.Counter
	DeliveriesFailed    prometheus.Counter
	RestrictedSends     prometheus.Counter
	Queued              prometheus.Gauge
	JoinedContexts      prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg uses a
// private registry, which keeps tests from colliding on the default one.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Number of times the channel session re-entered connecting after a drop.",
		}),
		ForcedLogouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_logouts_total",
			Help:      "Number of sessions terminated by an unrecoverable authorization failure.",
		}),
		Resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "History resynchronizations by result.",
		}, []string{"result"}),
		DuplicatesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_discarded_total",
			Help:      "Inbound messages discarded because the server id was already known.",
		}),
		DeliveriesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_failed_total",
			Help:      "Optimistic sends that ended in the failed state.",
		}),
		RestrictedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restricted_sends_total",
			Help:      "Sends rejected locally because of an active restriction.",
		}),
		Queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_queued",
			Help:      "Messages waiting in the offline outbox.",
		}),
		JoinedContexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "joined_contexts",
			Help:      "Contexts currently joined.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.Reconnects, m.ForcedLogouts, m.Resyncs, m.DuplicatesDiscarded,
		m.DeliveriesFailed, m.RestrictedSends, m.Queued, m.JoinedContexts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Resync result labels.
const (
	ResyncStarted   = "started"
	ResyncApplied   = "applied"
	ResyncDiscarded = "discarded"
	ResyncFailed    = "failed"
)

func (m *Metrics) IncReconnect() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) IncForcedLogout() {
	if m != nil {
		m.ForcedLogouts.Inc()
	}
}

func (m *Metrics) IncResync(result string) {
	if m != nil {
		m.Resyncs.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncDuplicate() {
	if m != nil {
		m.DuplicatesDiscarded.Inc()
	}
}

func (m *Metrics) IncDeliveryFailed() {
	if m != nil {
		m.DeliveriesFailed.Inc()
	}
}

func (m *Metrics) IncRestricted() {
	if m != nil {
		m.RestrictedSends.Inc()
	}
}

func (m *Metrics) SetQueued(n int) {
	if m != nil {
		m.Queued.Set(float64(n))
	}
}

func (m *Metrics) SetJoined(n int) {
	if m != nil {
		m.JoinedContexts.Set(float64(n))
	}
}
