// Package gap detects timeline discontinuities and resynchronizes a
// context's timeline from the authoritative history store.
//
// Reconciliation alone cannot tell "missed a burst of messages while the
// channel was away" from "normal continuous flow". After each remote
// message is appended, the Detector compares its creation time with the
// newest entry already in the timeline; a delta outside the tolerated
// range flags the context as desynchronized and the Resyncer replaces the
// whole timeline.
package gap

import "time"

const (
	// DefaultMaxForwardGap is the largest tolerated forward delta between
	// consecutive remote messages.
	DefaultMaxForwardGap = 60 * time.Second

	// DefaultMaxBackwardSkew is the largest tolerated amount by which a
	// message may predate the newest entry (out-of-order arrival).
	DefaultMaxBackwardSkew = 5 * time.Second
)

// DetectorConfig configures a Detector.
type DetectorConfig struct {
	// MaxForwardGap is the upper bound on the forward delta.
	// Default: 60 seconds.
	MaxForwardGap time.Duration

	// MaxBackwardSkew is the bound on the negative delta.
	// Default: 5 seconds.
	MaxBackwardSkew time.Duration
}

// Detector checks timeline continuity. It is stateless and safe for
// concurrent use.
type Detector struct {
	cfg DetectorConfig
}

// NewDetector creates a Detector with the given configuration.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.MaxForwardGap <= 0 {
		cfg.MaxForwardGap = DefaultMaxForwardGap
	}
	if cfg.MaxBackwardSkew <= 0 {
		cfg.MaxBackwardSkew = DefaultMaxBackwardSkew
	}
	return &Detector{cfg: cfg}
}

// Desynchronized reports whether appending a message created at cur after
// an entry created at prev breaks continuity.
func (d *Detector) Desynchronized(prev, cur time.Time) bool {
	delta := cur.Sub(prev)
	return delta > d.cfg.MaxForwardGap || delta < -d.cfg.MaxBackwardSkew
}
