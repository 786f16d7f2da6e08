// Package dedupe remembers recently seen server message identifiers.
//
// Timelines are bounded, so a message trimmed from the head of a timeline
// can no longer be matched by server id. The Deduplicator keeps fingerprints
// in circular buffers that outlive the timeline window: one table for
// server message ids (scoped by context) and one for correlation tokens
// whose confirmation has already been applied.
package dedupe

import (
	"github.com/kabili207/chatsync-go/core"
	"golang.org/x/crypto/blake2b"
)

const (
	// DefaultMaxMessageIDs is the default capacity for the message id table.
	DefaultMaxMessageIDs = 1024
	// DefaultMaxTokens is the default capacity for the confirmed token table.
	DefaultMaxTokens = 256
	// FingerprintSize is the truncated BLAKE2b digest size.
	FingerprintSize = 8
)

// Fingerprint is a truncated digest of a scoped identifier.
type Fingerprint [FingerprintSize]byte

type ring struct {
	slots []Fingerprint
	used  []bool
	next  int
}

func newRing(capacity int) ring {
	return ring{
		slots: make([]Fingerprint, capacity),
		used:  make([]bool, capacity),
	}
}

func (r *ring) seen(fp Fingerprint) bool {
	for i := range r.slots {
		if r.used[i] && r.slots[i] == fp {
			return true
		}
	}
	r.slots[r.next] = fp
	r.used[r.next] = true
	r.next = (r.next + 1) % len(r.slots)
	return false
}

func (r *ring) contains(fp Fingerprint) bool {
	for i := range r.slots {
		if r.used[i] && r.slots[i] == fp {
			return true
		}
	}
	return false
}

func (r *ring) clear() {
	clear(r.slots)
	clear(r.used)
	r.next = 0
}

// Deduplicator tracks recently seen message ids and confirmed tokens.
// It is not safe for concurrent use; callers serialize access.
type Deduplicator struct {
	messages ring
	tokens   ring
}

// New creates a Deduplicator with default buffer sizes.
func New() *Deduplicator {
	return NewWithCapacity(DefaultMaxMessageIDs, DefaultMaxTokens)
}

// NewWithCapacity creates a Deduplicator with the specified buffer sizes.
func NewWithCapacity(maxMessageIDs, maxTokens int) *Deduplicator {
	if maxMessageIDs <= 0 {
		maxMessageIDs = DefaultMaxMessageIDs
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Deduplicator{
		messages: newRing(maxMessageIDs),
		tokens:   newRing(maxTokens),
	}
}

// HasSeenMessage checks if a server message id has been seen in the given
// context. If not, it records the id and returns false.
func (d *Deduplicator) HasSeenMessage(ctx core.ContextID, serverID string) bool {
	return d.messages.seen(MessageFingerprint(ctx, serverID))
}

// ContainsMessage reports whether the id is recorded, without recording it.
func (d *Deduplicator) ContainsMessage(ctx core.ContextID, serverID string) bool {
	return d.messages.contains(MessageFingerprint(ctx, serverID))
}

// HasSeenToken checks if a confirmation for the correlation token has
// already been applied. If not, it records the token and returns false.
func (d *Deduplicator) HasSeenToken(token string) bool {
	return d.tokens.seen(TokenFingerprint(token))
}

// Clear resets the deduplicator, forgetting everything.
func (d *Deduplicator) Clear() {
	d.messages.clear()
	d.tokens.clear()
}

// MessageFingerprint computes the fingerprint of a server id scoped to a
// context: BLAKE2b-256(kind, context id, 0x00, server id) truncated.
func MessageFingerprint(ctx core.ContextID, serverID string) Fingerprint {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{byte(ctx.Kind)})
	h.Write([]byte(ctx.ID))
	h.Write([]byte{0})
	h.Write([]byte(serverID))
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// TokenFingerprint computes the fingerprint of a correlation token.
func TokenFingerprint(token string) Fingerprint {
	sum := blake2b.Sum256([]byte(token))
	var fp Fingerprint
	copy(fp[:], sum[:FingerprintSize])
	return fp
}
