package trial

import (
	"sync"

	"github.com/mpenc-go/mpenc/crypto"
)

// Target is the capability a caller supplies so Buffer can drive trial
// decryption without knowing anything about ciphertext formats or key
// material (spec.md §9 "explicit TrialTarget capability set").
type Target interface {
	// TryMe attempts to resolve param. pending is true when this is a
	// re-offer from a Sweep, false on first admission. TryMe reports
	// whether param was successfully handled; a true return removes it
	// from the buffer.
	TryMe(pending bool, param any) bool
	// ParamID returns a stable digest identifying param. Two params
	// with the same ParamID are duplicates: the newer replaces the
	// older in the queue.
	ParamID(param any) string
	// MaxSize returns the buffer's current capacity. It is queried on
	// every admission, so a Target may change its answer over time.
	MaxSize() int
}

// DefaultMaxSize is used when a Target reports a non-positive MaxSize.
const DefaultMaxSize = 64

type entry struct {
	id    string
	param any
}

// Buffer is the TrialBuffer of spec.md §4.2: a bounded FIFO of pending
// ciphertexts, retried oldest-first whenever the environment changes.
type Buffer struct {
	mu      sync.Mutex
	target  Target
	entries []entry
	logger  *crypto.LoggerHelper
}

// NewBuffer creates a Buffer driven by target.
func NewBuffer(target Target) *Buffer {
	return &Buffer{
		target: target,
		logger: crypto.NewLogger("trial", "Buffer"),
	}
}

// Trial offers param to the target immediately. If the target accepts it
// (tryMe returns true), Trial discards it. Otherwise param is appended to
// the queue, keyed by ParamID; an existing entry with the same id is
// replaced in place rather than duplicated. Admission always checks
// MaxSize and evicts the oldest entry on overflow, regardless of how
// likely that oldest entry is to eventually succeed.
func (b *Buffer) Trial(param any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.target.TryMe(false, param) {
		b.logger.Debug("trial: resolved on first offer")
		return
	}

	id := b.target.ParamID(param)
	for i, e := range b.entries {
		if e.id == id {
			b.entries[i] = entry{id: id, param: param}
			b.logger.WithField("paramId", id).Debug("trial: replaced pending duplicate")
			b.evictLocked()
			return
		}
	}

	b.entries = append(b.entries, entry{id: id, param: param})
	b.evictLocked()
}

func (b *Buffer) evictLocked() {
	max := b.target.MaxSize()
	if max <= 0 {
		max = DefaultMaxSize
	}
	for len(b.entries) > max {
		evicted := b.entries[0]
		b.entries = b.entries[1:]
		b.logger.WithField("paramId", evicted.id).Warn("trial buffer overflow: evicting oldest entry")
	}
}

// Sweep re-offers every pending entry to the target in insertion order,
// removing any that now succeed. Call this whenever a new session or
// group key becomes available.
func (b *Buffer) Sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.entries[:0]
	for _, e := range b.entries {
		if b.target.TryMe(true, e.param) {
			b.logger.WithField("paramId", e.id).Debug("trial: resolved on sweep")
			continue
		}
		remaining = append(remaining, e)
	}
	b.entries = remaining
}

// Len reports how many entries are currently pending.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
