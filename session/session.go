package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mpenc-go/mpenc/crypto"
)

// Sentinel errors returned by Store operations. Callers that need to
// distinguish failure kinds should use errors.Is.
var (
	ErrDuplicateSession      = errors.New("session: sessionId already known")
	ErrMemberKeyMismatch     = errors.New("session: members and ephemeral keys have different lengths")
	ErrInconsistentEphemeral = errors.New("session: ephemeral public key differs from the one already recorded")
	ErrNoGroupKey            = errors.New("session: session has no group key")
	ErrUnknownSession        = errors.New("session: sessionId not found")
	ErrMemberSetMismatch     = errors.New("session: member set does not match the existing session")
)

// EvictionPolicy controls what a Store does when AddSession would exceed
// its configured capacity.
type EvictionPolicy int

const (
	// EvictDrop silently discards the oldest session once capacity is
	// exceeded.
	EvictDrop EvictionPolicy = iota
	// EvictWarn discards the oldest session too, and also logs a warning
	// for each eviction. Useful while tuning Capacity in a deployment.
	EvictWarn
)

// DefaultCapacity is the default number of sessions a Store retains.
const DefaultCapacity = 20

// Config configures a Store.
type Config struct {
	// Capacity is the maximum number of sessions retained. Zero means
	// DefaultCapacity.
	Capacity int
	// EvictionPolicy selects the behavior when Capacity is exceeded.
	EvictionPolicy EvictionPolicy
}

func (c Config) capacity() int {
	if c.Capacity <= 0 {
		return DefaultCapacity
	}
	return c.Capacity
}

// Session is an immutable-by-convention snapshot of one sub-session: the
// member set that agreed on a key, their ephemeral public keys aligned by
// index to members, and the history of group keys derived for this member
// set, most recent first.
type Session struct {
	ID               string
	Members          []string
	EphemeralPubKeys [][32]byte
	GroupKeys        [][32]byte
}

// clone returns a deep copy so callers cannot mutate Store-owned state
// through a returned *Session.
func (s *Session) clone() *Session {
	out := &Session{
		ID:               s.ID,
		Members:          append([]string(nil), s.Members...),
		EphemeralPubKeys: append([][32]byte(nil), s.EphemeralPubKeys...),
		GroupKeys:        append([][32]byte(nil), s.GroupKeys...),
	}
	return out
}

// Lookup returns the ephemeral public key this session recorded for
// member, per spec.md §4.1's "fast lookup ... by (member id -> ephemeral
// public key)".
func (s *Session) Lookup(member string) ([32]byte, bool) {
	for i, m := range s.Members {
		if m == member {
			return s.EphemeralPubKeys[i], true
		}
	}
	return [32]byte{}, false
}

// Current returns the session's most recent group key.
func (s *Session) Current() ([32]byte, bool) {
	if len(s.GroupKeys) == 0 {
		return [32]byte{}, false
	}
	return s.GroupKeys[0], true
}

// hasGroupKey reports whether key already appears anywhere in the
// session's key history (spec.md §4.1 addGroupKey "no-op if already
// present at any position").
func (s *Session) hasGroupKey(key [32]byte) bool {
	for _, k := range s.GroupKeys {
		if k == key {
			return true
		}
	}
	return false
}

func memberIndex(members []string, member string) int {
	for i, m := range members {
		if m == member {
			return i
		}
	}
	return -1
}

// sameMemberSet reports whether a and b contain the same members,
// ignoring order (spec.md §4.1 update's "unordered set" comparison).
func sameMemberSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, m := range a {
		seen[m]++
	}
	for _, m := range b {
		seen[m]--
	}
	for _, count := range seen {
		if count != 0 {
			return false
		}
	}
	return true
}

// Store is the KeyStore of spec.md §4.1: an ordered cache of sessions with
// lookup by session id and, per session, by member.
type Store struct {
	mu     sync.Mutex
	config Config
	order  []string // most-recent-first
	byID   map[string]*Session
	logger *crypto.LoggerHelper
}

// NewStore creates an empty Store.
func NewStore(config Config) *Store {
	return &Store{
		config: config,
		byID:   make(map[string]*Session),
		logger: crypto.NewLogger("session", "Store"),
	}
}

// AddSession registers a brand new session. It fails if sid is already
// known, if members and pubKeys disagree in length, or if members
// contains the same member twice with different ephemeral keys.
func (st *Store) AddSession(sid string, members []string, pubKeys [][32]byte, groupKey [32]byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.addSessionLocked(sid, members, pubKeys, groupKey)
}

func (st *Store) addSessionLocked(sid string, members []string, pubKeys [][32]byte, groupKey [32]byte) error {
	log := st.logger.WithField("sessionId", sid).WithField("members", len(members))

	if _, exists := st.byID[sid]; exists {
		log.Warn("addSession: duplicate sessionId")
		return fmt.Errorf("%w: %s", ErrDuplicateSession, sid)
	}
	if len(members) != len(pubKeys) {
		log.Warn("addSession: member/key length mismatch")
		return fmt.Errorf("%w: %d members, %d keys", ErrMemberKeyMismatch, len(members), len(pubKeys))
	}
	seen := make(map[string][32]byte, len(members))
	for i, m := range members {
		if prev, ok := seen[m]; ok && prev != pubKeys[i] {
			log.WithField("member", m).Warn("addSession: inconsistent ephemeral key within member set")
			return fmt.Errorf("%w: member %s", ErrInconsistentEphemeral, m)
		}
		seen[m] = pubKeys[i]
	}

	sess := &Session{
		ID:               sid,
		Members:          append([]string(nil), members...),
		EphemeralPubKeys: append([][32]byte(nil), pubKeys...),
		GroupKeys:        [][32]byte{groupKey},
	}
	st.byID[sid] = sess
	st.order = append([]string{sid}, st.order...)

	st.evictLocked()
	log.Info("session added")
	return nil
}

func (st *Store) evictLocked() {
	cap := st.config.capacity()
	for len(st.order) > cap {
		last := len(st.order) - 1
		oldest := st.order[last]
		st.order = st.order[:last]
		delete(st.byID, oldest)
		if st.config.EvictionPolicy == EvictWarn {
			st.logger.WithField("sessionId", oldest).Warn("evicting oldest session over capacity")
		}
	}
}

// AddGroupKey prepends key to sid's key history. It is a no-op if key is
// already present anywhere in that history. If sid is not the most
// recent session, a non-fatal warning is logged (spec.md §4.1).
func (st *Store) AddGroupKey(sid string, key [32]byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.addGroupKeyLocked(sid, key)
}

func (st *Store) addGroupKeyLocked(sid string, key [32]byte) error {
	sess, ok := st.byID[sid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sid)
	}
	if sess.hasGroupKey(key) {
		return nil
	}
	sess.GroupKeys = append([][32]byte{key}, sess.GroupKeys...)

	if len(st.order) == 0 || st.order[0] != sid {
		st.logger.WithField("sessionId", sid).Warn("addGroupKey: sid is not the most recent session")
	}
	return nil
}

// AddGroupKeyLastSession prepends key to the most recent session's key
// history.
func (st *Store) AddGroupKeyLastSession(key [32]byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.order) == 0 {
		return fmt.Errorf("%w: store is empty", ErrUnknownSession)
	}
	return st.addGroupKeyLocked(st.order[0], key)
}

// Update asserts that sid's existing member set matches members (as an
// unordered set) and that pubKeys agree with what is already recorded,
// then calls AddGroupKey; if sid is unknown it calls AddSession instead.
func (st *Store) Update(sid string, members []string, pubKeys [][32]byte, key [32]byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, exists := st.byID[sid]
	if !exists {
		return st.addSessionLocked(sid, members, pubKeys, key)
	}

	if !sameMemberSet(sess.Members, members) {
		return fmt.Errorf("%w: %s", ErrMemberSetMismatch, sid)
	}
	for i, m := range members {
		idx := memberIndex(sess.Members, m)
		if idx >= 0 && sess.EphemeralPubKeys[idx] != pubKeys[i] {
			return fmt.Errorf("%w: member %s", ErrInconsistentEphemeral, m)
		}
	}
	return st.addGroupKeyLocked(sid, key)
}

// Get returns a copy of the session with the given id, if known.
func (st *Store) Get(sid string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.byID[sid]
	if !ok {
		return nil, false
	}
	return sess.clone(), true
}

// Sessions returns a copy of every retained session, most-recent-first.
func (st *Store) Sessions() []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*Session, 0, len(st.order))
	for _, sid := range st.order {
		out = append(out, st.byID[sid].clone())
	}
	return out
}

// Len reports how many sessions are currently retained.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.order)
}
