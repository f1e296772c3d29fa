package greet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/mpenc-go/mpenc/crypto"
)

// Wrapper is the GreetWrapper of spec.md §4.3: a stateful key-agreement
// engine combining a CLIQUES-style group Diffie-Hellman ladder with
// authenticated ephemeral signing-key exchange into a single 7-state
// machine.
type Wrapper struct {
	mu sync.Mutex

	self      string
	longTerm  crypto.SigningIdentity
	directory crypto.Directory
	time      crypto.TimeProvider
	logger    *crypto.LoggerHelper

	state          State
	recovering     bool
	lastTransition time.Time

	// members is the ordered set the current or most recently completed
	// agreement targets; self's position in it indexes its Ladder
	// partial-key entry.
	members []string
	ladder  crypto.Ladder
	myShare [32]byte

	ephemeralSeed [32]byte
	ephemeralPub  [32]byte

	// known holds every ephemeral public key introduced and
	// authenticated so far for the in-flight or completed agreement.
	known map[string][32]byte

	acked     map[string]bool
	sessionID string
	groupKey  [32]byte
}

// Config configures a new Wrapper.
type Config struct {
	Self      string
	LongTerm  crypto.SigningIdentity
	Directory crypto.Directory
	Time      crypto.TimeProvider
}

// NewWrapper creates a Wrapper in state NULL.
func NewWrapper(cfg Config) *Wrapper {
	tp := cfg.Time
	if tp == nil {
		tp = crypto.GetDefaultTimeProvider()
	}
	return &Wrapper{
		self:           cfg.Self,
		longTerm:       cfg.LongTerm,
		directory:      cfg.Directory,
		time:           tp,
		logger:         crypto.NewLogger("greet", "Wrapper"),
		state:          StateNull,
		lastTransition: tp.Now(),
		known:          make(map[string][32]byte),
		acked:          make(map[string]bool),
	}
}

// State returns the wrapper's current HandlerState.
func (w *Wrapper) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Recovering reports whether a recover-flagged operation is in flight
// (spec.md §8: "recovering is true iff a recover-flag message has been
// seen without a subsequent ready transition").
func (w *Wrapper) Recovering() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recovering
}

// GroupKey returns the current group key, valid only once State() ==
// StateReady.
func (w *Wrapper) GroupKey() [32]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.groupKey
}

// SessionID returns the current session id, valid once State() ==
// StateReady.
func (w *Wrapper) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// Members returns a copy of the wrapper's current member set.
func (w *Wrapper) Members() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.members...)
}

// EphemeralPubKeys returns a copy of every ephemeral signing public key
// introduced and authenticated so far, keyed by member id, so a caller
// can hand them to session.Store alongside the current Members/GroupKey
// once agreement completes.
func (w *Wrapper) EphemeralPubKeys() map[string][32]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string][32]byte, len(w.known))
	for m, pub := range w.known {
		out[m] = pub
	}
	return out
}

// EphemeralPublicKey returns self's current ephemeral signing public key,
// valid once State() is past StateNull.
func (w *Wrapper) EphemeralPublicKey() [32]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ephemeralPub
}

// EphemeralPrivateSeed returns self's current ephemeral signing seed, so
// a caller (MessageSecurity) can sign data messages under the same
// ephemeral identity negotiated by this agreement.
func (w *Wrapper) EphemeralPrivateSeed() [32]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ephemeralSeed
}

// LastTransition reports when the wrapper last changed HandlerState,
// letting a higher layer apply its own deadline before calling Recover
// (spec.md §5 "Timeouts are not part of the core").
func (w *Wrapper) LastTransition() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastTransition
}

func (w *Wrapper) setState(s State) {
	w.state = s
	w.lastTransition = w.time.Now()
}

// freshScalar generates a fresh ephemeral DH contribution. It reuses
// crypto.GenerateKeyPair (the teacher's NaCl box keypair generator) for
// its private scalar, since it already produces correctly-clamped
// Curve25519 scalars; the matching public half is not needed here as the
// Ladder carries the combined group elements directly.
func freshScalar() ([32]byte, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return [32]byte{}, fmt.Errorf("greet: generate scalar: %w", err)
	}
	share := kp.Private
	// The public half of kp is never used; wipe the temporary keypair
	// once the share is copied out.
	_ = crypto.WipeKeyPair(kp)
	return share, nil
}

func contains(list []string, target string) bool {
	for _, m := range list {
		if m == target {
			return true
		}
	}
	return false
}

func indexOf(list []string, target string) int {
	for i, m := range list {
		if m == target {
			return i
		}
	}
	return -1
}

func without(list []string, drop []string) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		if !contains(drop, m) {
			out = append(out, m)
		}
	}
	return out
}

// deriveSessionID computes a deterministic session id from the agreement
// inputs, treated as opaque per spec.md §3.
func deriveSessionID(members []string, pub map[string][32]byte) string {
	h := sha256.New()
	for _, m := range members {
		h.Write([]byte(m))
		h.Write([]byte{0})
		key := pub[m]
		h.Write(key[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sessionAckMessage(sessionID string, members []string, pub map[string][32]byte) []byte {
	h := sha256.New()
	h.Write([]byte(sessionID))
	for _, m := range members {
		h.Write([]byte(m))
		key := pub[m]
		h.Write(key[:])
	}
	return h.Sum(nil)
}

// resetAgreement clears in-flight agreement bookkeeping before starting a
// fresh upflow, keeping members/ladder/known seeded as the caller sets
// them up immediately after.
func (w *Wrapper) resetAgreement() {
	w.acked = make(map[string]bool)
	w.sessionID = ""
}

// introduceSelf generates a fresh ephemeral signing identity and signs it
// with the long-term key, producing the ASKE introduction fields for the
// first message of a new agreement.
func (w *Wrapper) introduceSelf() (*crypto.Signature, error) {
	seed, pub, err := crypto.GenerateSigningSeed()
	if err != nil {
		return nil, err
	}
	w.ephemeralSeed = seed
	w.ephemeralPub = pub
	w.known[w.self] = pub

	sig, err := crypto.Sign(pub[:], w.longTerm.Seed)
	if err != nil {
		return nil, fmt.Errorf("greet: sign ephemeral introduction: %w", err)
	}
	return &sig, nil
}

// Start begins an initial agreement with others (self is implicit and
// placed first in the member ordering). Only legal from StateNull.
func (w *Wrapper) Start(others []string) (Message, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateNull {
		return Message{}, newPreconditionError("start", w.state)
	}
	if contains(others, w.self) {
		return Message{}, newInconsistentError("member list includes self")
	}

	share, err := freshScalar()
	if err != nil {
		return Message{}, err
	}
	w.myShare = share
	w.members = append([]string{w.self}, others...)
	w.known = make(map[string][32]byte)
	w.resetAgreement()

	ladder, err := crypto.NewLadder().Contribute(share)
	if err != nil {
		return Message{}, fmt.Errorf("greet: contribute initial share: %w", err)
	}
	w.ladder = ladder

	sig, err := w.introduceSelf()
	if err != nil {
		return Message{}, err
	}

	w.setState(StateInitUpflow)
	w.logger.WithField("members", w.members).Info("start: entering INIT_UPFLOW")

	msg := Message{
		Type:             MessageType{Operation: OpStart, Direction: DirUp, Variant: VariantInitiator},
		Source:           w.self,
		Dest:             nextHop(w.members, w.self),
		Members:          append([]string(nil), w.members...),
		Ladder:           w.ladder,
		EphemeralPubKeys: cloneKnown(w.known),
		EphemeralKeySig:  sig,
	}
	return msg, nil
}

func nextHop(members []string, self string) string {
	idx := indexOf(members, self)
	if idx < 0 || idx == len(members)-1 {
		return ""
	}
	return members[idx+1]
}

func cloneKnown(known map[string][32]byte) map[string][32]byte {
	out := make(map[string][32]byte, len(known))
	for k, v := range known {
		out[k] = v
	}
	return out
}

// Join appends newMembers to the current READY session and begins an
// auxiliary upflow among them, after re-randomizing the existing ladder
// so joining members cannot derive the prior group key.
func (w *Wrapper) Join(newMembers []string) (Message, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateReady {
		return Message{}, newPreconditionError("join", w.state)
	}
	if len(newMembers) == 0 {
		return Message{}, newInconsistentError("join requires at least one new member")
	}
	for _, m := range newMembers {
		if contains(w.members, m) {
			return Message{}, newInconsistentError(fmt.Sprintf("member %s already present", m))
		}
	}

	fresh, err := freshScalar()
	if err != nil {
		return Message{}, err
	}
	sponsored, err := w.ladder.Sponsor(fresh)
	if err != nil {
		return Message{}, fmt.Errorf("greet: sponsor join: %w", err)
	}
	// w.myShare is untouched: Sponsor re-randomizes every existing
	// Partial entry in place, so each current member's original share
	// still derives the new Cardinal (see crypto.Ladder.Sponsor). Only
	// the new members need to extend the chain with their own
	// Contribute calls, which happens as the upflow relay reaches them.
	w.ladder = sponsored
	w.members = append(append([]string(nil), w.members...), newMembers...)
	w.resetAgreement()

	w.setState(StateAuxUpflow)
	w.logger.WithField("newMembers", newMembers).Info("join: entering AUX_UPFLOW")

	msg := Message{
		Type:             MessageType{Operation: OpJoin, Direction: DirUp, Variant: VariantInitiator},
		Source:           w.self,
		Dest:             newMembers[0],
		Members:          append([]string(nil), w.members...),
		Ladder:           w.ladder,
		EphemeralPubKeys: cloneKnown(w.known),
	}
	return msg, nil
}

// Exclude removes toExclude from the member set and broadcasts a
// downflow that advances the ladder with fresh randomness. If the result
// would leave exactly one member, Exclude issues Quit instead (spec.md
// §4.3 "last-man-standing").
func (w *Wrapper) Exclude(toExclude []string) (Message, error) {
	w.mu.Lock()
	ok := w.state == StateReady || (w.recovering && (w.state == StateInitDownflow || w.state == StateAuxDownflow))
	if !ok {
		w.mu.Unlock()
		return Message{}, newPreconditionError("exclude", w.state)
	}
	if contains(toExclude, w.self) {
		w.mu.Unlock()
		return Message{}, newInconsistentError("exclude list includes self")
	}
	remaining := without(w.members, toExclude)
	if len(remaining) <= 1 {
		w.mu.Unlock()
		w.logger.Warn("exclude: last-man-standing, issuing quit instead")
		return w.Quit()
	}

	fresh, err := freshScalar()
	if err != nil {
		w.mu.Unlock()
		return Message{}, err
	}

	remainingIdx := make([]int, 0, len(remaining))
	for _, m := range remaining {
		remainingIdx = append(remainingIdx, indexOf(w.members, m))
	}
	ladder, err := w.ladder.Exclude(remainingIdx, fresh)
	if err != nil {
		w.mu.Unlock()
		return Message{}, fmt.Errorf("greet: exclude ladder: %w", err)
	}

	w.ladder = ladder
	w.members = remaining
	knownFiltered := make(map[string][32]byte, len(remaining))
	for _, m := range remaining {
		if pk, ok := w.known[m]; ok {
			knownFiltered[m] = pk
		}
	}
	w.known = knownFiltered
	w.resetAgreement()
	w.setState(StateAuxDownflow)
	w.logger.WithField("excluded", toExclude).Info("exclude: entering AUX_DOWNFLOW")

	sig, err := w.signAck()
	if err != nil {
		w.mu.Unlock()
		return Message{}, err
	}
	msg := w.ackMessage(OpExclude, sig)
	w.mu.Unlock()
	return msg, nil
}

// Refresh keeps the current member set but advances the ladder with
// fresh randomness, broadcasting a new downflow.
func (w *Wrapper) Refresh() (Message, error) {
	w.mu.Lock()

	ok := w.state == StateReady || w.state == StateInitDownflow || w.state == StateAuxDownflow
	if !ok {
		w.mu.Unlock()
		return Message{}, newPreconditionError("refresh", w.state)
	}

	fresh, err := freshScalar()
	if err != nil {
		w.mu.Unlock()
		return Message{}, err
	}
	allIdx := make([]int, len(w.members))
	for i := range w.members {
		allIdx[i] = i
	}
	ladder, err := w.ladder.Exclude(allIdx, fresh)
	if err != nil {
		w.mu.Unlock()
		return Message{}, fmt.Errorf("greet: refresh ladder: %w", err)
	}
	w.ladder = ladder
	w.resetAgreement()
	w.setState(StateAuxDownflow)
	w.logger.Info("refresh: entering AUX_DOWNFLOW")

	// Refresh derives a new group key for the same member set and leaves
	// members/ephemeralPubKeys untouched (spec.md §3 "a new group key for
	// the *same* member set is derived (refresh); a new session is
	// created when the member set changes"). Only Start and upflow hops
	// (a new agreement or a join) generate ephemeral signing identities;
	// Exclude and Refresh keep them. See DESIGN.md's resolution of the
	// §3/§8 refresh-identity tension.
	sig, err := w.signAck()
	if err != nil {
		w.mu.Unlock()
		return Message{}, err
	}
	msg := w.ackMessage(OpRefresh, sig)
	w.mu.Unlock()
	return msg, nil
}

// Quit reveals self's ephemeral private signing seed and transitions to
// StateQuit. Forbidden from StateNull (no signed key exists yet).
func (w *Wrapper) Quit() (Message, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.quitLocked()
}

func (w *Wrapper) quitLocked() (Message, error) {
	if w.state == StateNull {
		return Message{}, newPreconditionError("quit", w.state)
	}
	seed := w.ephemeralSeed
	msg := Message{
		Type:             MessageType{Operation: OpQuit, Direction: DirDown},
		Source:           w.self,
		Members:          append([]string(nil), w.members...),
		QuitSigningKey:   &seed,
		EphemeralPubKeys: cloneKnown(w.known),
	}
	w.setState(StateQuit)
	w.recovering = false
	w.logger.Info("quit: entering QUIT")
	return msg, nil
}

// Recover attempts to rejoin agreement after a stalled or broken
// protocol run (spec.md §4.3 "Recover"). From READY/INIT_DOWNFLOW/
// AUX_DOWNFLOW, unsettled acks are discarded and either an exclude (if
// toExclude is non-empty) or a refresh is issued; from any other state,
// acks are discarded and a full re-initiation is run against the
// existing member set minus self.
func (w *Wrapper) Recover(toExclude []string) (Message, error) {
	w.mu.Lock()
	canRefine := w.state == StateReady || w.state == StateInitDownflow || w.state == StateAuxDownflow
	w.recovering = true
	w.acked = make(map[string]bool)
	w.mu.Unlock()

	if canRefine {
		if len(toExclude) > 0 {
			return w.Exclude(toExclude)
		}
		return w.Refresh()
	}

	w.mu.Lock()
	others := without(w.members, []string{w.self})
	w.setState(StateNull)
	w.mu.Unlock()

	return w.Start(others)
}

// signAck computes the current group key and signs the session
// acknowledgement over (sessionId, members, ephemeralPubKeys), recording
// self as acked.
func (w *Wrapper) signAck() (crypto.Signature, error) {
	idx := indexOf(w.members, w.self)
	if idx < 0 || idx >= w.ladder.Len() {
		return crypto.Signature{}, newInconsistentError("self not represented in ladder")
	}
	key, err := w.ladder.DeriveGroupKey(idx, w.myShare)
	if err != nil {
		return crypto.Signature{}, fmt.Errorf("greet: derive group key: %w", err)
	}
	w.groupKey = key
	w.sessionID = deriveSessionID(w.members, w.known)

	sig, err := crypto.Sign(sessionAckMessage(w.sessionID, w.members, w.known), w.ephemeralSeed)
	if err != nil {
		return crypto.Signature{}, fmt.Errorf("greet: sign session ack: %w", err)
	}
	w.acked[w.self] = true
	return sig, nil
}

func (w *Wrapper) ackMessage(op Operation, sig crypto.Signature) Message {
	return Message{
		Type:             MessageType{Operation: op, Direction: DirDown, Variant: VariantParticipant, IsRecover: w.recovering},
		Source:           w.self,
		Members:          append([]string(nil), w.members...),
		Ladder:           w.ladder,
		EphemeralPubKeys: cloneKnown(w.known),
		SessionSignature: &sig,
		SessionID:        w.sessionID,
	}
}

// HandleMessage advances the machine on an inbound greet message,
// returning zero or more outbound messages to emit.
func (w *Wrapper) HandleMessage(msg Message) ([]Message, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if msg.Source == w.self {
		return nil, ErrIgnored
	}
	if msg.Dest != "" && msg.Dest != w.self {
		return nil, ErrIgnored
	}
	if msg.Type.Operation == OpQuit {
		return w.handleQuitLocked(msg)
	}
	if contains(msg.Members, w.self) == false && len(msg.Members) > 0 {
		// A wrapper still in NULL has no agreement to quit, so a message
		// for a group it is not part of is simply ignored.
		if w.state == StateNull {
			return nil, ErrIgnored
		}
		// A message whose member list excludes self causes immediate
		// local quit (spec.md §4.3 tie-break).
		out, err := w.quitLocked()
		if err != nil {
			return nil, err
		}
		return []Message{out}, nil
	}

	switch msg.Type.Direction {
	case DirUp:
		return w.handleUpflowLocked(msg)
	default:
		return w.handleDownflowLocked(msg)
	}
}

func (w *Wrapper) handleQuitLocked(msg Message) ([]Message, error) {
	if msg.QuitSigningKey != nil {
		revealed := crypto.PublicFromSigningSeed(*msg.QuitSigningKey)
		if known, ok := w.known[msg.Source]; ok && revealed != known {
			w.logger.WithField("member", msg.Source).Warn("quit: revealed key does not match known ephemeral key")
		}
	}
	remaining := without(w.members, []string{msg.Source})
	w.members = remaining
	if len(remaining) <= 1 {
		out, err := w.quitLocked()
		if err != nil {
			return nil, err
		}
		return []Message{out}, nil
	}
	return nil, nil
}

func (w *Wrapper) handleUpflowLocked(msg Message) ([]Message, error) {
	// A member who has never participated in this agreement (StateNull)
	// joins the upflow relay on first contact; a member already mid-relay
	// stays in its own upflow state (spec.md §4.3 "upflow to me -> respond up").
	expectUpflow := w.state == StateNull || w.state == StateInitUpflow || w.state == StateAuxUpflow
	if !expectUpflow {
		return nil, newPreconditionError("upflow message", w.state)
	}

	if err := w.mergeIntroductionsLocked(msg); err != nil {
		return nil, err
	}

	share, err := freshScalar()
	if err != nil {
		return nil, err
	}
	w.myShare = share
	ladder, err := msg.Ladder.Contribute(share)
	if err != nil {
		return nil, fmt.Errorf("greet: contribute upflow share: %w", err)
	}
	w.ladder = ladder
	w.members = append([]string(nil), msg.Members...)

	sig, err := w.introduceSelf()
	if err != nil {
		return nil, err
	}

	last := w.self == w.members[len(w.members)-1]
	if !last {
		if msg.Type.Operation == OpStart {
			w.setState(StateInitUpflow)
		} else {
			w.setState(StateAuxUpflow)
		}
		out := Message{
			Type:             MessageType{Operation: msg.Type.Operation, Direction: DirUp, Variant: VariantParticipant},
			Source:           w.self,
			Dest:             nextHop(w.members, w.self),
			Members:          append([]string(nil), w.members...),
			Ladder:           w.ladder,
			EphemeralPubKeys: cloneKnown(w.known),
			EphemeralKeySig:  sig,
		}
		return []Message{out}, nil
	}

	if msg.Type.Operation == OpStart {
		w.setState(StateInitDownflow)
	} else {
		w.setState(StateAuxDownflow)
	}
	w.logger.Info("upflow complete: broadcasting downflow")

	ackSig, err := w.signAck()
	if err != nil {
		return nil, err
	}
	out := w.ackMessage(msg.Type.Operation, ackSig)
	out.EphemeralKeySig = sig
	return []Message{out}, nil
}

// mergeIntroductionsLocked folds the ephemeral public keys carried by msg
// into w.known. Source's own entry may legitimately rotate (a new
// agreement or full re-initiation) but only when accompanied by a verifying
// EphemeralKeySig; every other entry is trusted forwarded state and must
// match what is already known, since only its own signer can rotate it.
func (w *Wrapper) mergeIntroductionsLocked(msg Message) error {
	sourcePub, hasSourcePub := msg.EphemeralPubKeys[msg.Source]

	if msg.EphemeralKeySig != nil {
		if !hasSourcePub {
			return newInconsistentError("greet message missing sender's own ephemeral key")
		}
		if w.directory != nil {
			longTerm, found := w.directory.LookupLongTermKey(msg.Source)
			if found {
				valid, err := crypto.Verify(sourcePub[:], *msg.EphemeralKeySig, longTerm)
				if err != nil {
					return fmt.Errorf("greet: verify ephemeral introduction: %w", err)
				}
				if !valid {
					return &AuthFailure{Member: msg.Source}
				}
			}
		}
		w.known[msg.Source] = sourcePub
	}

	for member, pub := range msg.EphemeralPubKeys {
		if member == msg.Source && msg.EphemeralKeySig != nil {
			continue
		}
		if existing, ok := w.known[member]; ok && existing != pub {
			return newInconsistentError(fmt.Sprintf("ephemeral key for %s changed mid-agreement", member))
		}
		w.known[member] = pub
	}
	return nil
}

func (w *Wrapper) handleDownflowLocked(msg Message) ([]Message, error) {
	expectDownflow := w.state == StateInitUpflow || w.state == StateInitDownflow ||
		w.state == StateAuxUpflow || w.state == StateAuxDownflow || w.state == StateReady
	if !expectDownflow {
		return nil, newPreconditionError("downflow message", w.state)
	}

	if err := w.mergeIntroductionsLocked(msg); err != nil {
		return nil, err
	}

	switch w.state {
	case StateInitUpflow:
		w.setState(StateInitDownflow)
	case StateAuxUpflow:
		w.setState(StateAuxDownflow)
	case StateReady:
		w.setState(StateAuxDownflow)
		w.resetAgreement()
	}

	w.members = append([]string(nil), msg.Members...)
	w.ladder = msg.Ladder

	if msg.SessionSignature != nil {
		senderPub, ok := w.known[msg.Source]
		if !ok {
			return nil, newInconsistentError("downflow ack from unknown member")
		}
		sid := deriveSessionID(w.members, w.known)
		valid, err := crypto.Verify(sessionAckMessage(sid, w.members, w.known), *msg.SessionSignature, senderPub)
		if err != nil {
			return nil, fmt.Errorf("greet: verify session ack: %w", err)
		}
		if !valid {
			return nil, &AuthFailure{Member: msg.Source}
		}
		w.acked[msg.Source] = true
	}

	var out []Message
	if !w.acked[w.self] {
		sig, err := w.signAck()
		if err != nil {
			return nil, err
		}
		out = append(out, w.ackMessage(msg.Type.Operation, sig))
	}

	if w.allAckedLocked() {
		w.setState(StateReady)
		w.recovering = false
		w.logger.WithField("sessionId", w.sessionID).Info("agreement complete: entering READY")
	}

	return out, nil
}

func (w *Wrapper) allAckedLocked() bool {
	for _, m := range w.members {
		if !w.acked[m] {
			return false
		}
	}
	return true
}
