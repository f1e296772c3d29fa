package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mpenc-go/mpenc/crypto"
	"github.com/mpenc-go/mpenc/greet"
	"github.com/mpenc-go/mpenc/security"
	"github.com/mpenc-go/mpenc/session"
	"github.com/mpenc-go/mpenc/trial"
	"github.com/mpenc-go/mpenc/wire"
)

// DefaultProtocolVersion is used when Config.ProtocolVersion is unset.
const DefaultProtocolVersion = 1

// ErrNotReady is returned by Send/SendTo when the handler's agreement
// has not reached READY.
var ErrNotReady = errors.New("handler: not in READY state")

// OutboundFrame is one armoured wire frame queued for delivery. To is ""
// for a broadcast.
type OutboundFrame struct {
	To  string
	Raw string
}

// UIEvent is a display event queued for the application layer.
type UIEvent struct {
	Severity wire.Severity
	Text     string
}

// Config configures a new Handler.
type Config struct {
	Self      string
	LongTerm  crypto.SigningIdentity
	Directory crypto.Directory
	Time      crypto.TimeProvider

	ProtocolVersion int
	SessionCapacity int
	EvictionPolicy  session.EvictionPolicy

	// PaddingSize is the handler's default padding target, forwarded
	// verbatim to security.Config.PaddingSize: security.PaddingUseDefault
	// requests the package default, 0 (the zero value, so also the
	// default if left unset) disables padding, and a positive value sets
	// an explicit target.
	PaddingSize int

	// Registerer optionally wires Prometheus metrics. A nil Registerer
	// (the zero value) disables metrics entirely.
	Registerer prometheus.Registerer

	// OnQueueUpdated and OnStateUpdated are the two callbacks of spec.md
	// §4.4, invoked synchronously after every mutation that grows a
	// queue or changes greet state respectively. Either may be nil.
	OnQueueUpdated func()
	OnStateUpdated func(greet.State)
}

// Handler is the ProtocolHandler of spec.md §4.4.
type Handler struct {
	mu sync.Mutex

	self    string
	version int

	store     *session.Store
	wrapper   *greet.Wrapper
	trialBuf  *trial.Buffer
	sec       *security.Security
	secConfig security.Config

	protocolOut []OutboundFrame
	messageOut  []OutboundFrame
	ui          []UIEvent

	metrics *Metrics
	logger  *crypto.LoggerHelper

	onQueueUpdated func()
	onStateUpdated func(greet.State)
}

// pendingData is the trial.Target param type for an undecryptable data
// frame: the claimed author (supplied by the transport, not embedded in
// the ciphertext) and the frame itself.
type pendingData struct {
	claimedAuthor string
	frame         wire.DataFrame
}

type decryptTarget struct {
	h *Handler
}

func (t decryptTarget) TryMe(_ bool, param any) bool {
	pd, ok := param.(pendingData)
	if !ok {
		return false
	}
	return t.h.tryDecryptLocked(pd)
}

func (t decryptTarget) ParamID(param any) string {
	pd := param.(pendingData)
	sum := sha256.Sum256(append([]byte(pd.claimedAuthor), pd.frame.Ciphertext...))
	return hex.EncodeToString(sum[:8])
}

func (t decryptTarget) MaxSize() int {
	return trial.DefaultMaxSize
}

// New creates a Handler in greet state NULL.
func New(cfg Config) *Handler {
	version := cfg.ProtocolVersion
	if version <= 0 {
		version = DefaultProtocolVersion
	}
	h := &Handler{
		self:    cfg.Self,
		version: version,
		store:   session.NewStore(session.Config{Capacity: cfg.SessionCapacity, EvictionPolicy: cfg.EvictionPolicy}),
		wrapper: greet.NewWrapper(greet.Config{
			Self:      cfg.Self,
			LongTerm:  cfg.LongTerm,
			Directory: cfg.Directory,
			Time:      cfg.Time,
		}),
		secConfig:      security.Config{PaddingSize: cfg.PaddingSize},
		metrics:        NewMetrics(cfg.Registerer),
		logger:         crypto.NewLogger("handler", "Handler"),
		onQueueUpdated: cfg.OnQueueUpdated,
		onStateUpdated: cfg.OnStateUpdated,
	}
	h.trialBuf = trial.NewBuffer(decryptTarget{h: h})
	return h
}

// State returns the handler's current greet state.
func (h *Handler) State() greet.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.wrapper.State()
}

// ---- queue access ----

func (h *Handler) notifyQueueLocked() {
	if h.onQueueUpdated != nil {
		h.onQueueUpdated()
	}
}

func (h *Handler) enqueueProtocolLocked(f OutboundFrame) {
	h.protocolOut = append(h.protocolOut, f)
	h.metrics.setQueueDepth("protocol", len(h.protocolOut))
	h.notifyQueueLocked()
}

func (h *Handler) enqueueMessageLocked(f OutboundFrame) {
	h.messageOut = append(h.messageOut, f)
	h.metrics.setQueueDepth("message", len(h.messageOut))
	h.notifyQueueLocked()
}

func (h *Handler) enqueueUILocked(e UIEvent) {
	h.ui = append(h.ui, e)
	h.metrics.setQueueDepth("ui", len(h.ui))
	h.notifyQueueLocked()
}

func (h *Handler) enqueueGreetOutLocked(msg greet.Message) {
	raw, err := wire.EncodeFrame(h.version, wire.Frame{Kind: wire.FrameKindGreet, Greet: &msg})
	if err != nil {
		h.logger.WithError(err, "encode", "enqueueGreetOut").Error("failed to encode outbound greet message")
		return
	}
	h.enqueueProtocolLocked(OutboundFrame{To: msg.Dest, Raw: raw})
}

// DrainProtocolOut removes and returns every frame queued on protocolOut.
func (h *Handler) DrainProtocolOut() []OutboundFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.protocolOut
	h.protocolOut = nil
	h.metrics.setQueueDepth("protocol", 0)
	return out
}

// DrainMessageOut removes and returns every frame queued on messageOut.
func (h *Handler) DrainMessageOut() []OutboundFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.messageOut
	h.messageOut = nil
	h.metrics.setQueueDepth("message", 0)
	return out
}

// DrainUI removes and returns every pending UI event.
func (h *Handler) DrainUI() []UIEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.ui
	h.ui = nil
	h.metrics.setQueueDepth("ui", 0)
	return out
}

// ---- state transition plumbing ----

func (h *Handler) maybeTransitionLocked(prev greet.State) {
	cur := h.wrapper.State()
	if cur != prev {
		h.onStateTransitionLocked(cur)
	}
}

func (h *Handler) onStateTransitionLocked(state greet.State) {
	switch state {
	case greet.StateReady:
		h.rebuildSecurityLocked()
	case greet.StateQuit:
		h.sec = nil
	}
	h.metrics.observeState(state)
	if h.onStateUpdated != nil {
		h.onStateUpdated(state)
	}
}

// rebuildSecurityLocked records the just-completed agreement in the
// session store and builds a fresh security.Security bound to it, then
// retries anything sitting in the trial buffer (spec.md §4.4 "on state
// change into READY rebuild MessageSecurity").
func (h *Handler) rebuildSecurityLocked() {
	sid := h.wrapper.SessionID()
	members := h.wrapper.Members()
	known := h.wrapper.EphemeralPubKeys()
	pubKeys := make([][32]byte, len(members))
	for i, m := range members {
		pubKeys[i] = known[m]
	}
	groupKey := h.wrapper.GroupKey()

	if err := h.store.Update(sid, members, pubKeys, groupKey); err != nil {
		h.logger.WithError(err, "update", "rebuildSecurity").Warn("failed to record session in store")
	}
	h.sec = security.New(h.store, sid, h.self, h.wrapper.EphemeralPrivateSeed(), h.secConfig)
	h.trialBuf.Sweep()
}

func (h *Handler) tryDecryptLocked(pd pendingData) bool {
	if h.sec == nil {
		return false
	}
	pkt := security.Packet{Hint: pd.frame.Hint, IV: pd.frame.IV, Ciphertext: pd.frame.Ciphertext}
	plaintext, _, err := h.sec.Decrypt(pkt, pd.claimedAuthor)
	if err != nil {
		return false
	}
	h.enqueueUILocked(UIEvent{Severity: wire.SeverityInfo, Text: fmt.Sprintf("%s: %s", pd.claimedAuthor, plaintext)})
	return true
}

// localQuitLocked is the idempotent internal quit path triggered by a
// TERMINAL error sent or received; it is a no-op if the wrapper is
// already in QUIT or never started an agreement (NULL).
func (h *Handler) localQuitLocked() error {
	state := h.wrapper.State()
	if state == greet.StateNull || state == greet.StateQuit {
		return nil
	}
	msg, err := h.wrapper.Quit()
	if err != nil {
		return err
	}
	h.enqueueGreetOutLocked(msg)
	h.onStateTransitionLocked(greet.StateQuit)
	return nil
}

func (h *Handler) sendErrorLocked(sev wire.Severity, text string) error {
	seed := h.wrapper.EphemeralPrivateSeed()
	sig, err := crypto.Sign([]byte(text), seed)
	if err != nil {
		return fmt.Errorf("handler: sign error frame: %w", err)
	}
	ef := wire.ErrorFrame{Signature: sig, From: h.self, Severity: sev, Text: text}
	h.enqueueProtocolLocked(OutboundFrame{To: "", Raw: wire.EncodeErrorFrame(ef)})
	if sev == wire.SeverityTerminal {
		return h.localQuitLocked()
	}
	return nil
}

// SendError emits a signed error frame; TERMINAL also triggers local
// quit (spec.md §4.4).
func (h *Handler) SendError(severity wire.Severity, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sendErrorLocked(severity, text)
}

// ---- inbound dispatch ----

// ProcessMessage categorises and handles one inbound wire message, per
// spec.md §4.4's processMessage. from identifies the sender as claimed
// by the transport layer (delivery and authentication of that claim is
// outside this module's scope; see spec.md's Non-goals).
func (h *Handler) ProcessMessage(from string, raw []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch wire.ClassifyArmor(raw) {
	case wire.ArmorPlaintext:
		return h.handlePlaintextLocked(from)
	case wire.ArmorQuery:
		return h.handleQueryLocked(from)
	case wire.ArmorError:
		return h.handleErrorFrameLocked(raw)
	case wire.ArmorProtocol:
		frame, err := wire.DecodeFrame(raw)
		if err != nil {
			h.logger.WithError(err, "decode", "ProcessMessage").Warn("dropping malformed protocol frame")
			return nil
		}
		switch frame.Kind {
		case wire.FrameKindGreet:
			return h.handleGreetLocked(*frame.Greet)
		case wire.FrameKindData:
			return h.handleDataLocked(from, *frame.Data)
		default:
			h.logger.Warn("processMessage: unknown frame kind, dropping")
			return nil
		}
	default:
		h.logger.Warn("processMessage: unclassifiable frame, dropping")
		return nil
	}
}

func (h *Handler) handlePlaintextLocked(from string) error {
	query := wire.EncodeQueryFrame(h.version, []byte("handshake-request"))
	h.enqueueProtocolLocked(OutboundFrame{To: from, Raw: query})
	h.enqueueUILocked(UIEvent{Severity: wire.SeverityInfo, Text: fmt.Sprintf("received plaintext from %s; requested a handshake", from)})
	return nil
}

func (h *Handler) handleQueryLocked(from string) error {
	prev := h.wrapper.State()
	msg, err := h.wrapper.Start([]string{from})
	if err != nil {
		if errors.Is(err, greet.ErrPrecondition) {
			h.logger.WithField("from", from).Debug("query ignored: agreement already in flight")
			return nil
		}
		return err
	}
	h.enqueueGreetOutLocked(msg)
	h.maybeTransitionLocked(prev)
	return nil
}

func (h *Handler) handleErrorFrameLocked(raw []byte) error {
	ef, err := wire.ParseErrorFrame(raw)
	if err != nil {
		h.logger.WithError(err, "parse", "error-frame").Warn("dropping malformed error frame")
		return nil
	}

	verified := false
	if pub, ok := h.wrapper.EphemeralPubKeys()[ef.From]; ok {
		if valid, verr := crypto.Verify([]byte(ef.Text), ef.Signature, pub); verr == nil && valid {
			verified = true
		}
	}
	text := ef.Text
	if !verified {
		text = fmt.Sprintf("(unverified sender) %s", text)
	}
	h.enqueueUILocked(UIEvent{Severity: ef.Severity, Text: text})

	if ef.Severity == wire.SeverityTerminal {
		return h.localQuitLocked()
	}
	return nil
}

func (h *Handler) handleGreetLocked(msg greet.Message) error {
	prev := h.wrapper.State()
	outbound, err := h.wrapper.HandleMessage(msg)
	if err != nil {
		var af *greet.AuthFailure
		switch {
		case errors.As(err, &af):
			return h.sendErrorLocked(wire.SeverityTerminal, af.Error())
		case errors.Is(err, greet.ErrIgnored):
			h.logger.Debug("greet message ignored")
			return nil
		default:
			h.logger.WithError(err, "handle", "greet").Warn("dropping greet message")
			return nil
		}
	}
	for _, m := range outbound {
		h.enqueueGreetOutLocked(m)
	}
	h.maybeTransitionLocked(prev)
	return nil
}

func (h *Handler) handleDataLocked(from string, df wire.DataFrame) error {
	if h.wrapper.State() != greet.StateReady {
		h.logger.Warn("dropping data frame: not in READY state")
		return nil
	}
	h.trialBuf.Trial(pendingData{claimedAuthor: from, frame: df})
	return nil
}

// InspectMessage is the cheap, non-cryptographic classifier of spec.md
// §4.4: frame type plus, for greet frames, origin and negotiation tag.
func (h *Handler) InspectMessage(raw []byte) (Inspection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ft, err := wire.ClassifyFrame(raw)
	if err != nil {
		return Inspection{}, err
	}
	if ft != wire.FrameTypeGreet {
		return Inspection{FrameType: ft, Origin: OriginUnknown, Tag: "unknown"}, nil
	}
	frame, err := wire.DecodeFrame(raw)
	if err != nil {
		return Inspection{}, err
	}
	msg := *frame.Greet
	return Inspection{
		FrameType: ft,
		Origin:    classifyOrigin(h.self, msg, h.wrapper.Members()),
		Tag:       negotiationTag(h.self, msg),
	}, nil
}

// ---- control operations ----

// Start begins an initial agreement with others.
func (h *Handler) Start(others []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.wrapper.State()
	msg, err := h.wrapper.Start(others)
	if err != nil {
		return err
	}
	h.enqueueGreetOutLocked(msg)
	h.maybeTransitionLocked(prev)
	return nil
}

// Join invites newMembers into the current session.
func (h *Handler) Join(newMembers []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.wrapper.State()
	msg, err := h.wrapper.Join(newMembers)
	if err != nil {
		return err
	}
	h.enqueueGreetOutLocked(msg)
	h.maybeTransitionLocked(prev)
	return nil
}

// Exclude removes toExclude from the current session.
func (h *Handler) Exclude(toExclude []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.wrapper.State()
	msg, err := h.wrapper.Exclude(toExclude)
	if err != nil {
		return err
	}
	h.enqueueGreetOutLocked(msg)
	h.maybeTransitionLocked(prev)
	return nil
}

// Refresh advances the group key without changing membership.
func (h *Handler) Refresh() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.wrapper.State()
	msg, err := h.wrapper.Refresh()
	if err != nil {
		return err
	}
	h.enqueueGreetOutLocked(msg)
	h.maybeTransitionLocked(prev)
	return nil
}

// Quit leaves the session.
func (h *Handler) Quit() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.wrapper.State()
	msg, err := h.wrapper.Quit()
	if err != nil {
		return err
	}
	h.enqueueGreetOutLocked(msg)
	h.maybeTransitionLocked(prev)
	return nil
}

// Recover attempts to rejoin agreement after a stalled protocol run.
func (h *Handler) Recover(toExclude []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.wrapper.State()
	msg, err := h.wrapper.Recover(toExclude)
	if err != nil {
		return err
	}
	h.enqueueGreetOutLocked(msg)
	h.maybeTransitionLocked(prev)
	return nil
}

// Send encrypts text under the current group key and enqueues it for
// broadcast. Requires READY. paddingSize follows
// security.Security.Encrypt's convention: security.PaddingUseDefault
// inherits Config.PaddingSize, 0 disables padding for this message, and
// a positive value overrides it.
func (h *Handler) Send(text string, parents []string, paddingSize int) error {
	return h.sendLocked("", text, parents, paddingSize)
}

// SendTo is the directed variant of Send. Because the symmetric key is
// shared by the whole group, a directed message is readable by every
// member who holds it, not only to — this emits an explicit UI warning
// to that effect (spec.md §4.4).
func (h *Handler) SendTo(text string, to string, parents []string, paddingSize int) error {
	h.mu.Lock()
	h.enqueueUILocked(UIEvent{
		Severity: wire.SeverityWarning,
		Text:     "sendTo: directed messages are not confidential with respect to the rest of the group",
	})
	h.mu.Unlock()
	return h.sendLocked(to, text, parents, paddingSize)
}

func (h *Handler) sendLocked(to, text string, parents []string, paddingSize int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.wrapper.State() != greet.StateReady || h.sec == nil {
		return ErrNotReady
	}
	pkt, err := h.sec.Encrypt([]byte(text), parents, paddingSize)
	if err != nil {
		return fmt.Errorf("handler: encrypt: %w", err)
	}
	df := wire.DataFrame{Hint: pkt.Hint, IV: pkt.IV, Ciphertext: pkt.Ciphertext}
	raw, err := wire.EncodeFrame(h.version, wire.Frame{Kind: wire.FrameKindData, Data: &df})
	if err != nil {
		return fmt.Errorf("handler: encode data frame: %w", err)
	}
	h.enqueueMessageLocked(OutboundFrame{To: to, Raw: raw})
	return nil
}
