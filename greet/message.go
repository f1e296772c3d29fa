package greet

import "github.com/mpenc-go/mpenc/crypto"

// State is the HandlerState of spec.md §3, numbered per spec.md §6's
// wire state codes.
type State int

const (
	StateNull State = iota
	StateInitUpflow
	StateInitDownflow
	StateReady
	StateAuxUpflow
	StateAuxDownflow
	StateQuit
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "NULL"
	case StateInitUpflow:
		return "INIT_UPFLOW"
	case StateInitDownflow:
		return "INIT_DOWNFLOW"
	case StateReady:
		return "READY"
	case StateAuxUpflow:
		return "AUX_UPFLOW"
	case StateAuxDownflow:
		return "AUX_DOWNFLOW"
	case StateQuit:
		return "QUIT"
	default:
		return "UNKNOWN"
	}
}

// Operation identifies which of the five greet sub-protocols a Message
// belongs to.
type Operation int

const (
	OpStart Operation = iota
	OpJoin
	OpExclude
	OpRefresh
	OpQuit
)

func (o Operation) String() string {
	switch o {
	case OpStart:
		return "START"
	case OpJoin:
		return "JOIN"
	case OpExclude:
		return "EXCLUDE"
	case OpRefresh:
		return "REFRESH"
	case OpQuit:
		return "QUIT"
	default:
		return "UNKNOWN"
	}
}

// Direction distinguishes a directed upflow relay hop from a broadcast
// downflow.
type Direction int

const (
	DirUp Direction = iota
	DirDown
)

func (d Direction) String() string {
	if d == DirUp {
		return "up"
	}
	return "down"
}

// Variant marks whether the sender originated the operation or is
// relaying/acknowledging someone else's.
type Variant int

const (
	VariantInitiator Variant = iota
	VariantParticipant
)

// MessageType is the message-type byte of spec.md §4.3.
type MessageType struct {
	Operation Operation
	Direction Direction
	Variant   Variant
	IsRecover bool
}

// Message is a single greet wire message: spec.md §4.3's "source, dest
// (\"\" = broadcast), member list, integer-key vector (DH ladder
// material), nonces, ephemeral public keys, optional session signature,
// optional final signing key (on quit), and a message-type byte".
type Message struct {
	Type MessageType

	Source string
	Dest   string // "" means broadcast to every member

	Members []string
	Ladder  crypto.Ladder

	Nonce [24]byte

	// EphemeralPubKeys carries every ephemeral signing public key known
	// to Source at the time of sending, keyed by member id.
	EphemeralPubKeys map[string][32]byte

	// EphemeralKeySig authenticates Source's OWN entry in
	// EphemeralPubKeys: a long-term-key signature over that public key,
	// set the first time it is introduced (the ASKE step of spec.md
	// §1/§4.3).
	EphemeralKeySig *crypto.Signature

	// SessionSignature is Source's signature, made with its ephemeral
	// signing key, over (sessionId, members, ephemeralPubKeys) — the
	// downflow session acknowledgement of spec.md §4.3.
	SessionSignature *crypto.Signature
	SessionID        string

	// QuitSigningKey reveals Source's ephemeral private signing seed on
	// quit, so receivers can retroactively verify Source's past traffic
	// (spec.md §4.3 "Quit").
	QuitSigningKey *[32]byte
}
