package handler

import (
	"github.com/mpenc-go/mpenc/greet"
	"github.com/mpenc-go/mpenc/wire"
)

// Origin classifies who is responsible for a greet message relative to
// self, per spec.md §4.4's "origin ∈ {initiator, participant, outsider,
// ???}".
type Origin int

const (
	OriginUnknown Origin = iota
	OriginInitiator
	OriginParticipant
	OriginOutsider
)

func (o Origin) String() string {
	switch o {
	case OriginInitiator:
		return "initiator"
	case OriginParticipant:
		return "participant"
	case OriginOutsider:
		return "outsider"
	default:
		return "???"
	}
}

// Inspection is the cheap, non-cryptographic result of InspectMessage.
type Inspection struct {
	FrameType wire.FrameType
	Origin    Origin
	Tag       string
}

func containsMember(list []string, target string) bool {
	for _, m := range list {
		if m == target {
			return true
		}
	}
	return false
}

// classifyOrigin derives Origin from a greet message's type and member
// list relative to the members self currently knows about (spec.md
// §4.4).
func classifyOrigin(self string, msg greet.Message, knownMembers []string) Origin {
	switch {
	case msg.Type.Variant == greet.VariantInitiator:
		return OriginInitiator
	case containsMember(knownMembers, msg.Source):
		return OriginParticipant
	case containsMember(msg.Members, self):
		return OriginOutsider
	default:
		return OriginUnknown
	}
}

// negotiationTag derives the negotiation tag of spec.md §4.4: start me /
// start other / join me / join other / join (not involved) / exclude me
// / exclude other / refresh / quit.
func negotiationTag(self string, msg greet.Message) string {
	switch msg.Type.Operation {
	case greet.OpStart:
		if containsMember(msg.Members, self) {
			return "start-me"
		}
		return "start-other"
	case greet.OpJoin:
		switch {
		case msg.Dest == self:
			return "join-me"
		case containsMember(msg.Members, self):
			return "join-other"
		default:
			return "join-not-involved"
		}
	case greet.OpExclude:
		if !containsMember(msg.Members, self) {
			return "exclude-me"
		}
		return "exclude-other"
	case greet.OpRefresh:
		return "refresh"
	case greet.OpQuit:
		return "quit"
	default:
		return "unknown"
	}
}
