package wire

import "fmt"

// FrameType is the full classification spec.md §2's processMessage
// dispatches on: plaintext, query, greet, data or error.
type FrameType int

const (
	FrameTypePlaintext FrameType = iota
	FrameTypeQuery
	FrameTypeGreet
	FrameTypeData
	FrameTypeError
)

func (t FrameType) String() string {
	switch t {
	case FrameTypePlaintext:
		return "plaintext"
	case FrameTypeQuery:
		return "query"
	case FrameTypeGreet:
		return "greet"
	case FrameTypeData:
		return "data"
	case FrameTypeError:
		return "error"
	default:
		return "unknown"
	}
}

// ClassifyFrame determines a raw inbound frame's full type, per spec.md
// §2's processMessage dispatch: plaintext, query, greet, data or error.
// For protocol-armoured frames it decodes only the frame header (not the
// full greet message or ciphertext) to distinguish greet from data.
func ClassifyFrame(raw []byte) (FrameType, error) {
	switch k := ClassifyArmor(raw); k {
	case ArmorPlaintext:
		return FrameTypePlaintext, nil
	case ArmorQuery:
		return FrameTypeQuery, nil
	case ArmorError:
		return FrameTypeError, nil
	case ArmorProtocol:
		_, payload, err := DecodeProtocolFrame(raw)
		if err != nil {
			return 0, err
		}
		records, err := decodeTLV(payload)
		if err != nil {
			return 0, err
		}
		if len(records) < 1 || records[0].tag != tagFrameKind || len(records[0].value) != 1 {
			return 0, fmt.Errorf("%w: missing frame header", ErrMalformedArmor)
		}
		switch FrameKind(records[0].value[0]) {
		case FrameKindGreet:
			return FrameTypeGreet, nil
		case FrameKindData:
			return FrameTypeData, nil
		default:
			return 0, fmt.Errorf("wire: unknown frame kind %d", records[0].value[0])
		}
	default:
		return 0, fmt.Errorf("wire: unclassifiable frame")
	}
}
