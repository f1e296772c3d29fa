package wire

import (
	"fmt"

	"github.com/mpenc-go/mpenc/crypto"
	"github.com/mpenc-go/mpenc/greet"
)

// TLV tags for the protocol-frame body, per spec.md §6: "protocol-
// version, message-type, source, destination, member list, integer-key
// ladder, nonces, ephemeral-pubkeys, session-signature, optional
// quit-signing-key, IV, ciphertext".
const (
	tagFrameKind         byte = 1
	tagProtocolVersion   byte = 2
	tagMessageType       byte = 3
	tagSource            byte = 4
	tagDest              byte = 5
	tagMember            byte = 6
	tagLadderPartial     byte = 7
	tagLadderCardinal    byte = 8
	tagNonce             byte = 9
	tagEphemeralPubKey   byte = 10
	tagEphemeralKeySig   byte = 11
	tagSessionSignature  byte = 12
	tagSessionID         byte = 13
	tagQuitSigningKey    byte = 14
	tagSessionHint       byte = 15
	tagIV                byte = 16
	tagCiphertext        byte = 17
)

// FrameKind distinguishes the two payloads a protocol-armoured frame can
// carry (spec.md §2 "data flow": greet | data).
type FrameKind byte

const (
	FrameKindGreet FrameKind = iota
	FrameKindData
)

// DataFrame is the encrypted-message envelope of spec.md §4.5: a short
// session-id/key hint, a fresh IV and the symmetric ciphertext of the
// TLV-encoded {parents, padding, body} plaintext.
type DataFrame struct {
	Hint       byte
	IV         [16]byte
	Ciphertext []byte
}

// Frame is the decoded protocol-frame payload: either a greet message
// driving the GreetWrapper state machine, or an encrypted data message.
type Frame struct {
	Version int
	Kind    FrameKind
	Greet   *greet.Message
	Data    *DataFrame
}

func packMessageType(t greet.MessageType) byte {
	b := byte(t.Operation) & 0x07
	if t.Direction == greet.DirDown {
		b |= 0x08
	}
	if t.Variant == greet.VariantParticipant {
		b |= 0x10
	}
	if t.IsRecover {
		b |= 0x20
	}
	return b
}

func unpackMessageType(b byte) greet.MessageType {
	t := greet.MessageType{Operation: greet.Operation(b & 0x07)}
	if b&0x08 != 0 {
		t.Direction = greet.DirDown
	} else {
		t.Direction = greet.DirUp
	}
	if b&0x10 != 0 {
		t.Variant = greet.VariantParticipant
	} else {
		t.Variant = greet.VariantInitiator
	}
	t.IsRecover = b&0x20 != 0
	return t
}

func packEphemeralPubKeyRecord(member string, pub [32]byte) []byte {
	out := make([]byte, 0, 1+len(member)+32)
	out = append(out, byte(len(member)))
	out = append(out, []byte(member)...)
	out = append(out, pub[:]...)
	return out
}

func unpackEphemeralPubKeyRecord(value []byte) (string, [32]byte, error) {
	var pub [32]byte
	if len(value) < 1 {
		return "", pub, fmt.Errorf("wire: empty ephemeral-pubkey record")
	}
	memberLen := int(value[0])
	if len(value) != 1+memberLen+32 {
		return "", pub, fmt.Errorf("wire: malformed ephemeral-pubkey record")
	}
	member := string(value[1 : 1+memberLen])
	copy(pub[:], value[1+memberLen:])
	return member, pub, nil
}

// EncodeGreetMessage serialises a greet.Message to its TLV body.
func EncodeGreetMessage(msg greet.Message) []byte {
	var records []tlvRecord
	records = append(records, tlvRecord{tagMessageType, []byte{packMessageType(msg.Type)}})
	records = append(records, tlvRecord{tagSource, []byte(msg.Source)})
	records = append(records, tlvRecord{tagDest, []byte(msg.Dest)})
	for _, m := range msg.Members {
		records = append(records, tlvRecord{tagMember, []byte(m)})
	}
	for _, p := range msg.Ladder.Partial {
		pCopy := p
		records = append(records, tlvRecord{tagLadderPartial, pCopy[:]})
	}
	cardinal := msg.Ladder.Cardinal
	records = append(records, tlvRecord{tagLadderCardinal, cardinal[:]})
	nonce := msg.Nonce
	records = append(records, tlvRecord{tagNonce, nonce[:]})
	for member, pub := range msg.EphemeralPubKeys {
		records = append(records, tlvRecord{tagEphemeralPubKey, packEphemeralPubKeyRecord(member, pub)})
	}
	if msg.EphemeralKeySig != nil {
		sig := *msg.EphemeralKeySig
		records = append(records, tlvRecord{tagEphemeralKeySig, sig[:]})
	}
	if msg.SessionSignature != nil {
		sig := *msg.SessionSignature
		records = append(records, tlvRecord{tagSessionSignature, sig[:]})
	}
	if msg.SessionID != "" {
		records = append(records, tlvRecord{tagSessionID, []byte(msg.SessionID)})
	}
	if msg.QuitSigningKey != nil {
		key := *msg.QuitSigningKey
		records = append(records, tlvRecord{tagQuitSigningKey, key[:]})
	}
	return encodeTLV(records)
}

// DecodeGreetMessage parses a TLV body produced by EncodeGreetMessage.
func DecodeGreetMessage(data []byte) (greet.Message, error) {
	records, err := decodeTLV(data)
	if err != nil {
		return greet.Message{}, err
	}

	var msg greet.Message
	msg.EphemeralPubKeys = make(map[string][32]byte)
	for _, r := range records {
		switch r.tag {
		case tagMessageType:
			if len(r.value) != 1 {
				return greet.Message{}, fmt.Errorf("wire: malformed message-type field")
			}
			msg.Type = unpackMessageType(r.value[0])
		case tagSource:
			msg.Source = string(r.value)
		case tagDest:
			msg.Dest = string(r.value)
		case tagMember:
			msg.Members = append(msg.Members, string(r.value))
		case tagLadderPartial:
			p, err := fixed32(r.value)
			if err != nil {
				return greet.Message{}, fmt.Errorf("wire: ladder partial: %w", err)
			}
			msg.Ladder.Partial = append(msg.Ladder.Partial, p)
		case tagLadderCardinal:
			c, err := fixed32(r.value)
			if err != nil {
				return greet.Message{}, fmt.Errorf("wire: ladder cardinal: %w", err)
			}
			msg.Ladder.Cardinal = c
		case tagNonce:
			if len(r.value) != 24 {
				return greet.Message{}, fmt.Errorf("wire: malformed nonce field")
			}
			copy(msg.Nonce[:], r.value)
		case tagEphemeralPubKey:
			member, pub, err := unpackEphemeralPubKeyRecord(r.value)
			if err != nil {
				return greet.Message{}, err
			}
			msg.EphemeralPubKeys[member] = pub
		case tagEphemeralKeySig:
			if len(r.value) != crypto.SignatureSize {
				return greet.Message{}, fmt.Errorf("wire: malformed ephemeral-key signature")
			}
			var sig crypto.Signature
			copy(sig[:], r.value)
			msg.EphemeralKeySig = &sig
		case tagSessionSignature:
			if len(r.value) != crypto.SignatureSize {
				return greet.Message{}, fmt.Errorf("wire: malformed session signature")
			}
			var sig crypto.Signature
			copy(sig[:], r.value)
			msg.SessionSignature = &sig
		case tagSessionID:
			msg.SessionID = string(r.value)
		case tagQuitSigningKey:
			key, err := fixed32(r.value)
			if err != nil {
				return greet.Message{}, fmt.Errorf("wire: quit signing key: %w", err)
			}
			msg.QuitSigningKey = &key
		}
	}
	return msg, nil
}

// EncodeDataFrame serialises a DataFrame to its TLV body.
func EncodeDataFrame(f DataFrame) []byte {
	iv := f.IV
	return encodeTLV([]tlvRecord{
		{tagSessionHint, []byte{f.Hint}},
		{tagIV, iv[:]},
		{tagCiphertext, f.Ciphertext},
	})
}

// DecodeDataFrame parses a TLV body produced by EncodeDataFrame.
func DecodeDataFrame(data []byte) (DataFrame, error) {
	records, err := decodeTLV(data)
	if err != nil {
		return DataFrame{}, err
	}
	var f DataFrame
	for _, r := range records {
		switch r.tag {
		case tagSessionHint:
			if len(r.value) != 1 {
				return DataFrame{}, fmt.Errorf("wire: malformed session hint")
			}
			f.Hint = r.value[0]
		case tagIV:
			if len(r.value) != 16 {
				return DataFrame{}, fmt.Errorf("wire: malformed IV")
			}
			copy(f.IV[:], r.value)
		case tagCiphertext:
			f.Ciphertext = append([]byte(nil), r.value...)
		}
	}
	return f, nil
}

// EncodeFrame wraps either a greet message or a data frame as a
// protocol-armoured frame ready for transport.
func EncodeFrame(version int, f Frame) (string, error) {
	var kindByte byte
	var body []byte
	switch f.Kind {
	case FrameKindGreet:
		if f.Greet == nil {
			return "", fmt.Errorf("wire: FrameKindGreet with nil Greet")
		}
		kindByte = byte(FrameKindGreet)
		body = EncodeGreetMessage(*f.Greet)
	case FrameKindData:
		if f.Data == nil {
			return "", fmt.Errorf("wire: FrameKindData with nil Data")
		}
		kindByte = byte(FrameKindData)
		body = EncodeDataFrame(*f.Data)
	default:
		return "", fmt.Errorf("wire: unknown frame kind %d", f.Kind)
	}

	payload := encodeTLV([]tlvRecord{
		{tagFrameKind, []byte{kindByte}},
		{tagProtocolVersion, []byte{byte(version)}},
	})
	payload = append(payload, body...)
	return EncodeProtocolFrame(version, payload), nil
}

// DecodeFrame parses a protocol-armoured frame into its greet or data
// payload.
func DecodeFrame(raw []byte) (Frame, error) {
	version, payload, err := DecodeProtocolFrame(raw)
	if err != nil {
		return Frame{}, err
	}
	records, err := decodeTLV(payload)
	if err != nil {
		return Frame{}, err
	}
	if len(records) < 2 || records[0].tag != tagFrameKind || records[1].tag != tagProtocolVersion {
		return Frame{}, fmt.Errorf("%w: missing frame header", ErrMalformedArmor)
	}
	if len(records[0].value) < 1 || len(records[1].value) < 1 {
		return Frame{}, fmt.Errorf("%w: empty frame header field", ErrMalformedArmor)
	}
	kind := FrameKind(records[0].value[0])
	rest := encodeTLV(records[2:])

	switch kind {
	case FrameKindGreet:
		msg, err := DecodeGreetMessage(rest)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Version: version, Kind: FrameKindGreet, Greet: &msg}, nil
	case FrameKindData:
		df, err := DecodeDataFrame(rest)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Version: version, Kind: FrameKindData, Data: &df}, nil
	default:
		return Frame{}, fmt.Errorf("wire: unknown frame kind %d", kind)
	}
}
