package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncatedTLV is returned when a TLV stream ends mid-record.
var ErrTruncatedTLV = errors.New("wire: truncated TLV stream")

// tlvRecord is one (tag, value) pair in a TLV stream. Tags may repeat,
// to carry list-valued fields (member lists, ladder partial vectors,
// ephemeral key maps) in order.
type tlvRecord struct {
	tag   byte
	value []byte
}

// encodeTLV serialises records as a flat [tag(1)][len(2,BE)][value] stream.
func encodeTLV(records []tlvRecord) []byte {
	size := 0
	for _, r := range records {
		size += 3 + len(r.value)
	}
	out := make([]byte, 0, size)
	var lenBuf [2]byte
	for _, r := range records {
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(r.value)))
		out = append(out, r.tag)
		out = append(out, lenBuf[:]...)
		out = append(out, r.value...)
	}
	return out
}

// decodeTLV parses a flat TLV stream back into its records, in order.
func decodeTLV(data []byte) ([]tlvRecord, error) {
	var out []tlvRecord
	for len(data) > 0 {
		if len(data) < 3 {
			return nil, ErrTruncatedTLV
		}
		tag := data[0]
		length := int(binary.BigEndian.Uint16(data[1:3]))
		data = data[3:]
		if len(data) < length {
			return nil, ErrTruncatedTLV
		}
		out = append(out, tlvRecord{tag: tag, value: data[:length]})
		data = data[length:]
	}
	return out, nil
}

func fixed32(b []byte) ([32]byte, error) {
	var out [32]byte
	if len(b) != 32 {
		return out, fmt.Errorf("wire: expected 32-byte field, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
