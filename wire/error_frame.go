package wire

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/mpenc-go/mpenc/crypto"
)

// Severity is an error frame's severity, per spec.md §6.
type Severity byte

const (
	SeverityInfo     Severity = 0x00
	SeverityWarning  Severity = 0x01
	SeverityTerminal Severity = 0x02
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityTerminal:
		return "TERMINAL"
	default:
		return "UNKNOWN"
	}
}

func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "INFO":
		return SeverityInfo, nil
	case "WARNING":
		return SeverityWarning, nil
	case "TERMINAL":
		return SeverityTerminal, nil
	default:
		return 0, fmt.Errorf("%w: unknown severity %q", ErrMalformedArmor, s)
	}
}

// ErrorFrame is a signed, self-describing error frame (spec.md §6/§7):
// sender's ephemeral signature, source member id, severity and text.
type ErrorFrame struct {
	Signature crypto.Signature
	From      string
	Severity  Severity
	Text      string
}

// EncodeErrorFrame renders f as `?mpENC Error:<sig>:from "<id>":<SEV>:<text>`.
func EncodeErrorFrame(f ErrorFrame) string {
	return fmt.Sprintf("%s%s:from %s:%s:%s",
		errorMarker, hex.EncodeToString(f.Signature[:]), strconv.Quote(f.From), f.Severity, f.Text)
}

// ParseErrorFrame parses an error-armoured frame produced by EncodeErrorFrame.
func ParseErrorFrame(raw []byte) (ErrorFrame, error) {
	s := string(raw)
	if !strings.HasPrefix(s, errorMarker) {
		return ErrorFrame{}, fmt.Errorf("%w: not an error frame", ErrMalformedArmor)
	}
	body := s[len(errorMarker):]

	parts := strings.SplitN(body, ":", 4)
	if len(parts) != 4 {
		return ErrorFrame{}, fmt.Errorf("%w: expected 4 colon-separated fields", ErrMalformedArmor)
	}
	sigHex, fromField, sevField, text := parts[0], parts[1], parts[2], parts[3]

	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil || len(sigBytes) != crypto.SignatureSize {
		return ErrorFrame{}, fmt.Errorf("%w: bad signature", ErrMalformedArmor)
	}
	var sig crypto.Signature
	copy(sig[:], sigBytes)

	fromField = strings.TrimPrefix(fromField, "from ")
	from, err := strconv.Unquote(fromField)
	if err != nil {
		return ErrorFrame{}, fmt.Errorf("%w: bad from field: %v", ErrMalformedArmor, err)
	}

	sev, err := ParseSeverity(sevField)
	if err != nil {
		return ErrorFrame{}, err
	}

	return ErrorFrame{Signature: sig, From: from, Severity: sev, Text: text}, nil
}
