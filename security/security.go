package security

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mpenc-go/mpenc/crypto"
	"github.com/mpenc-go/mpenc/session"
)

// ErrNoGroupKey is returned by Encrypt when the bound session has no
// group key yet (it has not completed agreement).
var ErrNoGroupKey = errors.New("security: session has no group key")

// ErrNoCandidateDecrypted is returned by Decrypt when no retained
// session/key candidate whose hint matches the packet successfully
// verifies. Per spec.md §4.5 this is not a hard failure: the caller
// (via TrialBuffer) retries on every subsequent store update.
var ErrNoCandidateDecrypted = errors.New("security: no session/key candidate decrypted this message")

// Config configures a Security instance.
type Config struct {
	// PaddingSize selects the instance's default padding target.
	// PaddingUseDefault requests DefaultPaddingSize (spec.md §6); 0
	// disables padding outright per spec.md §8's "padding=0 disables
	// padding"; any positive value is used verbatim as the configured
	// target P of spec.md §4.5. The zero value of Config therefore
	// disables padding by default — set PaddingSize explicitly to
	// PaddingUseDefault to opt into the 128-byte default bucket.
	PaddingSize int
}

func (c Config) paddingSize() int {
	if c.PaddingSize == PaddingUseDefault {
		return DefaultPaddingSize
	}
	if c.PaddingSize < 0 {
		return 0
	}
	return c.PaddingSize
}

// Packet is the plaintext-side view of an encrypted data message: a
// fresh IV, the ciphertext, and a hint used to narrow which
// session/key combinations are worth trying on decrypt.
type Packet struct {
	Hint       byte
	IV         [16]byte
	Ciphertext []byte
}

// Security is the MessageSecurity of spec.md §4.5: it wraps a
// *session.Store read-only, bound to one sessionId and to self's
// current ephemeral signing identity (the handler rebuilds a new
// Security every time the GreetWrapper enters READY).
type Security struct {
	store         *session.Store
	sessionID     string
	self          string
	ephemeralSeed [32]byte
	config        Config
	logger        *crypto.LoggerHelper
}

// New creates a Security bound to sessionID, signing outgoing messages
// with ephemeralSeed.
func New(store *session.Store, sessionID, self string, ephemeralSeed [32]byte, config Config) *Security {
	return &Security{
		store:         store,
		sessionID:     sessionID,
		self:          self,
		ephemeralSeed: ephemeralSeed,
		config:        config,
		logger:        crypto.NewLogger("security", "Security"),
	}
}

func deriveSymmetricKey(groupKey [32]byte) [32]byte {
	return sha256.Sum256(append([]byte("mpenc-message-key:"), groupKey[:]...))
}

// candidateHint derives the short, non-unique session/key hint of
// spec.md §4.5 ("a truncation of the session id or group key
// derivative... need not be unique, collisions resolved by trial").
func candidateHint(sessionID string, groupKey [32]byte) byte {
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write(groupKey[:])
	return h.Sum(nil)[0]
}

// encodeInnerBody builds the TLV {parents, padding, body} payload of
// spec.md §4.5, carrying the real (unpadded) body length so Decrypt can
// strip padding, and the ephemeral signature over the unpadded body.
func encodeInnerBody(parents []string, realLen int, padded []byte, sig crypto.Signature) []byte {
	var out []byte
	var lenBuf [4]byte
	for _, p := range parents {
		out = appendField(out, innerTagParent, []byte(p))
	}
	binary.BigEndian.PutUint32(lenBuf[:], uint32(realLen))
	out = appendField(out, innerTagBodyLen, lenBuf[:])
	out = appendField(out, innerTagBody, padded)
	out = appendField(out, innerTagSignature, sig[:])
	return out
}

const (
	innerTagParent    byte = 1
	innerTagBodyLen   byte = 2
	innerTagBody      byte = 3
	innerTagSignature byte = 4
)

func appendField(buf []byte, tag byte, value []byte) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(value)))
	buf = append(buf, tag)
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, value...)
	return buf
}

func decodeInnerBody(data []byte) (parents []string, body []byte, sig crypto.Signature, err error) {
	var bodyLen uint32
	haveBodyLen, havePadded, haveSig := false, false, false
	var padded []byte

	for len(data) > 0 {
		if len(data) < 3 {
			return nil, nil, sig, fmt.Errorf("security: truncated inner body")
		}
		tag := data[0]
		length := int(binary.BigEndian.Uint16(data[1:3]))
		data = data[3:]
		if len(data) < length {
			return nil, nil, sig, fmt.Errorf("security: truncated inner body field")
		}
		value := data[:length]
		data = data[length:]

		switch tag {
		case innerTagParent:
			parents = append(parents, string(value))
		case innerTagBodyLen:
			if len(value) != 4 {
				return nil, nil, sig, fmt.Errorf("security: malformed body length field")
			}
			bodyLen = binary.BigEndian.Uint32(value)
			haveBodyLen = true
		case innerTagBody:
			padded = value
			havePadded = true
		case innerTagSignature:
			if len(value) != crypto.SignatureSize {
				return nil, nil, sig, fmt.Errorf("security: malformed signature field")
			}
			copy(sig[:], value)
			haveSig = true
		}
	}
	if !haveBodyLen || !havePadded || !haveSig {
		return nil, nil, sig, fmt.Errorf("security: inner body missing a required field")
	}
	if int(bodyLen) > len(padded) {
		return nil, nil, sig, fmt.Errorf("security: body length exceeds padded content")
	}
	return parents, padded[:bodyLen], sig, nil
}

// Encrypt signs plaintext with self's ephemeral key, pads it, and
// encrypts the resulting TLV body under the session's current group
// key. paddingSize selects this call's padding target using the same
// convention as Config.PaddingSize: PaddingUseDefault inherits the
// instance's configured default, 0 disables padding for this message
// only, and a positive value overrides the configured target.
func (s *Security) Encrypt(plaintext []byte, parents []string, paddingSize int) (Packet, error) {
	sess, ok := s.store.Get(s.sessionID)
	if !ok {
		return Packet{}, fmt.Errorf("security: unknown session %s", s.sessionID)
	}
	groupKey, ok := sess.Current()
	if !ok {
		return Packet{}, fmt.Errorf("%w: %s", ErrNoGroupKey, s.sessionID)
	}

	effectivePadding := paddingSize
	switch {
	case paddingSize == PaddingUseDefault:
		effectivePadding = s.config.paddingSize()
	case paddingSize < 0:
		effectivePadding = 0
	}
	padded := pad(plaintext, effectivePadding)

	sig, err := crypto.Sign(plaintext, s.ephemeralSeed)
	if err != nil {
		return Packet{}, fmt.Errorf("security: sign message: %w", err)
	}

	inner := encodeInnerBody(parents, len(plaintext), padded, sig)
	key := deriveSymmetricKey(groupKey)
	iv, ciphertext, err := streamEncrypt(key, inner)
	if err != nil {
		return Packet{}, err
	}

	s.logger.WithField("sessionId", s.sessionID).Debug("encrypted outbound message")
	return Packet{Hint: candidateHint(s.sessionID, groupKey), IV: iv, Ciphertext: ciphertext}, nil
}

// decryptWithCandidate attempts to decrypt pkt under one (sessionID,
// groupKey) candidate and verify it against authorPub.
func decryptWithCandidate(pkt Packet, sessionID string, groupKey [32]byte, authorPub [32]byte) (body []byte, parents []string, ok bool) {
	key := deriveSymmetricKey(groupKey)
	inner, err := streamDecrypt(key, pkt.IV, pkt.Ciphertext)
	if err != nil {
		return nil, nil, false
	}
	parents, body, sig, err := decodeInnerBody(inner)
	if err != nil {
		return nil, nil, false
	}
	valid, err := crypto.Verify(body, sig, authorPub)
	if err != nil || !valid {
		return nil, nil, false
	}
	return body, parents, true
}

// Decrypt tries every retained session whose current or prior group
// key matches pkt's hint and who records claimedAuthor as a member, per
// spec.md §4.5: "look up the author's ephemeral public key in the
// current session; verify the signature; if it fails and the hint
// collides with another (session, key), try the next candidate; when
// no candidate verifies, return null" (ErrNoCandidateDecrypted here).
func (s *Security) Decrypt(pkt Packet, claimedAuthor string) ([]byte, []string, error) {
	for _, sess := range s.store.Sessions() {
		authorPub, ok := sess.Lookup(claimedAuthor)
		if !ok {
			continue
		}
		for _, key := range sess.GroupKeys {
			if candidateHint(sess.ID, key) != pkt.Hint {
				continue
			}
			if body, parents, ok := decryptWithCandidate(pkt, sess.ID, key, authorPub); ok {
				return body, parents, nil
			}
		}
	}
	s.logger.WithField("author", claimedAuthor).Debug("decrypt: no candidate verified, deferring to trial buffer")
	return nil, nil, ErrNoCandidateDecrypted
}
