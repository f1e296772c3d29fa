package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Signature represents an Ed25519 signature.
type Signature [SignatureSize]byte

// Sign creates an Ed25519 signature for a message using the private key.
// Ed25519 signs zero-length messages without issue, and callers such as
// the per-message body signature (security.Security.Encrypt) must be able
// to sign an empty plaintext, so message length is not restricted here.
func Sign(message []byte, privateKey [32]byte) (Signature, error) {
	// Convert the 32-byte private key to the format expected by ed25519
	// Ed25519 private keys are 64 bytes (32 bytes seed + 32 bytes public key)
	edPrivateKey := ed25519.NewKeyFromSeed(privateKey[:])

	// Sign the message
	signatureBytes := ed25519.Sign(edPrivateKey, message)

	var signature Signature
	copy(signature[:], signatureBytes)

	return signature, nil
}

// Verify checks if a signature is valid for a message and public key.
func Verify(message []byte, signature Signature, publicKey [32]byte) (bool, error) {
	// Convert the 32-byte public key to the format expected by ed25519
	var edPublicKey [ed25519.PublicKeySize]byte
	copy(edPublicKey[:], publicKey[:])

	// Verify the signature
	return ed25519.Verify(edPublicKey[:], message, signature[:]), nil
}

// GenerateSigningSeed produces a fresh Ed25519 seed and its corresponding
// public key, suitable for a per-session ephemeral signing identity (the
// ASKE collaborator's signature keys, generated afresh for each new
// agreement, full re-initiation or join; a refresh keeps them).
func GenerateSigningSeed() (seed [32]byte, public [32]byte, err error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return seed, public, fmt.Errorf("crypto: generate signing seed: %w", err)
	}
	copy(seed[:], priv.Seed())
	copy(public[:], priv.Public().(ed25519.PublicKey))
	return seed, public, nil
}

// PublicFromSigningSeed derives the Ed25519 public key for a given seed.
func PublicFromSigningSeed(seed [32]byte) [32]byte {
	priv := ed25519.NewKeyFromSeed(seed[:])
	var public [32]byte
	copy(public[:], priv.Public().(ed25519.PublicKey))
	return public
}
