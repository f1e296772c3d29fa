package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// streamEncrypt encrypts plaintext under key with a fresh IV using
// AES-CTR: the "symmetric cipher" external collaborator of spec.md §1,
// a stream cipher with no built-in authentication — integrity instead
// comes from the embedded ephemeral signature (see security.go).
func streamEncrypt(key [32]byte, plaintext []byte) (iv [16]byte, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return iv, nil, fmt.Errorf("security: new cipher: %w", err)
	}
	if _, err := rand.Read(iv[:]); err != nil {
		return iv, nil, fmt.Errorf("security: generate iv: %w", err)
	}
	stream := cipher.NewCTR(block, iv[:])
	ciphertext = make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)
	return iv, ciphertext, nil
}

// streamDecrypt reverses streamEncrypt. Since CTR mode is symmetric,
// this runs the identical keystream XOR.
func streamDecrypt(key [32]byte, iv [16]byte, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("security: new cipher: %w", err)
	}
	stream := cipher.NewCTR(block, iv[:])
	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}
