package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair is a Curve25519 keypair. Its private half supplies the ephemeral
// Diffie-Hellman shares of the group ladder; member identities are Ed25519
// keys (see SigningIdentity), not KeyPairs.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random Curve25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "GenerateKeyPair",
		"package":  "crypto",
	})

	logger.Info("Function entry: generating new cryptographic key pair")

	defer func() {
		logger.Debug("Function exit: GenerateKeyPair")
	}()

	logger.WithFields(logrus.Fields{
		"operation":  "nacl_box_generate_key",
		"crypto_lib": "golang.org/x/crypto/nacl/box",
		"entropy":    "crypto/rand.Reader",
	}).Debug("Generating NaCl box key pair with secure random entropy")

	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"error":      err.Error(),
			"error_type": "key_generation_failed",
			"operation":  "box.GenerateKey",
		}).Error("Failed to generate cryptographic key pair")
		return nil, err
	}

	keyPair := &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}

	if isZeroKey(keyPair.Public) || isZeroKey(keyPair.Private) {
		logger.WithFields(logrus.Fields{
			"error_type": "degenerate_key",
			"operation":  "zero_key_check",
		}).Error("box.GenerateKey produced a zero key")
		return nil, errors.New("crypto: generated key pair is degenerate")
	}

	logger.WithFields(logrus.Fields{
		"public_key_preview": fmt.Sprintf("%x", keyPair.Public[:8]),
		"key_size_bytes":     32,
		"operation":          "key_generation_success",
	}).Info("Cryptographic key pair generated successfully")

	return keyPair, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	logger := logrus.WithFields(logrus.Fields{
		"function": "isZeroKey",
		"package":  "crypto",
	})

	logger.Debug("Function entry: validating key is not all zeros")

	defer func() {
		logger.Debug("Function exit: isZeroKey")
	}()

	for i, b := range key {
		if b != 0 {
			logger.WithFields(logrus.Fields{
				"operation":     "zero_key_check",
				"result":        "valid_key",
				"first_nonzero": i,
			}).Debug("Key validation: found non-zero byte, key is valid")
			return false
		}
	}

	logger.WithFields(logrus.Fields{
		"operation": "zero_key_check",
		"result":    "invalid_key",
		"error":     "all_bytes_zero",
	}).Warn("Key validation: key consists of all zero bytes")
	return true
}
