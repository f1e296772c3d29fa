package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.False(t, isZeroKey(kp.Public) || isZeroKey(kp.Private), "GenerateKeyPair() returned a zero key")

	kp2, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NotEqual(t, kp.Public, kp2.Public, "two GenerateKeyPair() calls produced identical public keys")
}
