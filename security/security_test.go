package security

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mpenc-go/mpenc/crypto"
	"github.com/mpenc-go/mpenc/session"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	store := session.NewStore(session.Config{Capacity: 4})

	aliceSeed, alicePub, err := crypto.GenerateSigningSeed()
	require.NoError(t, err)
	_, bobPub, err := crypto.GenerateSigningSeed()
	require.NoError(t, err)
	groupKey := [32]byte{1, 2, 3, 4}

	require.NoError(t, store.AddSession("sess-1", []string{"alice", "bob"}, [][32]byte{alicePub, bobPub}, groupKey))

	alice := New(store, "sess-1", "alice", aliceSeed, Config{})
	bob := New(store, "sess-1", "bob", [32]byte{}, Config{})

	plaintext := []byte("hello group")
	pkt, err := alice.Encrypt(plaintext, []string{"msg-0"}, 0)
	require.NoError(t, err)

	got, parents, err := bob.Decrypt(pkt, "alice")
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
	require.Equal(t, []string{"msg-0"}, parents)
}

func TestDecryptPadsToConfiguredSize(t *testing.T) {
	store := session.NewStore(session.Config{Capacity: 4})
	seed, pub, err := crypto.GenerateSigningSeed()
	require.NoError(t, err)
	groupKey := [32]byte{9}
	require.NoError(t, store.AddSession("sess-1", []string{"alice"}, [][32]byte{pub}, groupKey))

	alice := New(store, "sess-1", "alice", seed, Config{PaddingSize: 64})
	pkt, err := alice.Encrypt([]byte("short"), nil, PaddingUseDefault)
	require.NoError(t, err)

	inner, err := streamDecrypt(deriveSymmetricKey(groupKey), pkt.IV, pkt.Ciphertext)
	require.NoError(t, err)
	// Body-length, padded body and signature fields, each behind a 3-byte
	// TLV header: the 5-byte body must have been padded to 64.
	require.Len(t, inner, (3+4)+(3+64)+(3+crypto.SignatureSize))
	_, body, _, err := decodeInnerBody(inner)
	require.NoError(t, err)
	require.Equal(t, "short", string(body))
}

func TestDecryptRejectsForgedAuthor(t *testing.T) {
	store := session.NewStore(session.Config{Capacity: 4})
	aliceSeed, alicePub, err := crypto.GenerateSigningSeed()
	require.NoError(t, err)
	mallorySeed, malloryPub, err := crypto.GenerateSigningSeed()
	require.NoError(t, err)
	groupKey := [32]byte{5, 5, 5}

	require.NoError(t, store.AddSession("sess-1", []string{"alice", "mallory"}, [][32]byte{alicePub, malloryPub}, groupKey))

	mallory := New(store, "sess-1", "mallory", mallorySeed, Config{})
	pkt, err := mallory.Encrypt([]byte("im alice"), nil, 0)
	require.NoError(t, err)

	bob := New(store, "sess-1", "bob", aliceSeed, Config{})
	_, _, err = bob.Decrypt(pkt, "alice")
	require.ErrorIs(t, err, ErrNoCandidateDecrypted)
}

func TestDecryptTriesPriorGroupKeys(t *testing.T) {
	store := session.NewStore(session.Config{Capacity: 4})
	seed, pub, err := crypto.GenerateSigningSeed()
	require.NoError(t, err)
	oldKey := [32]byte{1}
	newKey := [32]byte{2}

	require.NoError(t, store.AddSession("sess-1", []string{"alice"}, [][32]byte{pub}, oldKey))

	alice := New(store, "sess-1", "alice", seed, Config{})
	pkt, err := alice.Encrypt([]byte("sent under old key"), nil, 0)
	require.NoError(t, err)

	require.NoError(t, store.AddGroupKey("sess-1", newKey))

	bob := New(store, "sess-1", "bob", [32]byte{}, Config{})
	got, _, err := bob.Decrypt(pkt, "alice")
	require.NoError(t, err)
	require.Equal(t, "sent under old key", string(got))
}

func TestEncryptFailsWithoutGroupKey(t *testing.T) {
	store := session.NewStore(session.Config{Capacity: 4})
	seed, _, err := crypto.GenerateSigningSeed()
	require.NoError(t, err)
	// AddSession always seeds one group key, so no stored session lacks
	// one; use a session id the store has never seen, for which Encrypt
	// fails before it looks for a group key.
	alice := New(store, "missing-session", "alice", seed, Config{})
	_, err = alice.Encrypt([]byte("hi"), nil, 0)
	require.Error(t, err)
}

func TestPaddedSize(t *testing.T) {
	cases := []struct {
		n, configured, want int
	}{
		{5, 128, 128},
		{128, 128, 128},
		{200, 128, 256},
		{0, 0, 0},
		{3, 0, 3},
	}
	for _, c := range cases {
		require.Equal(t, c.want, paddedSize(c.n, c.configured))
	}
}

// TestPaddingZeroDisablesPadding covers spec.md §8's boundary
// "padding=0 disables padding": an explicit 0 must emit the body at its
// exact length, never rounded to a power of two.
func TestPaddingZeroDisablesPadding(t *testing.T) {
	store := session.NewStore(session.Config{Capacity: 4})
	seed, pub, err := crypto.GenerateSigningSeed()
	require.NoError(t, err)
	groupKey := [32]byte{3}
	require.NoError(t, store.AddSession("sess-1", []string{"alice"}, [][32]byte{pub}, groupKey))

	alice := New(store, "sess-1", "alice", seed, Config{PaddingSize: 128})
	pkt, err := alice.Encrypt([]byte("unpadded"), nil, 0)
	require.NoError(t, err)

	inner, err := streamDecrypt(deriveSymmetricKey(groupKey), pkt.IV, pkt.Ciphertext)
	require.NoError(t, err)
	// Body-length, body and signature fields, each behind a 3-byte TLV
	// header: the body field carries exactly the 8 plaintext bytes.
	require.Len(t, inner, (3+4)+(3+len("unpadded"))+(3+crypto.SignatureSize))
	_, padded, _, err := decodeInnerBody(inner)
	require.NoError(t, err)
	require.Len(t, padded, len("unpadded"))
}

// TestEncryptDecryptEmptyPlaintext covers spec.md §8's "∀-run property
// encrypt ∘ decrypt = identity on bodies of length 0…256 bytes" at its
// zero-length boundary.
func TestEncryptDecryptEmptyPlaintext(t *testing.T) {
	store := session.NewStore(session.Config{Capacity: 4})
	aliceSeed, alicePub, err := crypto.GenerateSigningSeed()
	require.NoError(t, err)
	groupKey := [32]byte{7}
	require.NoError(t, store.AddSession("sess-1", []string{"alice"}, [][32]byte{alicePub}, groupKey))

	alice := New(store, "sess-1", "alice", aliceSeed, Config{})
	pkt, err := alice.Encrypt(nil, nil, 0)
	require.NoError(t, err)

	bob := New(store, "sess-1", "bob", [32]byte{}, Config{})
	got, _, err := bob.Decrypt(pkt, "alice")
	require.NoError(t, err)
	require.Empty(t, got)
}
