// Package crypto implements the cryptographic primitives used by the group
// key agreement protocol: long-term and ephemeral keypair generation,
// Ed25519 signing/verification, the CLIQUES-style group Diffie-Hellman
// ladder, and a public-directory abstraction for long-term key lookup.
//
// # Core Types
//
//   - [KeyPair]: Curve25519 keypair, used to generate the ephemeral
//     Diffie-Hellman shares of the group ladder.
//   - [SigningIdentity]: Ed25519 signing keypair, used for long-term member
//     identities.
//   - [Signature]: Ed25519 signature, used for session acknowledgements and
//     per-message authentication.
//   - [Directory]: long-term signing key lookup by member id.
//
// # Group Diffie-Hellman ladder
//
// The CLIQUES-style ladder is built incrementally as a greet message is
// relayed member-to-member:
//
//	vector := crypto.NewLadder()
//	vector, _ = vector.Contribute(myShare)
//	groupKey, _ := vector.DeriveGroupKey(myIndex, myShare)
//
// # Digital Signatures
//
//	signature, _ := crypto.Sign(message, privateKey)
//	ok, _ := crypto.Verify(message, signature, publicKey)
//
// # Secure Memory Handling
//
// Sensitive key material should be wiped after use:
//
//	defer crypto.SecureWipe(sensitiveData)
//	defer crypto.WipeKeyPair(keyPair)
//
// [SecureWipe] uses a constant-time XOR that the compiler cannot optimize
// away.
//
// # Deterministic Testing
//
// [TimeProvider] lets session timestamps be injected for reproducible
// tests:
//
//	crypto.SetDefaultTimeProvider(fixedClock)
package crypto
