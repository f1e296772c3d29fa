package crypto

// SigningIdentity is a long-lived or per-session Ed25519 signing keypair.
// Long-term identities are generated once per member and published
// through a Directory; ephemeral identities are generated fresh for each
// greet agreement (including a full re-initiation) and kept unchanged by
// a refresh.
type SigningIdentity struct {
	Seed   [32]byte
	Public [32]byte
}

// NewSigningIdentity generates a fresh SigningIdentity.
func NewSigningIdentity() (SigningIdentity, error) {
	seed, pub, err := GenerateSigningSeed()
	if err != nil {
		return SigningIdentity{}, err
	}
	return SigningIdentity{Seed: seed, Public: pub}, nil
}
