package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// ErrLadderIndex is returned when a member index does not have a
// corresponding entry in a Ladder's partial-key vector.
var ErrLadderIndex = errors.New("crypto: ladder index out of range")

// Ladder is a CLIQUES-style group Diffie-Hellman ladder, simplified to
// Curve25519 scalar multiplication. It carries two pieces of state:
//
//   - Partial: for each member that has contributed so far, the group
//     element excluding exactly that member's own share.
//   - Cardinal: the group element including every contribution so far.
//
// A member who holds private share s and whose position's Partial entry
// is P can derive the shared group key locally as X25519(s, P), which
// equals the Cardinal once every member has contributed — without ever
// transmitting a private share. This mirrors the construction in the
// Steiner-Tsudik-Waidner CLIQUES IKA.1/IKA.2 protocols: each upflow hop
// multiplies the existing Partial entries by the new member's share and
// appends the previous Cardinal as that member's own Partial entry.
type Ladder struct {
	Partial  [][32]byte
	Cardinal [32]byte
}

// NewLadder returns the empty ladder a greet initiator starts from: no
// partial keys yet, and the Curve25519 base point as the cardinal.
func NewLadder() Ladder {
	var cardinal [32]byte
	copy(cardinal[:], curve25519.Basepoint)
	return Ladder{Cardinal: cardinal}
}

// scalarMult multiplies point by scalar. Every ladder step is a
// Curve25519 ECDH operation between a member's share and a prior group
// element, so this delegates straight to DeriveSharedSecret.
func scalarMult(scalar, point [32]byte) ([32]byte, error) {
	return DeriveSharedSecret(point, scalar)
}

// Contribute extends the ladder with one new member's upflow
// contribution. Every existing Partial entry is multiplied by share
// (so it now excludes only its own member, but includes the new
// member's share), the previous Cardinal becomes the new member's own
// Partial entry, and the Cardinal advances by share.
func (l Ladder) Contribute(share [32]byte) (Ladder, error) {
	newPartial := make([][32]byte, len(l.Partial)+1)
	for i, p := range l.Partial {
		np, err := scalarMult(share, p)
		if err != nil {
			return Ladder{}, err
		}
		newPartial[i] = np
	}
	newPartial[len(l.Partial)] = l.Cardinal

	newCardinal, err := scalarMult(share, l.Cardinal)
	if err != nil {
		return Ladder{}, err
	}

	return Ladder{Partial: newPartial, Cardinal: newCardinal}, nil
}

// Sponsor multiplies fresh randomness into every existing Partial entry
// and the Cardinal, without changing the member positions they
// correspond to. This is the step a sponsor performs before a join (to
// make room for new members' upflow contributions), an exclude, or a
// refresh (spec.md "advances the DH ladder with fresh randomness").
func (l Ladder) Sponsor(fresh [32]byte) (Ladder, error) {
	newPartial := make([][32]byte, len(l.Partial))
	for i, p := range l.Partial {
		np, err := scalarMult(fresh, p)
		if err != nil {
			return Ladder{}, err
		}
		newPartial[i] = np
	}

	newCardinal, err := scalarMult(fresh, l.Cardinal)
	if err != nil {
		return Ladder{}, err
	}

	return Ladder{Partial: newPartial, Cardinal: newCardinal}, nil
}

// Exclude rebuilds the ladder for an exclude operation: the sponsor
// keeps only the Partial entries at the given remaining positions
// (dropping excluded members), then applies fresh randomness via
// Sponsor. Because Sponsor leaves every remaining member's Partial
// entry still excluding only their own share, an excluded member's old
// knowledge of the ladder cannot reach the new Cardinal.
func (l Ladder) Exclude(remaining []int, fresh [32]byte) (Ladder, error) {
	filtered := make([][32]byte, len(remaining))
	for i, idx := range remaining {
		if idx < 0 || idx >= len(l.Partial) {
			return Ladder{}, fmt.Errorf("%w: %d", ErrLadderIndex, idx)
		}
		filtered[i] = l.Partial[idx]
	}
	return Ladder{Partial: filtered, Cardinal: l.Cardinal}.Sponsor(fresh)
}

// DeriveGroupKey computes the shared group key for the member whose
// private share is share and whose ladder position is idx.
func (l Ladder) DeriveGroupKey(idx int, share [32]byte) ([32]byte, error) {
	if idx < 0 || idx >= len(l.Partial) {
		return [32]byte{}, fmt.Errorf("%w: %d", ErrLadderIndex, idx)
	}
	return scalarMult(share, l.Partial[idx])
}

// Len reports how many members have contributed to the ladder so far.
func (l Ladder) Len() int {
	return len(l.Partial)
}
