// Package greet implements the GreetWrapper: the stateful engine that
// drives group key agreement by combining a CLIQUES-style group
// Diffie-Hellman ladder (see crypto.Ladder) with an authenticated
// ephemeral signing-key exchange into a single 7-state machine.
//
// A Wrapper starts in StateNull. Start, Join, Exclude, Refresh, Quit and
// Recover drive local operations; HandleMessage advances the machine on
// inbound Messages relayed by a transport. Every operation that fails a
// precondition returns ErrPrecondition; a failed signature check on a
// peer's session acknowledgement or ephemeral-key introduction returns
// *AuthFailure, a result variant rather than a panic.
package greet
