// Package session implements the KeyStore: an ordered cache of group-chat
// sub-sessions. Each sub-session records the member set that agreed on a
// key, the per-member ephemeral public keys aligned to that member set,
// and the history of group keys derived for it (most recent first).
//
// A Store keeps at most Capacity sessions, evicting the oldest once that
// bound is exceeded. Sessions are always iterated most-recent-first, which
// lets callers such as the handler and trial buffer retry decryption
// against the current session before falling back to older ones.
package session
