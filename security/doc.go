// Package security implements MessageSecurity (spec.md §4.5):
// per-session encryption and decryption of data messages. Plaintext is
// signed with the author's ephemeral signing key, padded, wrapped in a
// small TLV body and encrypted under the session's current group key
// with a stream cipher; decryption tries every retained session/key
// candidate whose hint matches, since a session hint may collide and a
// message may arrive before its key is admitted (trial decryption).
package security
