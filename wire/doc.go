// Package wire implements the ASCII-armoured framing and TLV codec of
// spec.md §6: classifying an inbound byte string into plaintext, query,
// protocol (greet or data) and error frames, and encoding/decoding the
// protocol frame's TLV body to and from a greet.Message or DataFrame.
package wire
