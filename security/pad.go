package security

// DefaultPaddingSize is the padding target used when PaddingSize
// requests the package default via PaddingUseDefault.
const DefaultPaddingSize = 128

// PaddingUseDefault is a sentinel PaddingSize value, distinct from the
// meaningful configuration value 0, requesting DefaultPaddingSize. A
// literal 0, per spec.md §8's boundary "padding=0 disables padding",
// disables padding outright rather than falling back to a default.
const PaddingUseDefault = -1

// paddedSize implements spec.md §4.5/§8's padding rule for an already
// resolved padding target: configured==0 disables padding entirely (the
// body is emitted at its exact length); otherwise pad to configured if
// the body fits, else pad to the next power-of-two at least as large as
// n. Callers resolve PaddingUseDefault to a concrete target before
// reaching here; this function never sees it.
func paddedSize(n, configured int) int {
	if configured == 0 {
		return n
	}
	if n <= configured {
		return configured
	}
	size := 1
	for size < n {
		size *= 2
	}
	return size
}

// pad right-pads body with zero bytes to paddedSize(len(body), configured).
func pad(body []byte, configured int) []byte {
	out := make([]byte, paddedSize(len(body), configured))
	copy(out, body)
	return out
}
