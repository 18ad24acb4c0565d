// Package changedetect compares raw account snapshots to decide whether a
// cached value changed.
package changedetect

import "hash/fnv"

// Equal reports whether two raw buffers hold the same bytes.
// A nil buffer means "absent": two absent buffers are equal, an absent buffer
// never equals a present one (including an empty one).
func Equal(a, b []byte) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Hash returns the 32-bit FNV-1a fingerprint of buf. Not collision resistant.
func Hash(buf []byte) uint32 {
	h := fnv.New32a()
	h.Write(buf)
	return h.Sum32()
}

// Fingerprint is a cheap summary of a buffer. Matching fingerprints only
// mean the buffers may be equal.
type Fingerprint struct {
	Hash    uint32
	Len     int
	Present bool
}

// FingerprintOf computes the fingerprint of buf.
func FingerprintOf(buf []byte) Fingerprint {
	if buf == nil {
		return Fingerprint{}
	}
	return Fingerprint{Hash: Hash(buf), Len: len(buf), Present: true}
}

// MayEqual reports whether buffers with these fingerprints could be equal.
func (f Fingerprint) MayEqual(o Fingerprint) bool {
	return f == o
}

// Changed reports whether next differs from prev. Fingerprint mismatch
// answers immediately; a match is confirmed with a full comparison.
func Changed(prev, next []byte) bool {
	if !FingerprintOf(prev).MayEqual(FingerprintOf(next)) {
		return true
	}
	return !Equal(prev, next)
}
