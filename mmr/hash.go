// Package mmr implements a per-service Merkle Mountain Range over
// fixed-size leaf digests, layered entirely on the store package's
// OrderedSequence and KeyValueMap containers.
package mmr

import "golang.org/x/crypto/blake2b"

// DigestSize is the fixed width of every leaf and internal node hash.
const DigestSize = 16

// H hashes the concatenation of its arguments with BLAKE2b, truncated to
// DigestSize bytes. No tag byte distinguishes a leaf hash from an internal
// node hash — this mirrors the source exactly and is a deliberate,
// documented departure from a domain-separated design (see the package's
// design notes on leaf/internal separation).
func H(parts ...[]byte) [DigestSize]byte {
	h, err := blake2b.New(DigestSize, nil)
	if err != nil {
		panic("mmr: blake2b-128 unavailable: " + err.Error())
	}
	for _, p := range parts {
		h.Write(p)
	}

	var out [DigestSize]byte
	copy(out[:], h.Sum(nil))
	return out
}
