// Package crypto wraps the primitives the chain is built on: BLAKE2b-256 as
// the generic hash, ed25519 for signatures, and the ECVRF suite for leader
// sortition. Sizes are fixed at the type level so consensus code cannot mix
// them up.
package crypto

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the byte length of the generic hash.
const HashSize = 32

// Hash is a 32-byte BLAKE2b digest.
type Hash [HashSize]byte

// ZeroHash is the all-zero hash. It marks the absent parent of a genesis
// block on the wire.
var ZeroHash Hash

// Sum returns the BLAKE2b-256 digest of data.
func Sum(data []byte) Hash {
	return blake2b.Sum256(data)
}

// SumParts returns the BLAKE2b-256 digest of the concatenation of parts.
func SumParts(parts ...[]byte) Hash {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

// Hex returns the lowercase hex encoding of the hash.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is all zero bytes.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Compare orders two hashes byte-wise as unsigned values.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

// HashFromHex decodes a 64-character hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HashFromBytes copies a 32-byte slice into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}
