package core

import "github.com/whosecoin/whosecoin-core/crypto"

// ComputeMerkleRoot folds an ordered list of transaction hashes into a
// single commitment. The empty list commits to the zero hash, a single
// hash is its own root, and an odd element at any level is lifted to the
// next level unchanged rather than paired with itself.
func ComputeMerkleRoot(hashes []crypto.Hash) crypto.Hash {
	if len(hashes) == 0 {
		return crypto.ZeroHash
	}
	if len(hashes) == 1 {
		return hashes[0]
	}
	next := make([]crypto.Hash, 0, (len(hashes)+1)/2)
	for i := 0; i < len(hashes); i += 2 {
		if i+1 >= len(hashes) {
			next = append(next, hashes[i])
		} else {
			next = append(next, crypto.SumParts(hashes[i][:], hashes[i+1][:]))
		}
	}
	return ComputeMerkleRoot(next)
}
