package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/yoseplee/vrf"
)

const (
	// VRFProofSize is the byte length of an ECVRF proof.
	VRFProofSize = 80
	// VRFOutputSize is the byte length of the hash derived from a proof.
	VRFOutputSize = 64
)

// VRFProof is the proof that a VRF output was computed correctly for a
// given public key and input.
type VRFProof [VRFProofSize]byte

// VRFOutput is the pseudorandom output of the VRF.
type VRFOutput [VRFOutputSize]byte

// ErrBadProof is returned when a VRF proof does not verify.
var ErrBadProof = errors.New("vrf proof verification failed")

// VRFProve evaluates the VRF over alpha with the private key, returning the
// proof and its derived output.
func VRFProve(pub PublicKey, priv PrivateKey, alpha []byte) (VRFProof, VRFOutput, error) {
	pi, hash, err := vrf.Prove(pub[:], ed25519.PrivateKey(priv), alpha)
	if err != nil {
		return VRFProof{}, VRFOutput{}, fmt.Errorf("vrf prove: %w", err)
	}
	proof, err := VRFProofFromBytes(pi)
	if err != nil {
		return VRFProof{}, VRFOutput{}, err
	}
	out, err := VRFOutputFromBytes(hash)
	if err != nil {
		return VRFProof{}, VRFOutput{}, err
	}
	return proof, out, nil
}

// VRFVerify checks the proof against the public key and alpha, returning
// the derived output on success.
func VRFVerify(pub PublicKey, proof VRFProof, alpha []byte) (VRFOutput, error) {
	ok, err := vrf.Verify(pub[:], proof[:], alpha)
	if err != nil {
		return VRFOutput{}, fmt.Errorf("vrf verify: %w", err)
	}
	if !ok {
		return VRFOutput{}, ErrBadProof
	}
	hash := vrf.Hash(proof[:])
	return VRFOutputFromBytes(hash)
}

// VRFProofFromBytes copies an 80-byte slice into a VRFProof.
func VRFProofFromBytes(b []byte) (VRFProof, error) {
	var p VRFProof
	if len(b) != VRFProofSize {
		return p, fmt.Errorf("vrf proof must be %d bytes, got %d", VRFProofSize, len(b))
	}
	copy(p[:], b)
	return p, nil
}

// VRFOutputFromBytes copies a 64-byte slice into a VRFOutput.
func VRFOutputFromBytes(b []byte) (VRFOutput, error) {
	var o VRFOutput
	if len(b) != VRFOutputSize {
		return o, fmt.Errorf("vrf output must be %d bytes, got %d", VRFOutputSize, len(b))
	}
	copy(o[:], b)
	return o, nil
}
