package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// SignatureSize is the byte length of an ed25519 detached signature.
const SignatureSize = 64

// Signature is a 64-byte ed25519 detached signature.
type Signature [SignatureSize]byte

// ErrBadSignature is returned when signature verification fails.
var ErrBadSignature = errors.New("signature verification failed")

// Sign signs data with the private key.
func Sign(priv PrivateKey, data []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(ed25519.PrivateKey(priv), data))
	return sig
}

// Verify checks a detached signature over data using the public key.
func Verify(pub PublicKey, data []byte, sig Signature) error {
	if !ed25519.Verify(ed25519.PublicKey(pub[:]), data, sig[:]) {
		return ErrBadSignature
	}
	return nil
}

// SignatureFromBytes copies a 64-byte slice into a Signature.
func SignatureFromBytes(b []byte) (Signature, error) {
	var sig Signature
	if len(b) != SignatureSize {
		return sig, fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(b))
	}
	copy(sig[:], b)
	return sig, nil
}
