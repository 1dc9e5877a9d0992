package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const (
	// PublicKeySize is the byte length of an ed25519 public key.
	PublicKeySize = 32
	// PrivateKeySize is the byte length of an ed25519 private key
	// (seed concatenated with the public key).
	PrivateKeySize = 64
)

// PublicKey identifies an account and doubles as the VRF verification key.
// It is an array so it can key maps directly.
type PublicKey [PublicKeySize]byte

// PrivateKey wraps ed25519 private key bytes. The same key signs blocks and
// transactions and produces VRF proofs.
type PrivateKey []byte

// ZeroKey is the all-zero public key.
var ZeroKey PublicKey

// GenerateKeyPair generates a new ed25519 key pair.
func GenerateKeyPair() (PublicKey, PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PublicKey{}, nil, err
	}
	var pk PublicKey
	copy(pk[:], pub)
	return pk, PrivateKey(priv), nil
}

// Hex returns the full 64-char hex-encoded public key.
func (pub PublicKey) Hex() string {
	return hex.EncodeToString(pub[:])
}

// IsZero reports whether the key is all zero bytes.
func (pub PublicKey) IsZero() bool {
	return pub == ZeroKey
}

// Hex returns the hex-encoded private key.
func (priv PrivateKey) Hex() string {
	return hex.EncodeToString(priv)
}

// Public derives the ed25519 public key from the private key.
func (priv PrivateKey) Public() PublicKey {
	var pk PublicKey
	copy(pk[:], ed25519.PrivateKey(priv).Public().(ed25519.PublicKey))
	return pk
}

// PubKeyFromHex decodes a hex-encoded public key.
func PubKeyFromHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid pubkey hex: %w", err)
	}
	return PubKeyFromBytes(b)
}

// PubKeyFromBytes copies a 32-byte slice into a PublicKey.
func PubKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("pubkey must be %d bytes, got %d", PublicKeySize, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// PrivKeyFromHex decodes a hex-encoded private key.
func PrivKeyFromHex(s string) (PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid privkey hex: %w", err)
	}
	if len(b) != PrivateKeySize {
		return nil, fmt.Errorf("privkey must be %d bytes, got %d", PrivateKeySize, len(b))
	}
	return PrivateKey(b), nil
}
