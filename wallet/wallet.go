// Package wallet manages the node's keypair file: a single line of hex
// holding the ed25519 private key. Chain state is never persisted; the key
// file only spares the operator a fresh identity on every run.
package wallet

import (
	"fmt"
	"os"
	"strings"

	"github.com/whosecoin/whosecoin-core/crypto"
)

// Generate creates a fresh keypair.
func Generate() (crypto.PublicKey, crypto.PrivateKey, error) {
	return crypto.GenerateKeyPair()
}

// Save writes the private key to path as hex, readable only by the owner.
func Save(path string, priv crypto.PrivateKey) error {
	return os.WriteFile(path, []byte(priv.Hex()+"\n"), 0600)
}

// Load reads a key file written by Save and derives the public key.
func Load(path string) (crypto.PublicKey, crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return crypto.PublicKey{}, nil, err
	}
	priv, err := crypto.PrivKeyFromHex(strings.TrimSpace(string(data)))
	if err != nil {
		return crypto.PublicKey{}, nil, fmt.Errorf("key file %s: %w", path, err)
	}
	return priv.Public(), priv, nil
}

// LoadOrGenerate loads the key at path, generating an ephemeral keypair
// when path is empty or missing.
func LoadOrGenerate(path string) (crypto.PublicKey, crypto.PrivateKey, error) {
	if path == "" {
		return Generate()
	}
	pub, priv, err := Load(path)
	if os.IsNotExist(err) {
		return Generate()
	}
	return pub, priv, err
}
