package wallet

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	pub, priv, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "node.key")
	if err := Save(path, priv); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}

	pub2, priv2, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if pub2 != pub || !bytes.Equal(priv2, priv) {
		t.Error("keypair changed across save/load")
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")
	if err := os.WriteFile(path, []byte("not hex\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Load(path); err == nil {
		t.Error("garbage key file accepted")
	}
}

func TestLoadOrGenerate(t *testing.T) {
	// Empty path: fresh ephemeral key.
	pub1, _, err := LoadOrGenerate("")
	if err != nil {
		t.Fatal(err)
	}
	// Missing file: fresh key too.
	pub2, _, err := LoadOrGenerate(filepath.Join(t.TempDir(), "absent.key"))
	if err != nil {
		t.Fatal(err)
	}
	if pub1 == pub2 {
		t.Error("two generated keys are identical")
	}

	// Existing file: the stored key.
	path := filepath.Join(t.TempDir(), "node.key")
	pub, priv, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := Save(path, priv); err != nil {
		t.Fatal(err)
	}
	got, _, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != pub {
		t.Error("stored key not loaded")
	}
}
