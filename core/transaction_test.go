package core

import (
	"testing"

	"github.com/whosecoin/whosecoin-core/crypto"
	"github.com/whosecoin/whosecoin-core/tuple"
)

func mustKeyPair(t *testing.T) (crypto.PublicKey, crypto.PrivateKey) {
	t.Helper()
	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return pub, priv
}

func TestTransactionRoundTrip(t *testing.T) {
	sender, priv := mustKeyPair(t)
	recipient, _ := mustKeyPair(t)

	tx := NewTransaction(sender, priv, recipient, 250, 7)
	w := tuple.NewWriter()
	tx.WriteTuple(w)

	parsed := tuple.Parse(w.Bytes())
	if parsed == nil {
		t.Fatal("encoded transaction does not parse as a tuple")
	}
	tx2, err := TransactionFromTuple(parsed)
	if err != nil {
		t.Fatal(err)
	}
	if tx2.Hash() != tx.Hash() {
		t.Errorf("hash changed across round trip: %s vs %s", tx2.Hash().Hex(), tx.Hash().Hex())
	}
	if tx2.Sender() != sender || tx2.Recipient() != recipient {
		t.Error("keys changed across round trip")
	}
	if tx2.Value() != 250 || tx2.Nonce() != 7 {
		t.Errorf("value/nonce = %d/%d, want 250/7", tx2.Value(), tx2.Nonce())
	}
}

func TestTransactionNonceChangesHash(t *testing.T) {
	sender, priv := mustKeyPair(t)
	recipient, _ := mustKeyPair(t)

	a := NewTransaction(sender, priv, recipient, 10, 0)
	b := NewTransaction(sender, priv, recipient, 10, 1)
	if a.Hash() == b.Hash() {
		t.Error("nonce does not disambiguate identical transfers")
	}
}

func TestTransactionBadSignatureRejected(t *testing.T) {
	sender, _ := mustKeyPair(t)
	recipient, _ := mustKeyPair(t)
	_, otherPriv := mustKeyPair(t)

	// Sign the body with the wrong key: shape is fine, signature is not.
	tx := NewTransaction(sender, otherPriv, recipient, 10, 0)
	w := tuple.NewWriter()
	tx.WriteTuple(w)
	if _, err := TransactionFromTuple(tuple.Parse(w.Bytes())); err == nil {
		t.Error("transaction signed with the wrong key was accepted")
	}
}

func TestValidTransactionTupleShapes(t *testing.T) {
	sender, priv := mustKeyPair(t)
	recipient, _ := mustKeyPair(t)
	tx := NewTransaction(sender, priv, recipient, 1, 0)

	w := tuple.NewWriter()
	tx.WriteTuple(w)
	if !ValidTransactionTuple(tuple.Parse(w.Bytes())) {
		t.Fatal("well-formed transaction tuple rejected")
	}

	// Wrong outer arity.
	w = tuple.NewWriter()
	w.Start()
	tx.writeBody(w)
	w.End()
	if ValidTransactionTuple(tuple.Parse(w.Bytes())) {
		t.Error("tuple without signature accepted")
	}

	// Signature with the wrong length.
	w = tuple.NewWriter()
	w.Start()
	tx.writeBody(w)
	w.WriteBinary(make([]byte, 32))
	w.End()
	if ValidTransactionTuple(tuple.Parse(w.Bytes())) {
		t.Error("short signature accepted")
	}

	// Body with the wrong field type.
	w = tuple.NewWriter()
	w.Start()
	w.Start()
	w.WriteBinary(sender[:])
	w.WriteBinary(recipient[:])
	w.WriteU32(1) // value must be u64
	w.WriteU32(0)
	w.End()
	sig := tx.Signature()
	w.WriteBinary(sig[:])
	w.End()
	if ValidTransactionTuple(tuple.Parse(w.Bytes())) {
		t.Error("u32 value field accepted")
	}
}
