package core

import (
	"encoding/json"
	"fmt"

	"github.com/whosecoin/whosecoin-core/crypto"
	"github.com/whosecoin/whosecoin-core/tuple"
)

// Transaction is a signed transfer of value between two accounts. It is
// immutable once constructed; its identity is the hash of the body tuple
// (sender, recipient, value, nonce). The nonce is the only disambiguator
// between otherwise identical transfers.
type Transaction struct {
	sender    crypto.PublicKey
	recipient crypto.PublicKey
	value     uint64
	nonce     uint32
	signature crypto.Signature
	hash      crypto.Hash
}

// NewTransaction builds and signs a transfer from sender to recipient.
func NewTransaction(sender crypto.PublicKey, priv crypto.PrivateKey, recipient crypto.PublicKey, value uint64, nonce uint32) *Transaction {
	tx := &Transaction{
		sender:    sender,
		recipient: recipient,
		value:     value,
		nonce:     nonce,
	}
	tx.hash = crypto.Sum(tx.bodyBytes())
	tx.signature = crypto.Sign(priv, tx.hash[:])
	return tx
}

// ValidTransactionTuple checks the shape of a transaction tuple without
// constructing anything: (body, signature[64]) where body is
// (sender[32], recipient[32], value u64, nonce u32).
func ValidTransactionTuple(t *tuple.Tuple) bool {
	if t.Size() != 2 {
		return false
	}
	body, ok := t.Tuple(0)
	if !ok {
		return false
	}
	if t.BinaryLen(1) != crypto.SignatureSize {
		return false
	}
	if body.Size() != 4 {
		return false
	}
	if body.BinaryLen(0) != crypto.PublicKeySize {
		return false
	}
	if body.BinaryLen(1) != crypto.PublicKeySize {
		return false
	}
	if body.Type(2) != tuple.U64 {
		return false
	}
	if body.Type(3) != tuple.U32 {
		return false
	}
	return true
}

// TransactionFromTuple validates the tuple, verifies the signature over the
// body hash, and constructs the transaction. The hash is computed over the
// body sub-tuple's verbatim byte span, so it is stable across re-encoding.
func TransactionFromTuple(t *tuple.Tuple) (*Transaction, error) {
	if !ValidTransactionTuple(t) {
		return nil, fmt.Errorf("malformed transaction tuple")
	}
	body, _ := t.Tuple(0)
	sigBytes, _ := t.Binary(1)

	senderBytes, _ := body.Binary(0)
	recipientBytes, _ := body.Binary(1)
	value, _ := body.U64(2)
	nonce, _ := body.U32(3)

	tx := &Transaction{value: value, nonce: nonce}
	copy(tx.sender[:], senderBytes)
	copy(tx.recipient[:], recipientBytes)
	copy(tx.signature[:], sigBytes)
	tx.hash = crypto.Sum(body.Raw())

	if err := crypto.Verify(tx.sender, tx.hash[:], tx.signature); err != nil {
		return nil, fmt.Errorf("transaction %s: %w", tx.hash.Hex(), err)
	}
	return tx, nil
}

// Sender returns the sender's public key.
func (tx *Transaction) Sender() crypto.PublicKey { return tx.sender }

// Recipient returns the recipient's public key.
func (tx *Transaction) Recipient() crypto.PublicKey { return tx.recipient }

// Value returns the amount transferred.
func (tx *Transaction) Value() uint64 { return tx.value }

// Nonce returns the transaction nonce.
func (tx *Transaction) Nonce() uint32 { return tx.nonce }

// Signature returns the detached signature over the transaction hash.
func (tx *Transaction) Signature() crypto.Signature { return tx.signature }

// Hash returns the transaction's identity hash.
func (tx *Transaction) Hash() crypto.Hash { return tx.hash }

func (tx *Transaction) bodyBytes() []byte {
	w := tuple.NewWriter()
	tx.writeBody(w)
	return w.Bytes()
}

func (tx *Transaction) writeBody(w *tuple.Writer) {
	w.Start()
	w.WriteBinary(tx.sender[:])
	w.WriteBinary(tx.recipient[:])
	w.WriteU64(tx.value)
	w.WriteU32(tx.nonce)
	w.End()
}

// WriteTuple appends the wire encoding (body, signature) to w.
func (tx *Transaction) WriteTuple(w *tuple.Writer) {
	w.Start()
	tx.writeBody(w)
	w.WriteBinary(tx.signature[:])
	w.End()
}

// MarshalJSON renders the transaction for the browse surfaces.
func (tx *Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Hash      string `json:"hash"`
		Sender    string `json:"sender"`
		Recipient string `json:"recipient"`
		Value     uint64 `json:"value"`
		Nonce     uint32 `json:"nonce"`
		Signature string `json:"signature"`
	}{
		Hash:      tx.hash.Hex(),
		Sender:    tx.sender.Hex(),
		Recipient: tx.recipient.Hex(),
		Value:     tx.value,
		Nonce:     tx.nonce,
		Signature: fmt.Sprintf("%x", tx.signature[:]),
	})
}
