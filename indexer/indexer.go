// Package indexer maintains a per-account index of confirmed transactions
// so the browse surfaces can list an account's history without walking the
// whole principal chain. The orchestrator feeds it on every extension
// event: blocks joining the principal chain are indexed, blocks orphaned
// by a fork are removed again.
package indexer

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/whosecoin/whosecoin-core/core"
	"github.com/whosecoin/whosecoin-core/crypto"
	"github.com/whosecoin/whosecoin-core/storage"
)

const prefixAccountTxn = "idx:acct:"

// Record is one confirmed transaction as seen from an account.
type Record struct {
	Hash      string `json:"hash"`
	Block     string `json:"block"`
	Height    uint32 `json:"height"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Value     uint64 `json:"value"`
	Nonce     uint32 `json:"nonce"`
}

// Indexer writes account/transaction rows into a key-value store.
type Indexer struct {
	db  storage.DB
	log *logrus.Entry
}

// New creates an Indexer backed by db.
func New(db storage.DB) *Indexer {
	return &Indexer{db: db, log: logrus.WithField("component", "indexer")}
}

// key orders an account's rows by height, then transaction hash.
func key(account crypto.PublicKey, height uint32, hash crypto.Hash) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d:%s", prefixAccountTxn, account.Hex(), height, hash.Hex()))
}

// IndexBlock records every transaction of b under both its sender and its
// recipient.
func (idx *Indexer) IndexBlock(b *core.Block) {
	for _, tx := range b.Transactions() {
		rec := Record{
			Hash:      tx.Hash().Hex(),
			Block:     b.Hash().Hex(),
			Height:    b.Height(),
			Sender:    tx.Sender().Hex(),
			Recipient: tx.Recipient().Hex(),
			Value:     tx.Value(),
			Nonce:     tx.Nonce(),
		}
		data, err := json.Marshal(rec)
		if err != nil {
			idx.log.WithError(err).Error("marshal record")
			continue
		}
		for _, account := range []crypto.PublicKey{tx.Sender(), tx.Recipient()} {
			if err := idx.db.Set(key(account, b.Height(), tx.Hash()), data); err != nil {
				idx.log.WithError(err).Errorf("index write for %s", account.Hex())
			}
		}
	}
}

// RemoveBlock deletes the rows IndexBlock wrote for b. Called when a fork
// orphans the block.
func (idx *Indexer) RemoveBlock(b *core.Block) {
	for _, tx := range b.Transactions() {
		for _, account := range []crypto.PublicKey{tx.Sender(), tx.Recipient()} {
			if err := idx.db.Delete(key(account, b.Height(), tx.Hash())); err != nil {
				idx.log.WithError(err).Errorf("index delete for %s", account.Hex())
			}
		}
	}
}

// TransactionsByAccount returns the account's confirmed transactions in
// chain order.
func (idx *Indexer) TransactionsByAccount(account crypto.PublicKey) ([]Record, error) {
	it := idx.db.NewIterator([]byte(prefixAccountTxn + account.Hex() + ":"))
	defer it.Release()
	var records []Record
	for it.Next() {
		var rec Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("indexer unmarshal: %w", err)
		}
		records = append(records, rec)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return records, nil
}
