package core

import (
	"sync"

	"github.com/whosecoin/whosecoin-core/crypto"
)

// Pool holds transactions awaiting confirmation. Order is insertion order;
// membership is by hash. The pool owns its transactions until a block
// construction drains them or a duplicate insertion drops the candidate.
type Pool struct {
	mu     sync.RWMutex
	txns   []*Transaction
	byHash map[crypto.Hash]struct{}
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{byHash: make(map[crypto.Hash]struct{})}
}

// Add appends tx unless a transaction with the same hash is already
// present. Returns whether the transaction was added.
func (p *Pool) Add(tx *Transaction) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byHash[tx.Hash()]; exists {
		return false
	}
	p.byHash[tx.Hash()] = struct{}{}
	p.txns = append(p.txns, tx)
	return true
}

// Get returns the transaction at index i, or nil if out of range.
func (p *Pool) Get(i int) *Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if i < 0 || i >= len(p.txns) {
		return nil
	}
	return p.txns[i]
}

// Remove deletes and returns the transaction at index i, or nil if out of
// range.
func (p *Pool) Remove(i int) *Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.txns) {
		return nil
	}
	tx := p.txns[i]
	p.txns = append(p.txns[:i], p.txns[i+1:]...)
	delete(p.byHash, tx.Hash())
	return tx
}

// Drain removes and returns all pending transactions in insertion order.
func (p *Pool) Drain() []*Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	txns := p.txns
	p.txns = nil
	p.byHash = make(map[crypto.Hash]struct{})
	return txns
}

// Snapshot returns a copy of the pending list without removing anything.
func (p *Pool) Snapshot() []*Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Transaction, len(p.txns))
	copy(out, p.txns)
	return out
}

// Size returns the number of pending transactions.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txns)
}
