package core

import (
	"sync"

	"github.com/whosecoin/whosecoin-core/crypto"
)

// ExtensionHandler is invoked when the principal leaf changes, with the
// previous principal (nil on the first insertion) and the new one. When
// prev is not an ancestor of next, a fork has overtaken the principal
// chain and the caller must replay the orphaned transactions.
type ExtensionHandler func(prev, next *Block)

// Blockchain owns every block and, through them, every confirmed
// transaction. Blocks form a tree through parent pointers; the principal
// pointer selects the leaf whose chain is the ledger exposed to
// applications.
type Blockchain struct {
	mu         sync.RWMutex
	blocks     map[crypto.Hash]*Block
	txns       map[crypto.Hash]*Transaction
	principal  *Block
	onExtended ExtensionHandler
}

// NewBlockchain creates an empty tree. onExtended may be nil.
func NewBlockchain(onExtended ExtensionHandler) *Blockchain {
	return &Blockchain{
		blocks:     make(map[crypto.Hash]*Block),
		txns:       make(map[crypto.Hash]*Transaction),
		onExtended: onExtended,
	}
}

// AddBlock inserts b into the tree and applies the fork-choice rule.
// Insertion is idempotent: a block whose hash is already present returns
// false and changes nothing. The extension handler fires at most once per
// insertion, after the new principal has been decided.
func (bc *Blockchain) AddBlock(b *Block) bool {
	bc.mu.Lock()
	if _, exists := bc.blocks[b.hash]; exists {
		bc.mu.Unlock()
		return false
	}
	bc.blocks[b.hash] = b
	for _, tx := range b.txns {
		bc.txns[tx.Hash()] = tx
	}
	if b.parent != nil {
		b.parent.addChild(b)
	}

	prev := bc.principal
	switch {
	case bc.principal == nil:
		bc.principal = b
	case b.parent == bc.principal:
		bc.principal = b
	case b.parent == bc.principal.parent:
		if b.priority.Compare(bc.principal.priority) < 0 {
			bc.principal = b
		}
	default:
		// Walk up the principal chain until iter is an ancestor of b,
		// comparing b's priority against the principal-side node at each
		// depth. The first depth where b wins decides the whole insertion.
		curr := bc.principal
		for iter := curr.parent; !b.HasAncestor(iter); iter = iter.parent {
			if b.priority.Compare(curr.priority) < 0 {
				bc.principal = b
				break
			}
			curr = iter
		}
	}

	changed := bc.principal != prev
	principal := bc.principal
	bc.mu.Unlock()

	if changed && bc.onExtended != nil {
		bc.onExtended(prev, principal)
	}
	return true
}

// Block returns the block with the given hash, or nil.
func (bc *Blockchain) Block(hash crypto.Hash) *Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.blocks[hash]
}

// Transaction returns the confirmed transaction with the given hash, or
// nil. The entry is a weak lookup: the owning block may no longer be on
// the principal chain.
func (bc *Blockchain) Transaction(hash crypto.Hash) *Transaction {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.txns[hash]
}

// Principal returns the currently selected leaf, or nil before the first
// insertion.
func (bc *Blockchain) Principal() *Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.principal
}

// Height returns the height of the principal leaf, or 0 for an empty tree.
func (bc *Blockchain) Height() uint32 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.principal.Height()
}

// Size returns the number of blocks in the tree.
func (bc *Blockchain) Size() int {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return len(bc.blocks)
}
