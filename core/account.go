package core

// Account records the balance of one key as of one block. Accounts form a
// per-key chain through ancestor blocks: prev points at the same key's
// node in the nearest ancestor whose construction touched the key. The
// effective account at a block is found by walking parent pointers toward
// genesis and returning the first node present.
type Account struct {
	value uint64
	prev  *Account
	block *Block
}

// Value returns the balance recorded by this node.
func (a *Account) Value() uint64 {
	return a.value
}

// Block returns the block whose construction produced this node.
func (a *Account) Block() *Block {
	return a.block
}

// Prev returns the same key's node in the nearest touching ancestor, or
// nil if this node is the key's first appearance.
func (a *Account) Prev() *Account {
	return a.prev
}

// oldest walks the prev chain to the node where the key first appeared.
func (a *Account) oldest() *Account {
	for a.prev != nil {
		a = a.prev
	}
	return a
}
