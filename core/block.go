package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/whosecoin/whosecoin-core/crypto"
	"github.com/whosecoin/whosecoin-core/tuple"
)

const (
	// CoinbaseReward is the implicit credit paid to a block's creator. It
	// is applied to the account delta map directly and never appears in
	// the merkle root or on the wire.
	CoinbaseReward = 1024
	// DelegateValue is the number of tokens backing one staking slot.
	DelegateValue = 1024
	// WaitingPeriod is the number of blocks a newly funded key must wait,
	// measured from the block where it first received funds, before it
	// may create blocks.
	WaitingPeriod = 16
)

var (
	// ErrStakingNotAllowed is returned when the creator holds no delegate
	// slots at the parent or is still inside its waiting period.
	ErrStakingNotAllowed = errors.New("creator is not allowed to stake")
	// ErrInsufficientFunds is returned when a sender's running balance
	// would go negative.
	ErrInsufficientFunds = errors.New("sender balance underflow")
	// ErrReplayedTransaction is returned when a transaction hash already
	// appears in the block or one of its ancestors.
	ErrReplayedTransaction = errors.New("transaction already confirmed")
	// ErrUnknownParent is returned when a block names a parent hash the
	// local tree does not contain.
	ErrUnknownParent = errors.New("unknown parent block")
	// ErrMerkleMismatch is returned when the recomputed transaction root
	// differs from the header's.
	ErrMerkleMismatch = errors.New("merkle root mismatch")
	// ErrBadDelegate is returned when the header's delegate index is not
	// below the creator's delegate count.
	ErrBadDelegate = errors.New("delegate index out of range")
	// ErrMalformedBlock is returned when a tuple does not have the shape
	// of a block.
	ErrMalformedBlock = errors.New("malformed block tuple")
)

// LookupFunc resolves a block hash to a block, or nil if unknown.
type LookupFunc func(crypto.Hash) *Block

// Block is one node of the block tree. It is immutable once constructed
// except for the children list, which the blockchain appends to as forks
// arrive. Parent pointers run child to parent; children entries are
// non-owning back references.
type Block struct {
	timestamp  uint64
	parent     *Block
	merkleRoot crypto.Hash
	creator    crypto.PublicKey
	proof      crypto.VRFProof
	delegate   uint32
	signature  crypto.Signature
	txns       []*Transaction

	hash     crypto.Hash
	seed     crypto.Hash
	output   crypto.VRFOutput
	priority crypto.Hash
	height   uint32
	children []*Block
	accounts map[crypto.PublicKey]*Account
	txnSet   map[crypto.Hash]struct{}
}

// computeSeed derives the sortition seed a child of parent must use. The
// seed of a parentless block is the hash of the zero hash.
func computeSeed(parent *Block) crypto.Hash {
	if parent == nil {
		return crypto.Sum(crypto.ZeroHash[:])
	}
	return crypto.SumParts(parent.seed[:], parent.creator[:])
}

// StakingAllowed reports whether pub may create a child of parent. The
// creator must hold at least one delegate slot at parent, and the key's
// first funding block must be at least WaitingPeriod blocks old — except
// during the chain's bootstrap window, while parent is below
// WaitingPeriod. A parentless block may always be created.
func StakingAllowed(parent *Block, pub crypto.PublicKey) bool {
	if parent == nil {
		return true
	}
	account := parent.Account(pub)
	if account == nil || account.value/DelegateValue == 0 {
		return false
	}
	if parent.height < WaitingPeriod {
		return true
	}
	oldest := account.oldest()
	return oldest.block.Height()+WaitingPeriod <= parent.height+1
}

// sortition draws one candidate hash per delegate slot from the VRF output
// and returns the winning slot together with its candidate, which becomes
// the block's priority. Lower candidates win.
func sortition(output crypto.VRFOutput, delegates uint32) (uint32, crypto.Hash) {
	var winner uint32
	var best crypto.Hash
	for i := uint32(0); i < delegates; i++ {
		cand := priorityFor(output, i)
		if i == 0 || cand.Compare(best) < 0 {
			winner, best = i, cand
		}
	}
	return winner, best
}

// priorityFor recomputes the priority committed by a header: the generic
// hash of the VRF output concatenated with the big-endian delegate index.
func priorityFor(output crypto.VRFOutput, delegate uint32) crypto.Hash {
	var be [4]byte
	binary.BigEndian.PutUint32(be[:], delegate)
	return crypto.SumParts(output[:], be[:])
}

// NewBlock constructs, validates, and signs a block with the given creator
// atop parent (nil for a parentless block), containing txns in order. It
// returns an error without side effects if the creator may not stake, a
// sender balance would underflow, or a transaction replays a confirmed one.
func NewBlock(creator crypto.PublicKey, priv crypto.PrivateKey, parent *Block, txns []*Transaction) (*Block, error) {
	if !StakingAllowed(parent, creator) {
		return nil, ErrStakingNotAllowed
	}

	seed := computeSeed(parent)
	proof, output, err := crypto.VRFProve(creator, priv, seed[:])
	if err != nil {
		return nil, fmt.Errorf("sortition: %w", err)
	}
	delegates := uint32(1)
	if parent != nil {
		delegates = uint32(parent.Account(creator).value / DelegateValue)
	}
	delegate, priority := sortition(output, delegates)

	b := &Block{
		timestamp: uint64(time.Now().Unix()),
		parent:    parent,
		creator:   creator,
		proof:     proof,
		delegate:  delegate,
		txns:      txns,
		seed:      seed,
		output:    output,
		priority:  priority,
		height:    parent.Height() + 1,
	}
	if err := b.applyTransactions(); err != nil {
		return nil, err
	}

	hashes := make([]crypto.Hash, len(txns))
	for i, tx := range txns {
		hashes[i] = tx.Hash()
	}
	b.merkleRoot = ComputeMerkleRoot(hashes)

	w := tuple.NewWriter()
	b.writeHeader(w)
	b.hash = crypto.Sum(w.Bytes())
	b.signature = crypto.Sign(priv, b.hash[:])
	return b, nil
}

// validHeaderTuple checks the shape of a header tuple:
// (timestamp u64, parent[32], merkle[32], creator[32], proof[80],
// delegate u32, txcount u32).
func validHeaderTuple(t *tuple.Tuple) bool {
	if t.Size() != 7 {
		return false
	}
	if t.Type(0) != tuple.U64 {
		return false
	}
	if t.BinaryLen(1) != crypto.HashSize {
		return false
	}
	if t.BinaryLen(2) != crypto.HashSize {
		return false
	}
	if t.BinaryLen(3) != crypto.PublicKeySize {
		return false
	}
	if t.BinaryLen(4) != crypto.VRFProofSize {
		return false
	}
	if t.Type(5) != tuple.U32 {
		return false
	}
	if t.Type(6) != tuple.U32 {
		return false
	}
	return true
}

// ValidBlockTuple checks the shape of a block envelope without constructing
// anything: (header, signature[64], transactions) where the transactions
// tuple's size matches the header's declared count and every child is a
// valid transaction tuple. Tuples containing floats are rejected outright.
func ValidBlockTuple(t *tuple.Tuple) bool {
	if t.Size() != 3 || t.HasFloat() {
		return false
	}
	header, ok := t.Tuple(0)
	if !ok || !validHeaderTuple(header) {
		return false
	}
	if t.BinaryLen(1) != crypto.SignatureSize {
		return false
	}
	txns, ok := t.Tuple(2)
	if !ok {
		return false
	}
	count, _ := header.U32(6)
	if uint32(txns.Size()) != count {
		return false
	}
	for i := 0; i < txns.Size(); i++ {
		tt, ok := txns.Tuple(i)
		if !ok || !ValidTransactionTuple(tt) {
			return false
		}
	}
	return true
}

// BlockFromTuple validates and reconstructs a block received off the wire.
// The parent is resolved through lookup; a zero parent hash denotes a
// parentless block, while a non-zero hash the tree does not contain is an
// error. All derived fields are recomputed and checked against the header,
// and the block-level signature is verified last, over the recomputed
// header hash.
func BlockFromTuple(t *tuple.Tuple, lookup LookupFunc) (*Block, error) {
	if !ValidBlockTuple(t) {
		return nil, ErrMalformedBlock
	}
	header, _ := t.Tuple(0)
	sigBytes, _ := t.Binary(1)
	txnsTuple, _ := t.Tuple(2)

	timestamp, _ := header.U64(0)
	parentBytes, _ := header.Binary(1)
	rootBytes, _ := header.Binary(2)
	creatorBytes, _ := header.Binary(3)
	proofBytes, _ := header.Binary(4)
	delegate, _ := header.U32(5)

	parentHash, _ := crypto.HashFromBytes(parentBytes)
	var parent *Block
	if !parentHash.IsZero() {
		if parent = lookup(parentHash); parent == nil {
			return nil, ErrUnknownParent
		}
	}

	txns := make([]*Transaction, txnsTuple.Size())
	for i := range txns {
		tt, _ := txnsTuple.Tuple(i)
		tx, err := TransactionFromTuple(tt)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		txns[i] = tx
	}

	hashes := make([]crypto.Hash, len(txns))
	for i, tx := range txns {
		hashes[i] = tx.Hash()
	}
	root := ComputeMerkleRoot(hashes)
	headerRoot, _ := crypto.HashFromBytes(rootBytes)
	if root != headerRoot {
		return nil, ErrMerkleMismatch
	}

	creator, _ := crypto.PubKeyFromBytes(creatorBytes)
	if !StakingAllowed(parent, creator) {
		return nil, ErrStakingNotAllowed
	}

	seed := computeSeed(parent)
	proof, _ := crypto.VRFProofFromBytes(proofBytes)
	output, err := crypto.VRFVerify(creator, proof, seed[:])
	if err != nil {
		return nil, fmt.Errorf("sortition: %w", err)
	}

	if parent != nil {
		if delegate >= uint32(parent.Account(creator).value/DelegateValue) {
			return nil, ErrBadDelegate
		}
	} else if delegate != 0 {
		return nil, ErrBadDelegate
	}

	b := &Block{
		timestamp:  timestamp,
		parent:     parent,
		merkleRoot: headerRoot,
		creator:    creator,
		proof:      proof,
		delegate:   delegate,
		txns:       txns,
		seed:       seed,
		output:     output,
		priority:   priorityFor(output, delegate),
		height:     parent.Height() + 1,
	}
	if err := b.applyTransactions(); err != nil {
		return nil, err
	}

	b.hash = crypto.Sum(header.Raw())
	copy(b.signature[:], sigBytes)
	if err := crypto.Verify(creator, b.hash[:], b.signature); err != nil {
		return nil, fmt.Errorf("block %s: %w", b.hash.Hex(), err)
	}
	return b, nil
}

// applyTransactions seeds the delta map with the creator's coinbase, then
// replays the transaction list in order, lazily cloning touched accounts
// from ancestor blocks. A sender balance that would underflow, or a
// transaction already present in the block or an ancestor, fails the whole
// block.
func (b *Block) applyTransactions() error {
	b.accounts = make(map[crypto.PublicKey]*Account)
	b.txnSet = make(map[crypto.Hash]struct{}, len(b.txns))

	prev := b.parent.Account(b.creator)
	var prevValue uint64
	if prev != nil {
		prevValue = prev.value
	}
	b.accounts[b.creator] = &Account{value: prevValue + CoinbaseReward, prev: prev, block: b}

	for _, tx := range b.txns {
		if _, dup := b.txnSet[tx.Hash()]; dup {
			return ErrReplayedTransaction
		}
		if b.parent.containsTransaction(tx.Hash()) {
			return ErrReplayedTransaction
		}
		b.txnSet[tx.Hash()] = struct{}{}

		sender := b.fetchAccount(tx.Sender())
		if sender.value < tx.Value() {
			return ErrInsufficientFunds
		}
		sender.value -= tx.Value()
		b.fetchAccount(tx.Recipient()).value += tx.Value()
	}
	return nil
}

// fetchAccount returns the delta-map node for key, cloning the effective
// ancestor value into a fresh node on first touch.
func (b *Block) fetchAccount(key crypto.PublicKey) *Account {
	if acc, ok := b.accounts[key]; ok {
		return acc
	}
	prev := b.parent.Account(key)
	var value uint64
	if prev != nil {
		value = prev.value
	}
	acc := &Account{value: value, prev: prev, block: b}
	b.accounts[key] = acc
	return acc
}

// Account returns the effective account node for key as of this block,
// walking toward genesis until a block whose construction touched the key
// is found. Returns nil if the key never appeared. Safe on a nil receiver.
func (b *Block) Account(key crypto.PublicKey) *Account {
	for blk := b; blk != nil; blk = blk.parent {
		if acc, ok := blk.accounts[key]; ok {
			return acc
		}
	}
	return nil
}

// containsTransaction reports whether hash is confirmed in this block or
// any ancestor. Safe on a nil receiver.
func (b *Block) containsTransaction(hash crypto.Hash) bool {
	for blk := b; blk != nil; blk = blk.parent {
		if _, ok := blk.txnSet[hash]; ok {
			return true
		}
	}
	return false
}

// HasAncestor reports whether ancestor is b itself or appears on b's parent
// chain. A nil ancestor is an ancestor of every block.
func (b *Block) HasAncestor(ancestor *Block) bool {
	for {
		if b == ancestor || ancestor == nil {
			return true
		}
		if b == nil {
			return false
		}
		b = b.parent
	}
}

// ChildWithCreator returns the first known child of b created by pk, or
// nil. Duplicate children from one creator indicate a misbehaving peer and
// are tolerated; the first match wins. Safe on a nil receiver.
func (b *Block) ChildWithCreator(pk crypto.PublicKey) *Block {
	if b == nil {
		return nil
	}
	for _, child := range b.children {
		if child.creator == pk {
			return child
		}
	}
	return nil
}

// addChild records a back reference from parent to child. Only the
// blockchain calls this, when the child is inserted into the tree.
func (b *Block) addChild(child *Block) {
	b.children = append(b.children, child)
}

// Parent returns the parent block, or nil for a parentless block.
func (b *Block) Parent() *Block { return b.parent }

// Height returns the one-indexed height of the block; a nil block has
// height 0 so that a parentless block has height 1.
func (b *Block) Height() uint32 {
	if b == nil {
		return 0
	}
	return b.height
}

// Hash returns the block's header hash; a nil block yields the zero hash,
// which is what a parentless header carries on the wire.
func (b *Block) Hash() crypto.Hash {
	if b == nil {
		return crypto.ZeroHash
	}
	return b.hash
}

// Timestamp returns the creation time in seconds since the epoch. It is
// informational only and not validated.
func (b *Block) Timestamp() uint64 { return b.timestamp }

// Creator returns the public key that created and signed the block.
func (b *Block) Creator() crypto.PublicKey { return b.creator }

// MerkleRoot returns the commitment over the transaction hashes.
func (b *Block) MerkleRoot() crypto.Hash { return b.merkleRoot }

// Proof returns the VRF proof over the block's sortition seed.
func (b *Block) Proof() crypto.VRFProof { return b.proof }

// Delegate returns the winning delegate index.
func (b *Block) Delegate() uint32 { return b.delegate }

// Signature returns the creator's signature over the header hash.
func (b *Block) Signature() crypto.Signature { return b.signature }

// Seed returns the block's sortition seed.
func (b *Block) Seed() crypto.Hash { return b.seed }

// Priority returns the block's 32-byte fork-choice priority; lower wins.
func (b *Block) Priority() crypto.Hash { return b.priority }

// TransactionCount returns the number of transactions in the block.
func (b *Block) TransactionCount() int { return len(b.txns) }

// Transaction returns the ith transaction.
func (b *Block) Transaction(i int) *Transaction { return b.txns[i] }

// Transactions returns the block's transaction list. Callers must not
// modify the returned slice.
func (b *Block) Transactions() []*Transaction { return b.txns }

// writeHeader appends the canonical header tuple, the pre-image of the
// block hash.
func (b *Block) writeHeader(w *tuple.Writer) {
	parentHash := b.parent.Hash()
	w.Start()
	w.WriteU64(b.timestamp)
	w.WriteBinary(parentHash[:])
	w.WriteBinary(b.merkleRoot[:])
	w.WriteBinary(b.creator[:])
	w.WriteBinary(b.proof[:])
	w.WriteU32(b.delegate)
	w.WriteU32(uint32(len(b.txns)))
	w.End()
}

// WriteTuple appends the wire encoding (header, signature, transactions)
// to w.
func (b *Block) WriteTuple(w *tuple.Writer) {
	w.Start()
	b.writeHeader(w)
	w.WriteBinary(b.signature[:])
	w.Start()
	for _, tx := range b.txns {
		tx.WriteTuple(w)
	}
	w.End()
	w.End()
}
