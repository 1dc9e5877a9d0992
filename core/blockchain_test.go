package core

import (
	"testing"

	"github.com/whosecoin/whosecoin-core/crypto"
)

type extension struct {
	prev, next *Block
}

// recorder collects extension callbacks for assertions.
type recorder struct {
	events []extension
}

func (r *recorder) handle(prev, next *Block) {
	r.events = append(r.events, extension{prev, next})
}

func TestGenesisAdmission(t *testing.T) {
	pub, priv := mustKeyPair(t)
	rec := &recorder{}
	bc := NewBlockchain(rec.handle)

	b0, err := NewBlock(pub, priv, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bc.AddBlock(b0) {
		t.Fatal("genesis insertion returned false")
	}
	if bc.Principal() != b0 {
		t.Error("principal is not the genesis block")
	}
	if len(rec.events) != 1 || rec.events[0].prev != nil || rec.events[0].next != b0 {
		t.Errorf("events = %v, want one (nil, genesis) extension", rec.events)
	}
	if bc.Block(b0.Hash()) != b0 {
		t.Error("genesis not retrievable by hash")
	}
}

func TestDuplicateInsertion(t *testing.T) {
	pub, priv := mustKeyPair(t)
	rec := &recorder{}
	bc := NewBlockchain(rec.handle)

	b0, err := NewBlock(pub, priv, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bc.AddBlock(b0) {
		t.Fatal("first insertion returned false")
	}
	if bc.AddBlock(b0) {
		t.Error("second insertion returned true")
	}
	if bc.Size() != 1 {
		t.Errorf("tree size = %d, want 1", bc.Size())
	}
	if len(rec.events) != 1 {
		t.Errorf("callback fired %d times, want 1", len(rec.events))
	}
}

// setupSiblingCreators builds a two-block chain where both returned keys
// hold exactly one delegate slot at the leaf.
func setupSiblingCreators(t *testing.T, bc *Blockchain) (crypto.PublicKey, crypto.PrivateKey, crypto.PublicKey, crypto.PrivateKey, *Block) {
	t.Helper()
	a, aPriv := mustKeyPair(t)
	b, bPriv := mustKeyPair(t)

	genesis, err := NewBlock(a, aPriv, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	fund := NewTransaction(a, aPriv, b, DelegateValue, 0)
	second, err := NewBlock(a, aPriv, genesis, []*Transaction{fund})
	if err != nil {
		t.Fatal(err)
	}
	if !bc.AddBlock(genesis) || !bc.AddBlock(second) {
		t.Fatal("setup insertion failed")
	}
	return a, aPriv, b, bPriv, second
}

func TestSiblingPriorityExtension(t *testing.T) {
	rec := &recorder{}
	bc := NewBlockchain(rec.handle)
	a, aPriv, b, bPriv, parent := setupSiblingCreators(t, bc)

	childA, err := NewBlock(a, aPriv, parent, nil)
	if err != nil {
		t.Fatal(err)
	}
	childB, err := NewBlock(b, bPriv, parent, nil)
	if err != nil {
		t.Fatal(err)
	}

	fired := len(rec.events)
	if !bc.AddBlock(childA) {
		t.Fatal("first sibling insertion failed")
	}
	if bc.Principal() != childA {
		t.Error("first sibling did not extend the principal")
	}
	if !bc.AddBlock(childB) {
		t.Fatal("second sibling insertion failed")
	}

	// The principal is whichever sibling has the smaller priority hash,
	// and the callback fires once more only when the second sibling wins.
	if childB.Priority().Compare(childA.Priority()) < 0 {
		if bc.Principal() != childB {
			t.Error("lower-priority sibling did not take over")
		}
		if len(rec.events) != fired+2 {
			t.Errorf("callback fired %d times after siblings, want %d", len(rec.events)-fired, 2)
		}
	} else {
		if bc.Principal() != childA {
			t.Error("incumbent principal lost to a higher-priority sibling")
		}
		if len(rec.events) != fired+1 {
			t.Errorf("callback fired %d times after siblings, want %d", len(rec.events)-fired, 1)
		}
	}
}

func TestEqualHeightForkChoiceAgreesWithPriority(t *testing.T) {
	// Whichever sibling arrives first, the surviving principal is the one
	// with the smaller priority hash.
	for trial := 0; trial < 4; trial++ {
		bc := NewBlockchain(nil)
		a, aPriv, b, bPriv, parent := setupSiblingCreators(t, bc)

		childA, err := NewBlock(a, aPriv, parent, nil)
		if err != nil {
			t.Fatal(err)
		}
		childB, err := NewBlock(b, bPriv, parent, nil)
		if err != nil {
			t.Fatal(err)
		}
		if trial%2 == 0 {
			bc.AddBlock(childA)
			bc.AddBlock(childB)
		} else {
			bc.AddBlock(childB)
			bc.AddBlock(childA)
		}

		want := childA
		if childB.Priority().Compare(childA.Priority()) < 0 {
			want = childB
		}
		if bc.Principal() != want {
			t.Errorf("trial %d: principal does not match the priority order", trial)
		}
	}
}

func TestDeeperChainExtends(t *testing.T) {
	pub, priv := mustKeyPair(t)
	bc := NewBlockchain(nil)

	leaf := buildChain(t, pub, priv, nil, 1)
	if !bc.AddBlock(leaf) {
		t.Fatal("insert failed")
	}
	for i := 0; i < 3; i++ {
		leaf = buildChain(t, pub, priv, leaf, 1)
		if !bc.AddBlock(leaf) {
			t.Fatal("insert failed")
		}
		if bc.Principal() != leaf {
			t.Errorf("principal did not follow the extending chain at height %d", leaf.Height())
		}
	}
	if bc.Height() != 4 {
		t.Errorf("height = %d, want 4", bc.Height())
	}
}

func TestForkWalkComparesPriorities(t *testing.T) {
	rec := &recorder{}
	bc := NewBlockchain(rec.handle)
	a, aPriv, b, bPriv, parent := setupSiblingCreators(t, bc)

	// Principal chain: parent -> a1 -> a2. Then a sibling of a1 arrives.
	a1, err := NewBlock(a, aPriv, parent, nil)
	if err != nil {
		t.Fatal(err)
	}
	bc.AddBlock(a1)
	a2, err := NewBlock(a, aPriv, a1, nil)
	if err != nil {
		t.Fatal(err)
	}
	bc.AddBlock(a2)
	if bc.Principal() != a2 {
		t.Fatal("setup: principal is not the deep leaf")
	}

	b1, err := NewBlock(b, bPriv, parent, nil)
	if err != nil {
		t.Fatal(err)
	}
	fired := len(rec.events)
	bc.AddBlock(b1)

	// The walk compares b1 first against a2 (the leaf). b1 takes over
	// exactly when its priority is smaller.
	if b1.Priority().Compare(a2.Priority()) < 0 {
		if bc.Principal() != b1 {
			t.Error("lower-priority fork did not take over the principal")
		}
		if len(rec.events) != fired+1 {
			t.Errorf("callback fired %d times, want exactly 1", len(rec.events)-fired)
		}
	} else {
		if bc.Principal() != a2 {
			t.Error("principal changed although the fork had higher priority")
		}
		if len(rec.events) != fired {
			t.Error("callback fired although the principal did not change")
		}
	}
}

func TestTransactionLookup(t *testing.T) {
	pub, priv := mustKeyPair(t)
	other, _ := mustKeyPair(t)
	bc := NewBlockchain(nil)

	genesis := buildChain(t, pub, priv, nil, 1)
	bc.AddBlock(genesis)
	tx := NewTransaction(pub, priv, other, 40, 0)
	b2, err := NewBlock(pub, priv, genesis, []*Transaction{tx})
	if err != nil {
		t.Fatal(err)
	}
	bc.AddBlock(b2)

	if bc.Transaction(tx.Hash()) != tx {
		t.Error("confirmed transaction not found by hash")
	}
	if bc.Transaction(crypto.Sum([]byte("missing"))) != nil {
		t.Error("unknown hash returned a transaction")
	}
}

func TestChildrenTracking(t *testing.T) {
	bc := NewBlockchain(nil)
	a, aPriv, b, bPriv, parent := setupSiblingCreators(t, bc)

	childA, err := NewBlock(a, aPriv, parent, nil)
	if err != nil {
		t.Fatal(err)
	}
	childB, err := NewBlock(b, bPriv, parent, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Children appear only once inserted into the tree.
	if parent.ChildWithCreator(a) != nil {
		t.Error("child visible before insertion")
	}
	bc.AddBlock(childA)
	bc.AddBlock(childB)
	if parent.ChildWithCreator(a) != childA {
		t.Error("creator a's child not found")
	}
	if parent.ChildWithCreator(b) != childB {
		t.Error("creator b's child not found")
	}
	unknown, _ := mustKeyPair(t)
	if parent.ChildWithCreator(unknown) != nil {
		t.Error("unknown creator matched a child")
	}
}
