package node

import (
	"encoding/binary"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/whosecoin/whosecoin-core/config"
	"github.com/whosecoin/whosecoin-core/core"
	"github.com/whosecoin/whosecoin-core/crypto"
	"github.com/whosecoin/whosecoin-core/network"
	"github.com/whosecoin/whosecoin-core/tuple"
)

// listenNode builds a node with its genesis block inserted and its gossip
// listener bound to an ephemeral port, which becomes the node's declared
// handshake port.
func listenNode(t *testing.T) (*Node, crypto.PrivateKey) {
	t.Helper()
	n, priv := testNode(t)
	genesis, err := core.NewBlock(n.PublicKey(), priv, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !n.Chain().AddBlock(genesis) {
		t.Fatal("genesis insertion failed")
	}
	if err := n.net.Listen(0, 8); err != nil {
		t.Fatal(err)
	}
	n.cfg.Port = n.net.Addr().(*net.TCPAddr).Port
	return n, priv
}

// dialNode opens a raw TCP connection to the node's gossip listener.
func dialNode(t *testing.T, n *Node) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", n.cfg.Port))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// sendFrame writes one unicast frame (zero GUID) to conn.
func sendFrame(t *testing.T, conn net.Conn, typ network.MsgType, payload []byte) {
	t.Helper()
	frame := make([]byte, network.HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], network.MagicNumber)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	binary.BigEndian.PutUint16(frame[24:26], uint16(typ))
	copy(frame[network.HeaderSize:], payload)
	if _, err := conn.Write(frame); err != nil {
		t.Fatal(err)
	}
}

func emptyPayload() []byte {
	w := tuple.NewWriter()
	w.Start()
	w.End()
	return w.Bytes()
}

func handshakePayload(port int32, version string) []byte {
	w := tuple.NewWriter()
	w.Start()
	w.WriteI32(port)
	w.WriteString(version)
	w.End()
	return w.Bytes()
}

// frameReader accumulates frames from a raw connection and returns the
// payload of the next frame of the wanted type, skipping the others (the
// node unconditionally sends its own handshake and sync requests on
// connect).
type frameReader struct {
	conn net.Conn
	buf  []byte
}

func (r *frameReader) next(t *testing.T, want network.MsgType) *tuple.Tuple {
	t.Helper()
	if err := r.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	chunk := make([]byte, 4096)
	for {
		for len(r.buf) >= network.HeaderSize {
			length := binary.BigEndian.Uint32(r.buf[4:8])
			total := network.HeaderSize + int(length)
			if len(r.buf) < total {
				break
			}
			typ := network.MsgType(binary.BigEndian.Uint16(r.buf[24:26]))
			payload := append([]byte(nil), r.buf[network.HeaderSize:total]...)
			r.buf = r.buf[total:]
			if typ != want {
				continue
			}
			msg := tuple.Parse(payload)
			if msg == nil {
				t.Fatalf("%s payload does not parse as a tuple", typ)
			}
			return msg
		}
		nread, err := r.conn.Read(chunk)
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		r.buf = append(r.buf, chunk[:nread]...)
	}
}

func TestHandshakeSetsPeerPort(t *testing.T) {
	n, _ := listenNode(t)
	conn := dialNode(t, n)
	waitFor(t, "peer adoption", func() bool { return n.net.PeerCount() == 1 })

	sendFrame(t, conn, network.MsgHandshake, handshakePayload(4242, config.Version))
	waitFor(t, "declared port", func() bool {
		peers := n.net.Peers()
		return len(peers) == 1 && peers[0].Port() == 4242
	})
	if !n.net.HasPeer("127.0.0.1", 4242) {
		t.Error("peer not reachable through HasPeer after handshake")
	}
}

func TestHandshakeVersionMismatchDisconnects(t *testing.T) {
	n, _ := listenNode(t)
	conn := dialNode(t, n)
	waitFor(t, "peer adoption", func() bool { return n.net.PeerCount() == 1 })

	sendFrame(t, conn, network.MsgHandshake, handshakePayload(4242, "0.0.0-bogus"))
	waitFor(t, "version-mismatch disconnect", func() bool { return n.net.PeerCount() == 0 })
}

func TestHandshakeDuplicatePeerDisconnects(t *testing.T) {
	n, _ := listenNode(t)

	first := dialNode(t, n)
	waitFor(t, "first peer", func() bool { return n.net.PeerCount() == 1 })
	sendFrame(t, first, network.MsgHandshake, handshakePayload(4242, config.Version))
	waitFor(t, "first handshake", func() bool { return n.net.HasPeer("127.0.0.1", 4242) })

	// A second connection declaring the same (addr, port) is dropped
	// silently; the established peer survives.
	second := dialNode(t, n)
	waitFor(t, "second peer", func() bool { return n.net.PeerCount() == 2 })
	sendFrame(t, second, network.MsgHandshake, handshakePayload(4242, config.Version))
	waitFor(t, "duplicate disconnect", func() bool { return n.net.PeerCount() == 1 })

	peers := n.net.Peers()
	if len(peers) != 1 || peers[0].Port() != 4242 {
		t.Error("the surviving peer is not the originally handshaken one")
	}
}

func TestPeersRequestExcludesRequester(t *testing.T) {
	n, _ := listenNode(t)

	first := dialNode(t, n)
	waitFor(t, "first peer", func() bool { return n.net.PeerCount() == 1 })
	sendFrame(t, first, network.MsgHandshake, handshakePayload(4101, config.Version))
	waitFor(t, "first handshake", func() bool { return n.net.HasPeer("127.0.0.1", 4101) })

	second := dialNode(t, n)
	waitFor(t, "second peer", func() bool { return n.net.PeerCount() == 2 })
	sendFrame(t, second, network.MsgHandshake, handshakePayload(4102, config.Version))
	waitFor(t, "second handshake", func() bool { return n.net.HasPeer("127.0.0.1", 4102) })

	// A third connection that never handshakes keeps port 0 and must not
	// be advertised.
	dialNode(t, n)
	waitFor(t, "third peer", func() bool { return n.net.PeerCount() == 3 })

	r := &frameReader{conn: first}
	sendFrame(t, first, network.MsgPeersRequest, emptyPayload())
	msg := r.next(t, network.MsgPeersResponse)

	if msg.Size() != 1 {
		t.Fatalf("peers response lists %d peers, want 1", msg.Size())
	}
	entry, ok := msg.Tuple(0)
	if !ok || entry.Size() != 2 {
		t.Fatal("peers response entry is not an (addr, port) tuple")
	}
	addr, _ := entry.String(0)
	port, _ := entry.I32(1)
	if addr != "127.0.0.1" || port != 4102 {
		t.Errorf("advertised peer = %s:%d, want 127.0.0.1:4102 (not the requester)", addr, port)
	}
}

func TestBlocksRequestWalksPrincipalNewestFirst(t *testing.T) {
	n, priv := listenNode(t)
	genesis := n.Chain().Principal()
	b2, err := core.NewBlock(n.PublicKey(), priv, genesis, nil)
	if err != nil {
		t.Fatal(err)
	}
	n.Chain().AddBlock(b2)
	b3, err := core.NewBlock(n.PublicKey(), priv, b2, nil)
	if err != nil {
		t.Fatal(err)
	}
	n.Chain().AddBlock(b3)

	conn := dialNode(t, n)
	waitFor(t, "peer adoption", func() bool { return n.net.PeerCount() == 1 })
	r := &frameReader{conn: conn}

	// Requesting from the genesis base returns the blocks above it,
	// newest-first.
	base := genesis.Hash()
	w := tuple.NewWriter()
	w.Start()
	w.WriteBinary(base[:])
	w.End()
	sendFrame(t, conn, network.MsgBlocksRequest, w.Bytes())
	msg := r.next(t, network.MsgBlocksResponse)
	if msg.Size() != 2 {
		t.Fatalf("response holds %d blocks, want 2", msg.Size())
	}
	for i, want := range []crypto.Hash{b3.Hash(), b2.Hash()} {
		blockTuple, ok := msg.Tuple(i)
		if !ok {
			t.Fatalf("entry %d is not a tuple", i)
		}
		header, ok := blockTuple.Tuple(0)
		if !ok {
			t.Fatalf("entry %d has no header", i)
		}
		if got := crypto.Sum(header.Raw()); got != want {
			t.Errorf("entry %d = %s, want %s (newest-first)", i, got.Hex(), want.Hex())
		}
	}

	// An unknown base returns the whole principal chain.
	w = tuple.NewWriter()
	w.Start()
	w.WriteBinary(crypto.ZeroHash[:])
	w.End()
	sendFrame(t, conn, network.MsgBlocksRequest, w.Bytes())
	msg = r.next(t, network.MsgBlocksResponse)
	if msg.Size() != 3 {
		t.Errorf("full-chain response holds %d blocks, want 3", msg.Size())
	}
}

func TestBlocksResponseAppliedInReverse(t *testing.T) {
	n, _ := testNode(t)

	// A foreign branch, encoded newest-first as the responder sends it:
	// applying it in wire order would reject the child for its unknown
	// parent.
	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	recipient, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	genesis, err := core.NewBlock(pub, priv, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	tx := core.NewTransaction(pub, priv, recipient, 12, 0)
	child, err := core.NewBlock(pub, priv, genesis, []*core.Transaction{tx})
	if err != nil {
		t.Fatal(err)
	}

	w := tuple.NewWriter()
	w.Start()
	child.WriteTuple(w)
	w.Start() // a malformed entry in the batch is skipped, not fatal
	w.End()
	genesis.WriteTuple(w)
	w.End()
	msg := tuple.Parse(w.Bytes())
	if msg == nil {
		t.Fatal("batch does not parse")
	}

	n.onBlocksResponse(nil, msg)

	if n.Chain().Block(genesis.Hash()) == nil {
		t.Error("synced genesis missing from the tree")
	}
	if n.Chain().Block(child.Hash()) == nil {
		t.Error("synced child missing: batch was not applied in reverse")
	}
	if n.Chain().Transaction(tx.Hash()) == nil {
		t.Error("synced block's transaction not indexed")
	}
}

func TestPoolRequestReturnsPendingTransactions(t *testing.T) {
	n, priv := listenNode(t)
	recipient, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	tx1 := core.NewTransaction(n.PublicKey(), priv, recipient, 1, 0)
	tx2 := core.NewTransaction(n.PublicKey(), priv, recipient, 2, 1)
	n.Pool().Add(tx1)
	n.Pool().Add(tx2)

	conn := dialNode(t, n)
	waitFor(t, "peer adoption", func() bool { return n.net.PeerCount() == 1 })
	r := &frameReader{conn: conn}

	sendFrame(t, conn, network.MsgPoolRequest, emptyPayload())
	msg := r.next(t, network.MsgPoolResponse)
	if msg.Size() != 2 {
		t.Fatalf("pool response holds %d transactions, want 2", msg.Size())
	}
	for i, want := range []crypto.Hash{tx1.Hash(), tx2.Hash()} {
		txTuple, ok := msg.Tuple(i)
		if !ok {
			t.Fatalf("entry %d is not a tuple", i)
		}
		got, err := core.TransactionFromTuple(txTuple)
		if err != nil {
			t.Fatalf("entry %d: %v", i, err)
		}
		if got.Hash() != want {
			t.Errorf("entry %d = %s, want %s (insertion order)", i, got.Hash().Hex(), want.Hex())
		}
	}
}

func TestPoolResponseMergesPool(t *testing.T) {
	n, _ := testNode(t)

	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	_, wrongPriv, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	recipient, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	good := core.NewTransaction(pub, priv, recipient, 9, 0)
	forged := core.NewTransaction(pub, wrongPriv, recipient, 9, 1)

	// The batch repeats the valid transaction and smuggles in a forged
	// one; only one pool entry may result.
	w := tuple.NewWriter()
	w.Start()
	good.WriteTuple(w)
	good.WriteTuple(w)
	forged.WriteTuple(w)
	w.End()
	msg := tuple.Parse(w.Bytes())
	if msg == nil {
		t.Fatal("batch does not parse")
	}

	n.onPoolResponse(nil, msg)

	if n.Pool().Size() != 1 {
		t.Fatalf("pool size = %d, want 1", n.Pool().Size())
	}
	if n.Pool().Get(0).Hash() != good.Hash() {
		t.Error("pool holds the wrong transaction")
	}
}

func TestTransactionHandler(t *testing.T) {
	n, _ := testNode(t)

	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	recipient, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	tx := core.NewTransaction(pub, priv, recipient, 5, 0)
	w := tuple.NewWriter()
	tx.WriteTuple(w)
	msg := tuple.Parse(w.Bytes())

	n.onTransaction(nil, msg)
	n.onTransaction(nil, msg)
	if n.Pool().Size() != 1 {
		t.Errorf("pool size = %d, want 1 after duplicate gossip", n.Pool().Size())
	}

	// Malformed payloads are dropped without effect.
	n.onTransaction(nil, tuple.Parse(emptyPayload()))
	if n.Pool().Size() != 1 {
		t.Error("malformed transaction mutated the pool")
	}
}

func TestBlockHandlerInsertsForeignGenesis(t *testing.T) {
	n, _ := testNode(t)

	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	foreign, err := core.NewBlock(pub, priv, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	w := tuple.NewWriter()
	foreign.WriteTuple(w)
	msg := tuple.Parse(w.Bytes())

	n.onBlock(nil, msg)
	if n.Chain().Block(foreign.Hash()) == nil {
		t.Error("gossiped block missing from the tree")
	}
	// Re-delivery is idempotent.
	n.onBlock(nil, msg)
	if n.Chain().Size() != 1 {
		t.Errorf("tree size = %d, want 1 after duplicate delivery", n.Chain().Size())
	}
}

func TestTwoNodeSynchronization(t *testing.T) {
	n1, priv1 := listenNode(t)
	genesis1 := n1.Chain().Principal()
	b2, err := core.NewBlock(n1.PublicKey(), priv1, genesis1, nil)
	if err != nil {
		t.Fatal(err)
	}
	n1.Chain().AddBlock(b2)

	recipient, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	poolTx := core.NewTransaction(n1.PublicKey(), priv1, recipient, 7, 0)
	n1.Pool().Add(poolTx)

	n2, _ := listenNode(t)
	genesis2 := n2.Chain().Principal()

	n2.net.Connect("127.0.0.1", n1.cfg.Port)

	// Handshakes complete in both directions with the declared ports.
	waitFor(t, "n1 sees n2", func() bool { return n1.net.HasPeer("127.0.0.1", n2.cfg.Port) })
	waitFor(t, "n2 sees n1", func() bool { return n2.net.HasPeer("127.0.0.1", n1.cfg.Port) })

	// Pool synchronization delivers n1's pending transaction to n2.
	waitFor(t, "pool sync", func() bool {
		for _, tx := range n2.Pool().Snapshot() {
			if tx.Hash() == poolTx.Hash() {
				return true
			}
		}
		return false
	})

	// Chain synchronization merges both trees.
	waitFor(t, "n2 downloads n1's chain", func() bool {
		return n2.Chain().Block(genesis1.Hash()) != nil && n2.Chain().Block(b2.Hash()) != nil
	})
	waitFor(t, "n1 downloads n2's genesis", func() bool {
		return n1.Chain().Block(genesis2.Hash()) != nil
	})
}
