// Package node wires the blockchain tree, transaction pool, and gossip
// network together: it handshakes with peers, synchronizes chain and pool
// state, authors blocks on a timer atop the principal leaf, and replays
// orphaned transactions when a fork overtakes the principal chain.
package node

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whosecoin/whosecoin-core/config"
	"github.com/whosecoin/whosecoin-core/core"
	"github.com/whosecoin/whosecoin-core/crypto"
	"github.com/whosecoin/whosecoin-core/indexer"
	"github.com/whosecoin/whosecoin-core/network"
	"github.com/whosecoin/whosecoin-core/tuple"
)

// BlockTime is the authoring interval. The timer restarts on every
// extension event, so a node only authors when the chain has been quiet.
const BlockTime = 3 * time.Second

// Node orchestrates one participant. All state mutation runs under mu:
// network handlers, the authoring timer, and REPL commands each take it,
// so every handler observes a consistent tree, pool, and peer set.
type Node struct {
	mu    sync.Mutex
	cfg   *config.Config
	chain *core.Blockchain
	pool  *core.Pool
	net   *network.Network
	idx   *indexer.Indexer

	pub  crypto.PublicKey
	priv crypto.PrivateKey

	timer *time.Timer
	nonce uint32
	log   *logrus.Entry
}

// New assembles a node around the given keypair. idx may be nil to run
// without the account index.
func New(cfg *config.Config, pub crypto.PublicKey, priv crypto.PrivateKey, idx *indexer.Indexer) *Node {
	n := &Node{
		cfg:  cfg,
		pool: core.NewPool(),
		net:  network.New(),
		idx:  idx,
		pub:  pub,
		priv: priv,
		log:  logrus.WithField("component", "node"),
	}
	n.chain = core.NewBlockchain(n.onExtended)

	n.net.Register(network.MsgConnect, n.onConnect)
	n.net.Register(network.MsgDisconnect, n.onDisconnect)
	n.net.Register(network.MsgHandshake, n.onHandshake)
	n.net.Register(network.MsgPeersRequest, n.onPeersRequest)
	n.net.Register(network.MsgPeersResponse, n.onPeersResponse)
	n.net.Register(network.MsgBlocksRequest, n.onBlocksRequest)
	n.net.Register(network.MsgBlocksResponse, n.onBlocksResponse)
	n.net.Register(network.MsgPoolRequest, n.onPoolRequest)
	n.net.Register(network.MsgPoolResponse, n.onPoolResponse)
	n.net.Register(network.MsgBlock, n.onBlock)
	n.net.Register(network.MsgTransaction, n.onTransaction)
	return n
}

// Chain returns the block tree.
func (n *Node) Chain() *core.Blockchain { return n.chain }

// Pool returns the pending transaction pool.
func (n *Node) Pool() *core.Pool { return n.pool }

// Network returns the gossip transport.
func (n *Node) Network() *network.Network { return n.net }

// PublicKey returns the local creator key.
func (n *Node) PublicKey() crypto.PublicKey { return n.pub }

// Start authors the local genesis block, begins listening and dialing
// peers per the configuration, and arms the authoring timer.
func (n *Node) Start() error {
	n.mu.Lock()
	genesis, err := core.NewBlock(n.pub, n.priv, nil, nil)
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("author genesis: %w", err)
	}
	n.chain.AddBlock(genesis)
	n.mu.Unlock()

	if n.cfg.ShouldListen {
		if err := n.net.Listen(n.cfg.Port, n.cfg.Backlog); err != nil {
			return err
		}
		n.log.Infof("accepting connections on port %d", n.cfg.Port)
	}
	for _, entry := range n.cfg.Connect {
		host, port, err := config.ParsePeer(entry)
		if err != nil {
			n.log.WithError(err).Warnf("skipping peer %q", entry)
			continue
		}
		n.net.Connect(host, port)
	}

	n.mu.Lock()
	n.broadcastBlock(genesis)
	n.mu.Unlock()
	return nil
}

// Stop halts authoring and tears the network down.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.timer != nil {
		n.timer.Stop()
	}
	n.mu.Unlock()
	n.net.Close()
}

// Balance returns the local creator's value at the principal leaf.
func (n *Node) Balance() uint64 {
	if acc := n.chain.Principal().Account(n.pub); acc != nil {
		return acc.Value()
	}
	return 0
}

// Send creates a signed transfer from the local key, adds it to the pool,
// and gossips it.
func (n *Node) Send(amount uint64, recipientHex string) (*core.Transaction, error) {
	recipient, err := crypto.PubKeyFromHex(recipientHex)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	tx := core.NewTransaction(n.pub, n.priv, recipient, amount, n.nonce)
	n.nonce++
	if !n.pool.Add(tx) {
		return nil, fmt.Errorf("transaction %s already pending", tx.Hash().Hex())
	}
	w := tuple.NewWriter()
	tx.WriteTuple(w)
	n.net.Broadcast(network.MsgTransaction, w.Bytes())
	return tx, nil
}

// PoolJSON renders the pending transactions for the REPL.
func (n *Node) PoolJSON() (string, error) {
	data, err := json.MarshalIndent(n.pool.Snapshot(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// onExtended reacts to a principal change. It runs synchronously inside
// AddBlock while mu is already held, so it must not lock. When prev is
// not an ancestor of next a fork has overtaken the principal chain: every
// orphaned block's transactions return to the pool, since they are no
// longer confirmed.
func (n *Node) onExtended(prev, next *core.Block) {
	if acc := next.Account(n.pub); acc != nil {
		n.log.Infof("height %d, value %d", next.Height(), acc.Value())
	}

	for !next.HasAncestor(prev) {
		for i := 0; i < prev.TransactionCount(); i++ {
			n.pool.Add(prev.Transaction(i))
		}
		if n.idx != nil {
			n.idx.RemoveBlock(prev)
		}
		prev = prev.Parent()
	}

	// prev is now the common ancestor; index the newly principal segment
	// oldest-first.
	if n.idx != nil {
		var added []*core.Block
		for b := next; b != prev; b = b.Parent() {
			added = append(added, b)
		}
		for i := len(added) - 1; i >= 0; i-- {
			n.idx.IndexBlock(added[i])
		}
	}

	n.restartTimer()
}

// restartTimer arms the authoring timer afresh. Callers hold mu.
func (n *Node) restartTimer() {
	if n.timer == nil {
		n.timer = time.AfterFunc(BlockTime, n.onTimer)
		return
	}
	n.timer.Stop()
	n.timer.Reset(BlockTime)
}

// onTimer authors a block atop the principal with the entire pool, unless
// this node already authored a child there.
func (n *Node) onTimer() {
	n.mu.Lock()
	defer n.mu.Unlock()

	principal := n.chain.Principal()
	if principal == nil || principal.ChildWithCreator(n.pub) != nil {
		n.restartTimer()
		return
	}
	txns := n.pool.Drain()
	b, err := core.NewBlock(n.pub, n.priv, principal, txns)
	if err != nil {
		for _, tx := range txns {
			n.pool.Add(tx)
		}
		n.log.WithError(err).Debug("authoring skipped")
		n.restartTimer()
		return
	}
	if n.chain.AddBlock(b) {
		n.broadcastBlock(b)
	}
}

// broadcastBlock gossips a block. Callers hold mu.
func (n *Node) broadcastBlock(b *core.Block) {
	w := tuple.NewWriter()
	b.WriteTuple(w)
	n.net.Broadcast(network.MsgBlock, w.Bytes())
}

// maybeFork builds an alternative child of b's parent from the pool when
// this node has none there yet, giving it a chance to win the fork by
// priority. Callers hold mu.
func (n *Node) maybeFork(b *core.Block) {
	parent := b.Parent()
	if parent == nil || parent.ChildWithCreator(n.pub) != nil {
		return
	}
	txns := n.pool.Drain()
	next, err := core.NewBlock(n.pub, n.priv, parent, txns)
	if err != nil {
		for _, tx := range txns {
			n.pool.Add(tx)
		}
		return
	}
	if n.chain.AddBlock(next) {
		n.broadcastBlock(next)
	}
}

// onConnect introduces this node to a fresh peer: handshake, then peer,
// chain, and pool synchronization requests.
func (n *Node) onConnect(peer *network.Peer, _ *tuple.Tuple) {
	n.mu.Lock()
	defer n.mu.Unlock()

	w := tuple.NewWriter()
	w.Start()
	w.WriteI32(int32(n.cfg.Port))
	w.WriteString(config.Version)
	w.End()
	n.net.Send(network.MsgHandshake, w.Bytes(), peer)

	w = tuple.NewWriter()
	w.Start()
	w.End()
	n.net.Send(network.MsgPeersRequest, w.Bytes(), peer)

	hash := n.chain.Principal().Hash()
	w = tuple.NewWriter()
	w.Start()
	w.WriteBinary(hash[:])
	w.End()
	n.net.Send(network.MsgBlocksRequest, w.Bytes(), peer)

	w = tuple.NewWriter()
	w.Start()
	w.End()
	n.net.Send(network.MsgPoolRequest, w.Bytes(), peer)
}

// onDisconnect logs peers that completed a handshake; those that never
// declared a port failed theirs and vanish silently.
func (n *Node) onDisconnect(peer *network.Peer, _ *tuple.Tuple) {
	if peer.Port() > 0 {
		n.log.Infof("[-] %s:%d", peer.Addr(), peer.Port())
	}
}

// onHandshake records the peer's declared listen port, disconnecting
// duplicates silently and version mismatches loudly.
func (n *Node) onHandshake(peer *network.Peer, msg *tuple.Tuple) {
	n.mu.Lock()
	defer n.mu.Unlock()

	port, ok := msg.I32(0)
	if !ok {
		return
	}
	version, ok := msg.String(1)
	if !ok {
		return
	}
	if n.net.HasPeer(peer.Addr(), int(port)) {
		n.net.Disconnect(peer)
		return
	}
	if version != config.Version {
		n.log.Warnf("version mismatch from %s: %q", peer.Addr(), version)
		n.net.Disconnect(peer)
		return
	}
	peer.SetPort(int(port))
	n.log.Infof("[+] %s:%d", peer.Addr(), peer.Port())
}

// onPeersRequest answers with every known peer except the requester.
func (n *Node) onPeersRequest(peer *network.Peer, _ *tuple.Tuple) {
	n.mu.Lock()
	defer n.mu.Unlock()

	w := tuple.NewWriter()
	w.Start()
	for _, p := range n.net.Peers() {
		if p.Port() <= 0 {
			continue
		}
		if p.Addr() == peer.Addr() && p.Port() == peer.Port() {
			continue
		}
		w.Start()
		w.WriteString(p.Addr())
		w.WriteI32(int32(p.Port()))
		w.End()
	}
	w.End()
	n.net.Send(network.MsgPeersResponse, w.Bytes(), peer)
}

// onPeersResponse dials every advertised peer this node is not already
// connected to.
func (n *Node) onPeersResponse(_ *network.Peer, msg *tuple.Tuple) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i := 0; i < msg.Size(); i++ {
		entry, ok := msg.Tuple(i)
		if !ok || entry.Size() != 2 {
			continue
		}
		addr, ok := entry.String(0)
		if !ok {
			continue
		}
		port, ok := entry.I32(1)
		if !ok {
			continue
		}
		if !n.net.HasPeer(addr, int(port)) {
			n.net.Connect(addr, int(port))
		}
	}
}

// onBlocksRequest walks the principal chain from the leaf down to the
// requested base (exclusive) and returns the blocks newest-first.
func (n *Node) onBlocksRequest(peer *network.Peer, msg *tuple.Tuple) {
	n.mu.Lock()
	defer n.mu.Unlock()

	hashBytes, ok := msg.Binary(0)
	if !ok || len(hashBytes) != crypto.HashSize {
		return
	}
	hash, _ := crypto.HashFromBytes(hashBytes)
	base := n.chain.Block(hash)

	w := tuple.NewWriter()
	w.Start()
	for iter := n.chain.Principal(); iter != nil && iter != base; iter = iter.Parent() {
		iter.WriteTuple(w)
	}
	w.End()
	n.net.Send(network.MsgBlocksResponse, w.Bytes(), peer)
}

// onBlocksResponse inserts a downloaded batch. Blocks arrive newest-first,
// so they are applied in reverse to satisfy parent references.
func (n *Node) onBlocksResponse(_ *network.Peer, msg *tuple.Tuple) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i := msg.Size(); i > 0; i-- {
		blockTuple, ok := msg.Tuple(i - 1)
		if !ok {
			continue
		}
		b, err := core.BlockFromTuple(blockTuple, n.chain.Block)
		if err != nil {
			n.log.WithError(err).Debug("rejecting synced block")
			continue
		}
		if n.chain.AddBlock(b) {
			n.maybeFork(b)
		}
	}
}

// onBlock validates and inserts a gossiped block, then considers forking
// at its parent.
func (n *Node) onBlock(_ *network.Peer, msg *tuple.Tuple) {
	n.mu.Lock()
	defer n.mu.Unlock()

	b, err := core.BlockFromTuple(msg, n.chain.Block)
	if err != nil {
		n.log.WithError(err).Debug("rejecting block")
		return
	}
	if n.chain.AddBlock(b) {
		n.maybeFork(b)
	}
}

// onPoolRequest answers with every pending transaction.
func (n *Node) onPoolRequest(peer *network.Peer, _ *tuple.Tuple) {
	n.mu.Lock()
	defer n.mu.Unlock()

	w := tuple.NewWriter()
	w.Start()
	for _, tx := range n.pool.Snapshot() {
		tx.WriteTuple(w)
	}
	w.End()
	n.net.Send(network.MsgPoolResponse, w.Bytes(), peer)
}

// onPoolResponse merges a peer's pending transactions into the pool.
func (n *Node) onPoolResponse(_ *network.Peer, msg *tuple.Tuple) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i := 0; i < msg.Size(); i++ {
		txTuple, ok := msg.Tuple(i)
		if !ok {
			continue
		}
		tx, err := core.TransactionFromTuple(txTuple)
		if err != nil {
			continue
		}
		n.pool.Add(tx)
	}
}

// onTransaction adds a gossiped transaction to the pool.
func (n *Node) onTransaction(_ *network.Peer, msg *tuple.Tuple) {
	n.mu.Lock()
	defer n.mu.Unlock()

	tx, err := core.TransactionFromTuple(msg)
	if err != nil {
		n.log.WithError(err).Debug("rejecting transaction")
		return
	}
	n.pool.Add(tx)
}
