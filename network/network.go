package network

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/whosecoin/whosecoin-core/tuple"
)

// Handler is called for each dispatched message. The tuple is nil for the
// locally synthesized Connect and Disconnect events.
type Handler func(peer *Peer, msg *tuple.Tuple)

// DefaultMaxPeers bounds simultaneous connections when no backlog is
// configured.
const DefaultMaxPeers = 64

// Network is the gossip transport: it accepts and dials peers, frames the
// streams, suppresses broadcast loops by GUID, and dispatches typed
// messages to registered handlers.
type Network struct {
	mu       sync.RWMutex
	peers    []*Peer
	handlers [msgCount]Handler
	maxPeers int

	history  *history
	listener net.Listener
	log      *logrus.Entry
	stopCh   chan struct{}
}

// New creates a Network with an empty peer list.
func New() *Network {
	return &Network{
		maxPeers: DefaultMaxPeers,
		history:  newHistory(HistorySize),
		log:      logrus.WithField("component", "network"),
		stopCh:   make(chan struct{}),
	}
}

// Register installs the handler for one message type. Handlers must be
// registered before Listen or Connect.
func (n *Network) Register(typ MsgType, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[typ] = h
}

// Listen accepts incoming peers on port. backlog caps the number of
// simultaneously connected peers; zero keeps the default.
func (n *Network) Listen(port, backlog int) error {
	if backlog > 0 {
		n.maxPeers = backlog
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on %d: %w", port, err)
	}
	n.listener = ln
	go n.acceptLoop()
	return nil
}

// Addr returns the listener's address, or nil before Listen. Useful when
// listening on port 0.
func (n *Network) Addr() net.Addr {
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Connect dials addr:port in the background. Success fires the Connect
// event like an accepted connection; failure is logged.
func (n *Network) Connect(addr string, port int) {
	go func() {
		conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", addr, port))
		if err != nil {
			n.log.WithError(err).Warnf("unable to connect to %s:%d", addr, port)
			return
		}
		n.adopt(conn)
	}()
}

// Disconnect tears the peer down. The Disconnect event fires from the
// peer's read loop.
func (n *Network) Disconnect(peer *Peer) {
	if peer != nil {
		peer.close()
	}
}

// Close stops listening and disconnects every peer.
func (n *Network) Close() {
	close(n.stopCh)
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.RLock()
	peers := append([]*Peer(nil), n.peers...)
	n.mu.RUnlock()
	for _, p := range peers {
		p.close()
	}
}

// PeerCount returns the number of connected peers.
func (n *Network) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// Peers returns a snapshot of the connected peers.
func (n *Network) Peers() []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]*Peer(nil), n.peers...)
}

// HasPeer reports whether a peer with the given address and declared
// listen port is already connected.
func (n *Network) HasPeer(addr string, port int) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, p := range n.peers {
		if p.Addr() == addr && p.Port() == port {
			return true
		}
	}
	return false
}

// Send delivers a unicast frame to one peer. Unicasts carry the zero GUID
// and are never rebroadcast by the receiver.
func (n *Network) Send(typ MsgType, payload []byte, peer *Peer) {
	frame := encodeFrame(zeroGUID, typ, payload)
	if err := peer.send(frame); err != nil {
		n.log.WithError(err).Debugf("send %s to %s failed", typ, peer.Addr())
		peer.close()
	}
}

// Broadcast sends a gossip frame to every connected peer. The payload is
// copied into the frame exactly once; all peer writes share that one
// buffer. The fresh GUID is recorded so the node's own broadcast is
// dropped when it echoes back.
func (n *Network) Broadcast(typ MsgType, payload []byte) {
	guid := uuid.New()
	frame := encodeFrame(guid, typ, payload)
	n.history.record(guid)
	n.writeAll(frame, nil)
}

// writeAll sends one shared frame to every peer except skip.
func (n *Network) writeAll(frame []byte, skip *Peer) {
	n.mu.RLock()
	peers := append([]*Peer(nil), n.peers...)
	n.mu.RUnlock()
	for _, p := range peers {
		if p == skip {
			continue
		}
		if err := p.send(frame); err != nil {
			n.log.WithError(err).Debugf("write to %s failed", p.Addr())
			p.close()
		}
	}
}

func (n *Network) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
				n.log.WithError(err).Warn("accept failed")
				continue
			}
		}
		n.mu.RLock()
		count := len(n.peers)
		n.mu.RUnlock()
		if count >= n.maxPeers {
			n.log.Warnf("peer limit %d reached, rejecting %s", n.maxPeers, conn.RemoteAddr())
			conn.Close()
			continue
		}
		n.adopt(conn)
	}
}

// adopt registers an established connection, fires the Connect event, and
// starts the read loop.
func (n *Network) adopt(conn net.Conn) {
	peer := newPeer(conn)
	n.mu.Lock()
	n.peers = append(n.peers, peer)
	n.mu.Unlock()
	n.dispatch(MsgConnect, peer, nil)
	go n.readLoop(peer)
}

func (n *Network) readLoop(peer *Peer) {
	defer n.teardown(peer)
	chunk := make([]byte, 64*1024)
	for {
		nread, err := peer.conn.Read(chunk)
		if err != nil {
			return
		}
		frames, err := peer.feed(chunk[:nread])
		for _, frame := range frames {
			n.handleFrame(peer, frame)
		}
		if err != nil {
			n.log.WithError(err).Warnf("dropping %s", peer.Addr())
			return
		}
	}
}

// teardown runs exactly once per peer, after its read loop exits: it fires
// the Disconnect event and releases per-peer state.
func (n *Network) teardown(peer *Peer) {
	peer.close()
	n.mu.Lock()
	for i, p := range n.peers {
		if p == peer {
			n.peers = append(n.peers[:i], n.peers[i+1:]...)
			break
		}
	}
	n.mu.Unlock()
	n.dispatch(MsgDisconnect, peer, nil)
	peer.buf = nil
}

// handleFrame applies the loop-suppression rule, then parses and
// dispatches the payload. Unicasts always dispatch and never rebroadcast.
// A gossip frame dispatches and is reflected to all other peers on first
// sight; repeats are dropped entirely.
func (n *Network) handleFrame(peer *Peer, frame []byte) {
	guid := frameGUID(frame)
	typ := frameType(frame)
	payload := frame[HeaderSize:]

	if guid == zeroGUID {
		n.dispatchPayload(typ, peer, payload)
		return
	}
	if n.history.seen(guid) {
		return
	}
	n.history.record(guid)
	n.dispatchPayload(typ, peer, payload)
	n.writeAll(frame, peer)
}

// dispatchPayload parses the payload as a tuple and dispatches it.
// Malformed payloads are dropped without disconnecting the peer.
func (n *Network) dispatchPayload(typ MsgType, peer *Peer, payload []byte) {
	msg := tuple.Parse(payload)
	if msg == nil {
		n.log.Debugf("dropping malformed %s payload from %s", typ, peer.Addr())
		return
	}
	n.dispatch(typ, peer, msg)
}

func (n *Network) dispatch(typ MsgType, peer *Peer, msg *tuple.Tuple) {
	if typ >= msgCount {
		return
	}
	n.mu.RLock()
	h := n.handlers[typ]
	n.mu.RUnlock()
	if h != nil {
		h(peer, msg)
	}
}
