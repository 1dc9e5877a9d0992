package network

import (
	"fmt"
	"net"
	"sync"
)

// Peer is one TCP connection to a remote node. The port starts at zero and
// becomes authoritative once the peer's handshake declares its listen
// port; peers that never complete a handshake keep port zero.
type Peer struct {
	addr string
	conn net.Conn

	mu     sync.Mutex
	port   int
	buf    []byte
	closed bool
}

func newPeer(conn net.Conn) *Peer {
	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return &Peer{addr: addr, conn: conn}
}

// Addr returns the peer's remote IP address.
func (p *Peer) Addr() string {
	return p.addr
}

// Port returns the peer's declared listen port, or 0 before the handshake.
func (p *Peer) Port() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

// SetPort records the listen port declared in the peer's handshake.
func (p *Peer) SetPort(port int) {
	p.mu.Lock()
	p.port = port
	p.mu.Unlock()
}

// send writes one frame. Concurrent sends are serialized so frames never
// interleave on the stream.
func (p *Peer) send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("peer %s closed", p.addr)
	}
	_, err := p.conn.Write(frame)
	return err
}

// close shuts the connection down once; later calls are no-ops.
func (p *Peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.conn.Close()
	}
}

// feed appends freshly read bytes to the receive buffer and splices out
// every complete frame: scan to the next magic number, drop any junk
// prefix, wait for the full header plus payload, repeat. Returned frames
// are copies and safe to retain.
func (p *Peer) feed(data []byte) ([][]byte, error) {
	p.buf = append(p.buf, data...)
	var frames [][]byte
	for {
		start := findMagic(p.buf)
		if start < 0 {
			return frames, nil
		}
		if start > 0 {
			p.buf = append(p.buf[:0], p.buf[start:]...)
		}
		if len(p.buf) < HeaderSize {
			return frames, nil
		}
		length := frameLength(p.buf)
		if length > maxPayload {
			return frames, fmt.Errorf("frame payload of %d bytes exceeds limit", length)
		}
		total := HeaderSize + int(length)
		if len(p.buf) < total {
			return frames, nil
		}
		frame := make([]byte, total)
		copy(frame, p.buf[:total])
		frames = append(frames, frame)
		p.buf = append(p.buf[:0], p.buf[total:]...)
	}
}
