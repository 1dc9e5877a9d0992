// Package network implements the framed gossip layer. Peers exchange
// binary frames over TCP: a 26-byte header (magic, payload length, GUID,
// type) followed by a payload that parses as one tuple. Frames carrying a
// non-zero GUID are gossip broadcasts and are reflected to all other peers
// exactly once; a zero GUID marks a unicast.
package network

import (
	"encoding/binary"

	"github.com/google/uuid"
)

const (
	// MagicNumber starts every frame on the wire.
	MagicNumber uint32 = 0x54524A54
	// HeaderSize is the fixed frame header length in bytes.
	HeaderSize = 26
	// HistorySize bounds the GUID loop-suppression history.
	HistorySize = 1024
	// maxPayload rejects absurd length fields before allocating.
	maxPayload = 32 * 1024 * 1024
)

// MsgType identifies a frame's event type. Connect and Disconnect are
// synthesized locally and never appear on the wire.
type MsgType uint16

const (
	MsgConnect MsgType = iota
	MsgDisconnect
	MsgHandshake
	MsgPeersRequest
	MsgPeersResponse
	MsgBlocksRequest
	MsgBlocksResponse
	MsgPoolRequest
	MsgPoolResponse
	MsgBlock
	MsgTransaction
	msgCount
)

func (t MsgType) String() string {
	switch t {
	case MsgConnect:
		return "connect"
	case MsgDisconnect:
		return "disconnect"
	case MsgHandshake:
		return "handshake"
	case MsgPeersRequest:
		return "peers_request"
	case MsgPeersResponse:
		return "peers_response"
	case MsgBlocksRequest:
		return "blocks_request"
	case MsgBlocksResponse:
		return "blocks_response"
	case MsgPoolRequest:
		return "pool_request"
	case MsgPoolResponse:
		return "pool_response"
	case MsgBlock:
		return "block"
	case MsgTransaction:
		return "transaction"
	}
	return "unknown"
}

// zeroGUID marks a unicast frame.
var zeroGUID uuid.UUID

// encodeFrame builds a complete frame around payload. The payload bytes
// are copied exactly once; the returned slice is shared by every peer
// write of one logical broadcast.
func encodeFrame(guid uuid.UUID, typ MsgType, payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], MagicNumber)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[8:24], guid[:])
	binary.BigEndian.PutUint16(frame[24:26], uint16(typ))
	copy(frame[HeaderSize:], payload)
	return frame
}

// frameLength reads the payload length field of a header.
func frameLength(frame []byte) uint32 {
	return binary.BigEndian.Uint32(frame[4:8])
}

// frameGUID reads the 128-bit GUID of a header.
func frameGUID(frame []byte) uuid.UUID {
	var guid uuid.UUID
	copy(guid[:], frame[8:24])
	return guid
}

// frameType reads the event type of a header.
func frameType(frame []byte) MsgType {
	return MsgType(binary.BigEndian.Uint16(frame[24:26]))
}

// findMagic returns the offset of the first magic number in b, or -1.
func findMagic(b []byte) int {
	for i := 0; i+4 <= len(b); i++ {
		if binary.BigEndian.Uint32(b[i:]) == MagicNumber {
			return i
		}
	}
	return -1
}
