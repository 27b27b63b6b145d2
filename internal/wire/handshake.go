package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const protocolName = "BitTorrent protocol"

// HandshakeLen is the fixed size of a handshake message on the wire.
const HandshakeLen = 1 + 19 + 8 + 20 + 20

// Handshake is the fixed 68-byte layout that opens every peer
// connection: a length-prefixed protocol name, 8 reserved bytes, a
// 20-byte info-hash and a 20-byte peer-id.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// WriteHandshake encodes and writes a handshake for infoHash/peerID.
func WriteHandshake(w io.Writer, infoHash, peerID [20]byte) error {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(protocolName))
	copy(buf[1:20], protocolName)
	// buf[20:28] reserved, already zero
	copy(buf[28:48], infoHash[:])
	copy(buf[48:68], peerID[:])

	_, err := w.Write(buf)
	return err
}

// ErrBadHandshake is returned when the protocol header or length byte
// does not match the expected literal.
var ErrBadHandshake = errors.New("wire: malformed handshake header")

// ErrInfoHashMismatch is returned when the remote's info-hash does not
// match the local torrent's info-hash.
var ErrInfoHashMismatch = errors.New("wire: info hash mismatch")

// ErrPeerIDMismatch is returned when a peer-id was already known for
// this address (from the tracker) and the handshake's peer-id differs.
var ErrPeerIDMismatch = errors.New("wire: peer id mismatch")

// ReadHandshake reads and validates a handshake from r against the
// local torrent's infoHash. If expectedPeerID is non-nil, the remote
// peer-id must match it exactly (second handshake from a
// tracker-known address); otherwise any peer-id is accepted and
// returned.
func ReadHandshake(r io.Reader, infoHash [20]byte, expectedPeerID *[20]byte) (Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, fmt.Errorf("wire: reading handshake: %w", err)
	}

	if buf[0] != byte(len(protocolName)) || !bytes.Equal(buf[1:20], []byte(protocolName)) {
		return Handshake{}, ErrBadHandshake
	}

	var hs Handshake
	copy(hs.InfoHash[:], buf[28:48])
	copy(hs.PeerID[:], buf[48:68])

	if hs.InfoHash != infoHash {
		return Handshake{}, ErrInfoHashMismatch
	}

	if expectedPeerID != nil && hs.PeerID != *expectedPeerID {
		return Handshake{}, ErrPeerIDMismatch
	}

	return hs, nil
}
