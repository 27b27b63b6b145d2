package peer

import (
	"fmt"
	"net"
	"time"

	"btcore/internal/wire"
	"btcore/internal/xlog"
)

// HandshakeParams bundles the identity needed to perform (or
// validate) a handshake.
type HandshakeParams struct {
	InfoHash       [20]byte
	LocalPeerID    [20]byte
	ExpectedPeerID *[20]byte // set when the tracker already told us this address's peer-id
}

// Dial opens an outbound TCP connection to addr and performs the
// initiator handshake: send handshake, then read the remote's. On
// success it returns a Session ready for Run, plus the remote's
// peer-id.
func Dial(addr Addr, dialTimeout time.Duration, hs HandshakeParams, inbound chan<- Event, cfg Config, log *xlog.Logger) (*Session, [20]byte, error) {
	target := fmt.Sprintf("%s:%d", addr.IP, addr.Port)

	conn, err := net.DialTimeout("tcp", target, dialTimeout)
	if err != nil {
		return nil, [20]byte{}, fmt.Errorf("peer: dialing %s: %w", target, err)
	}

	conn.SetDeadline(time.Now().Add(dialTimeout))
	if err := wire.WriteHandshake(conn, hs.InfoHash, hs.LocalPeerID); err != nil {
		conn.Close()
		return nil, [20]byte{}, fmt.Errorf("peer: sending handshake to %s: %w", target, err)
	}

	remote, err := wire.ReadHandshake(conn, hs.InfoHash, hs.ExpectedPeerID)
	if err != nil {
		conn.Close()
		return nil, [20]byte{}, fmt.Errorf("peer: handshake with %s rejected: %w", target, err)
	}
	conn.SetDeadline(time.Time{})

	log.Infof("peer %s: outbound handshake complete, remote peer-id=%q", target, remote.PeerID)

	s := newSession(conn, addr, inbound, cfg, log)
	s.setState(StateHandshakeComplete)
	return s, remote.PeerID, nil
}

// Accept performs the acceptor-side handshake on an already-accepted
// TCP connection: read the remote's handshake first, then respond.
func Accept(conn net.Conn, handshakeTimeout time.Duration, hs HandshakeParams, inbound chan<- Event, cfg Config, log *xlog.Logger) (*Session, Addr, [20]byte, error) {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	var addr Addr
	if ok {
		addr = Addr{IP: tcpAddr.IP.String(), Port: uint16(tcpAddr.Port)}
	} else {
		addr = Addr{IP: conn.RemoteAddr().String()}
	}

	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	remote, err := wire.ReadHandshake(conn, hs.InfoHash, hs.ExpectedPeerID)
	if err != nil {
		conn.Close()
		return nil, addr, [20]byte{}, fmt.Errorf("peer: inbound handshake from %s rejected: %w", addr.IP, err)
	}

	if err := wire.WriteHandshake(conn, hs.InfoHash, hs.LocalPeerID); err != nil {
		conn.Close()
		return nil, addr, [20]byte{}, fmt.Errorf("peer: replying handshake to %s: %w", addr.IP, err)
	}
	conn.SetDeadline(time.Time{})

	log.Infof("peer %s: inbound handshake complete, remote peer-id=%q", addr.IP, remote.PeerID)

	s := newSession(conn, addr, inbound, cfg, log)
	s.setState(StateHandshakeComplete)
	return s, addr, remote.PeerID, nil
}
