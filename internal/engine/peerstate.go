package engine

import (
	"time"

	"btcore/internal/bitfield"
	"btcore/internal/peer"
)

// PeerState is the engine's per-peer bookkeeping: identity, the
// remote's advertised pieces, and the four choke/interest flags from
// spec.md §3. It is only ever read or mutated from consumeLoop.
type PeerState struct {
	Addr         peer.Addr
	RemotePeerID [20]byte
	Session      *peer.Session

	RemoteBitfield *bitfield.Bitfield
	// gotBitfield tracks whether a BITFIELD has already been applied
	// for this peer: only the first post-handshake BITFIELD is legal
	// (spec.md §4.4), later ones are ignored rather than wiping out
	// HAVE-derived bits.
	gotBitfield bool

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	// InterestedSince backs the round-robin unchoke policy's
	// oldest-interested-first ordering (SPEC_FULL.md §11.1).
	InterestedSince time.Time

	// LastSeen is updated on every inbound event from this peer,
	// including keep-alives (spec.md §3, §4.4).
	LastSeen time.Time
}

func newPeerState(addr peer.Addr, remoteID [20]byte, sess *peer.Session, numPieces int) *PeerState {
	return &PeerState{
		Addr:           addr,
		RemotePeerID:   remoteID,
		Session:        sess,
		RemoteBitfield: bitfield.New(numPieces),
		AmChoking:      true,
		PeerChoking:    true,
	}
}
