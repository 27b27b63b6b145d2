// Package request tracks the outstanding (peer, block) requests the
// engine has sent but not yet had fulfilled or cancelled.
package request

import (
	"sync"
	"time"
)

// Block identifies one requested block of a piece.
type Block struct {
	Index  int
	Begin  int
	Length int
}

// PeerAddr is the minimal peer identity the manager keys requests by.
type PeerAddr struct {
	IP   string
	Port uint16
}

type key struct {
	peer  PeerAddr
	block Block
}

// Manager is the outstanding-request set. All methods are safe for
// concurrent use, though in practice the engine is its sole caller
// from a single goroutine.
type Manager struct {
	mu   sync.Mutex
	sent map[key]time.Time
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{sent: make(map[key]time.Time)}
}

// Add records a new outstanding request. Adding the same (peer,
// block) pair twice is a no-op — the set invariant in spec.md §3
// forbids duplicate entries.
func (m *Manager) Add(peer PeerAddr, block Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{peer, block}
	if _, exists := m.sent[k]; !exists {
		m.sent[k] = time.Now()
	}
}

// DeleteAllForPiece atomically removes every outstanding request for
// the given piece index, regardless of peer. Called when a piece
// verifies or fails verification.
func (m *Manager) DeleteAllForPiece(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.sent {
		if k.block.Index == index {
			delete(m.sent, k)
		}
	}
}

// DeleteAllForPeer atomically removes every outstanding request
// attributed to peer. Called on session termination.
func (m *Manager) DeleteAllForPeer(peer PeerAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.sent {
		if k.peer == peer {
			delete(m.sent, k)
		}
	}
}

// ExistingForPeer returns the blocks currently outstanding for peer.
func (m *Manager) ExistingForPeer(peer PeerAddr) []Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Block
	for k := range m.sent {
		if k.peer == peer {
			out = append(out, k.block)
		}
	}
	return out
}

// CountForPeer returns the number of blocks currently outstanding for
// peer, used by the planner to enforce MaxOutstandingPerPeer.
func (m *Manager) CountForPeer(peer PeerAddr) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.sent {
		if k.peer == peer {
			n++
		}
	}
	return n
}

// RequestedByOther reports whether the given block is already outstanding to any
// peer other than the given one — used by the planner to avoid
// requesting the same block from two peers unless that peer is the
// only source.
func (m *Manager) RequestedByOther(peer PeerAddr, block Block) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.sent {
		if k.block == block && k.peer != peer {
			return true
		}
	}
	return false
}

// PurgeStale removes (and returns) every request older than
// maxAge, so the planner can re-issue them to another peer.
func (m *Manager) PurgeStale(maxAge time.Duration) []struct {
	Peer  PeerAddr
	Block Block
} {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var stale []struct {
		Peer  PeerAddr
		Block Block
	}
	for k, sentAt := range m.sent {
		if sentAt.Before(cutoff) {
			stale = append(stale, struct {
				Peer  PeerAddr
				Block Block
			}{k.peer, k.block})
			delete(m.sent, k)
		}
	}
	return stale
}

// Size returns the total number of outstanding requests, across all
// peers — used by tests asserting invariant #2 from spec.md §8.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}
