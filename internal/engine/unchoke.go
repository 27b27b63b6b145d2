package engine

import (
	"context"
	"sort"

	"btcore/internal/peer"
)

// rotateUnchoke implements the simplified round-robin unchoke policy
// decided in SPEC_FULL.md §11.1: every UnchokeRotationInterval, unchoke
// up to NumUnchokedPeers interested peers, oldest-interested-first,
// and choke everyone else. This deliberately replaces full tit-for-tat
// reciprocity, which spec.md's design notes leave unimplemented.
func (e *Engine) rotateUnchoke(ctx context.Context) {
	var interested []*PeerState
	for _, ps := range e.peers {
		if ps.PeerInterested {
			interested = append(interested, ps)
		}
	}
	sort.Slice(interested, func(i, j int) bool {
		return interested[i].InterestedSince.Before(interested[j].InterestedSince)
	})

	unchoked := make(map[peer.Addr]bool, e.cfg.NumUnchokedPeers)
	for i, ps := range interested {
		if i >= e.cfg.NumUnchokedPeers {
			break
		}
		unchoked[ps.Addr] = true
	}

	for _, ps := range e.peers {
		choking := !unchoked[ps.Addr]
		if choking == ps.AmChoking {
			continue
		}
		ps.AmChoking = choking
		e.send(ctx, ps, peer.Command{Kind: peer.CmdChokeState, Choking: choking})
	}
}
