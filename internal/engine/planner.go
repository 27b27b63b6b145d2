package engine

import (
	"context"
	"math/rand"

	"btcore/internal/peer"
	"btcore/internal/request"
)

// replanAll re-runs the planner for every connected peer. Called
// whenever something that could open up new candidates for anyone
// happens: a piece verifies (or fails), or a stale-request sweep frees
// up outstanding-request room.
func (e *Engine) replanAll(ctx context.Context) {
	for _, ps := range e.peers {
		e.replanFor(ctx, ps)
	}
}

// replanFor implements spec.md §4.5's planner for one peer: candidates
// are pieces the peer has that we don't and that aren't already fully
// buffered; pick one at random, split it into blocks, and request as
// many as fit under the per-peer outstanding cap.
func (e *Engine) replanFor(ctx context.Context, ps *PeerState) {
	if ps.PeerChoking {
		return
	}

	addr := toRequestAddr(ps.Addr)
	room := e.cfg.MaxOutstandingPerPeer - e.reqMgr.CountForPeer(addr)
	if room <= 0 {
		return
	}

	candidates := e.store.Local.Candidates(ps.RemoteBitfield)
	var eligible []int
	for _, idx := range candidates {
		if _, buffering := e.partial[idx]; buffering {
			continue
		}
		eligible = append(eligible, idx)
	}
	if len(eligible) == 0 {
		return
	}

	index := eligible[rand.Intn(len(eligible))]
	blocks := blocksForPiece(index, e.info.PieceLen(index), e.cfg.BlockSize)

	var batch []peer.BlockReq
	for _, b := range blocks {
		if room <= 0 {
			break
		}
		rb := request.Block{Index: b.Index, Begin: b.Begin, Length: b.Length}
		if e.reqMgr.RequestedByOther(addr, rb) {
			continue
		}
		e.reqMgr.Add(addr, rb)
		batch = append(batch, b)
		room--
	}

	if len(batch) > 0 {
		e.send(ctx, ps, peer.Command{Kind: peer.CmdRequestBlocks, Blocks: batch})
	}
}

// blocksForPiece splits a piece of the given length into blockSize
// chunks, with a shorter final block.
func blocksForPiece(index int, length int64, blockSize int) []peer.BlockReq {
	var blocks []peer.BlockReq
	for begin := int64(0); begin < length; begin += int64(blockSize) {
		n := int64(blockSize)
		if remaining := length - begin; remaining < n {
			n = remaining
		}
		blocks = append(blocks, peer.BlockReq{Index: index, Begin: int(begin), Length: int(n)})
	}
	return blocks
}
