package engine

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"btcore"
	"btcore/internal/bitfield"
	"btcore/internal/metainfo"
	"btcore/internal/peer"
	"btcore/internal/storage"
	"btcore/internal/tracker"
	"btcore/internal/xlog"
)

func TestBlocksForPieceSplitsWithShortLastBlock(t *testing.T) {
	blocks := blocksForPiece(3, 40000, 16384)
	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want 3", len(blocks))
	}
	want := []peer.BlockReq{
		{Index: 3, Begin: 0, Length: 16384},
		{Index: 3, Begin: 16384, Length: 16384},
		{Index: 3, Begin: 32768, Length: 7232},
	}
	for i, b := range blocks {
		if b != want[i] {
			t.Errorf("block %d = %+v, want %+v", i, b, want[i])
		}
	}
}

func TestPartialPieceContiguousAssembly(t *testing.T) {
	pp := newPartialPiece(12)

	// Out-of-order arrival with a gap: begin=8 arrives before begin=4,
	// and until begin=4 arrives the piece must not be reported
	// complete.
	pp.add(0, []byte("abcd"))
	pp.add(8, []byte("ijkl"))
	if _, ok := pp.contiguous(); ok {
		t.Fatal("should not be contiguous with a gap at offset 4")
	}

	pp.add(4, []byte("efgh"))
	buf, ok := pp.contiguous()
	if !ok {
		t.Fatal("expected contiguous assembly once the gap is filled")
	}
	if !bytes.Equal(buf, []byte("abcdefghijkl")) {
		t.Fatalf("assembled %q, want %q", buf, "abcdefghijkl")
	}
}

func TestPartialPieceAddIsIdempotentPerOffset(t *testing.T) {
	pp := newPartialPiece(4)
	pp.add(0, []byte("aaaa"))
	pp.add(0, []byte("bbbb")) // duplicate PIECE for the same offset: first write wins
	buf, ok := pp.contiguous()
	if !ok || !bytes.Equal(buf, []byte("aaaa")) {
		t.Fatalf("got %q, ok=%v, want %q", buf, ok, "aaaa")
	}
}

type fakeSource struct {
	pieceLen int64
	total    int64
	hashes   [][20]byte
}

func (f *fakeSource) NumPieces() int { return len(f.hashes) }
func (f *fakeSource) PieceLen(index int) int64 {
	if index == len(f.hashes)-1 {
		if last := f.total - int64(index)*f.pieceLen; last > 0 {
			return last
		}
	}
	return f.pieceLen
}
func (f *fakeSource) PieceHash(index int) [20]byte { return f.hashes[index] }

func newTestEngine(t *testing.T, numPieces int) *Engine {
	t.Helper()

	pieceLen := int64(16384)
	hashes := make([][20]byte, numPieces)
	info := &metainfo.Info{
		Announce:    "http://tracker.example/announce",
		Name:        "test-payload",
		PieceLength: pieceLen,
		TotalLength: pieceLen * int64(numPieces),
		PieceHashes: hashes,
	}

	src := &fakeSource{pieceLen: pieceLen, total: info.TotalLength, hashes: hashes}
	dir := t.TempDir()
	st, err := storage.Open(filepath.Join(dir, "payload"), pieceLen, info.TotalLength, src)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := btcore.DefaultConfig()
	cfg.NumUnchokedPeers = 2

	var localID [20]byte
	return New(cfg, info, st, tracker.NewClient(), localID, xlog.New("test"))
}

func newTestPeerState(t *testing.T, e *Engine, port uint16) *PeerState {
	t.Helper()
	addr := peer.Addr{IP: "127.0.0.1", Port: port}
	sess := &peer.Session{Addr: addr, Outbound: make(chan peer.Command, 8)}
	ps := newPeerState(addr, [20]byte{}, sess, e.info.NumPieces())
	e.peers[addr] = ps
	return ps
}

func TestRotateUnchokeOldestInterestedFirst(t *testing.T) {
	e := newTestEngine(t, 4)

	now := time.Now()
	a := newTestPeerState(t, e, 1)
	a.PeerInterested = true
	a.InterestedSince = now.Add(-3 * time.Minute)

	b := newTestPeerState(t, e, 2)
	b.PeerInterested = true
	b.InterestedSince = now.Add(-2 * time.Minute)

	c := newTestPeerState(t, e, 3)
	c.PeerInterested = true
	c.InterestedSince = now.Add(-1 * time.Minute)

	d := newTestPeerState(t, e, 4) // not interested at all

	e.rotateUnchoke(context.Background())

	if a.AmChoking || b.AmChoking {
		t.Error("the two oldest-interested peers should be unchoked")
	}
	if !c.AmChoking {
		t.Error("the third interested peer should remain choked (only 2 slots)")
	}
	if !d.AmChoking {
		t.Error("an uninterested peer should remain choked")
	}

	drain(t, a.Session.Outbound, peer.CmdChokeState)
	drain(t, b.Session.Outbound, peer.CmdChokeState)
}

func TestMaybeBecomeInterestedTogglesOnCandidates(t *testing.T) {
	e := newTestEngine(t, 4)
	ps := newTestPeerState(t, e, 1)

	ps.RemoteBitfield.Set(2)
	e.maybeBecomeInterested(context.Background(), ps)
	if !ps.AmInterested {
		t.Fatal("should become interested once the peer has a piece we lack")
	}
	cmd := <-ps.Session.Outbound
	if cmd.Kind != peer.CmdInterestState || !cmd.Interested {
		t.Fatalf("expected an interested=true command, got %+v", cmd)
	}

	e.store.Local.Set(2) // we now have every piece the peer advertised
	e.maybeBecomeInterested(context.Background(), ps)
	if ps.AmInterested {
		t.Fatal("should lose interest once no candidates remain")
	}
	cmd = <-ps.Session.Outbound
	if cmd.Kind != peer.CmdInterestState || cmd.Interested {
		t.Fatalf("expected an interested=false command, got %+v", cmd)
	}
}

func TestSecondBitfieldIsIgnored(t *testing.T) {
	e := newTestEngine(t, 4)
	ps := newTestPeerState(t, e, 1)

	first := bitfieldFromBits(t, 4, 0)
	e.handleEvent(context.Background(), peer.Event{Peer: ps.Addr, Kind: peer.EvBitfield, Bitfield: first})
	if !ps.RemoteBitfield.Has(0) {
		t.Fatal("first bitfield should be applied")
	}

	// A HAVE in between accumulates a bit the first bitfield didn't have.
	e.handleEvent(context.Background(), peer.Event{Peer: ps.Addr, Kind: peer.EvHave, HaveIndex: 2})
	if !ps.RemoteBitfield.Has(2) {
		t.Fatal("HAVE should set bit 2")
	}

	second := bitfieldFromBits(t, 4, 1)
	e.handleEvent(context.Background(), peer.Event{Peer: ps.Addr, Kind: peer.EvBitfield, Bitfield: second})
	if !ps.RemoteBitfield.Has(0) || !ps.RemoteBitfield.Has(2) {
		t.Fatal("second BITFIELD must be ignored, not wipe out bits accumulated since the first")
	}
	if ps.RemoteBitfield.Has(1) {
		t.Fatal("second BITFIELD's bits must not be applied")
	}
}

func TestKeepAliveUpdatesLastSeen(t *testing.T) {
	e := newTestEngine(t, 4)
	ps := newTestPeerState(t, e, 1)

	if !ps.LastSeen.IsZero() {
		t.Fatal("LastSeen should start zero")
	}

	e.handleEvent(context.Background(), peer.Event{Peer: ps.Addr, Kind: peer.EvKeepAlive})
	if ps.LastSeen.IsZero() {
		t.Fatal("a keep-alive should update LastSeen")
	}
}

func bitfieldFromBits(t *testing.T, numPieces int, setIndex int) *bitfield.Bitfield {
	t.Helper()
	bf := bitfield.New(numPieces)
	bf.Set(setIndex)
	return bf
}

func drain(t *testing.T, ch chan peer.Command, want peer.CommandKind) {
	t.Helper()
	select {
	case cmd := <-ch:
		if cmd.Kind != want {
			t.Errorf("got command kind %v, want %v", cmd.Kind, want)
		}
	default:
		t.Errorf("expected a queued %v command", want)
	}
}
