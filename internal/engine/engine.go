// Package engine implements the orchestrator: the single owner of the
// peers map, the partial-piece buffer, the request manager, and the
// local completion bitfield. Every mutation of that state happens on
// one goroutine (consumeLoop); every other task — tracker loop,
// acceptor, dialer, per-peer sessions, piece verification workers —
// communicates with it only by sending typed events over channels.
package engine

import (
	"context"
	"crypto/sha1"
	"fmt"
	"net"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"btcore"
	"btcore/internal/bitfield"
	"btcore/internal/metainfo"
	"btcore/internal/peer"
	"btcore/internal/request"
	"btcore/internal/storage"
	"btcore/internal/tracker"
	"btcore/internal/xlog"
)

const numVerifyWorkers = 2

// Engine ties together every component package into one running
// torrent download/upload session.
type Engine struct {
	cfg     btcore.Config
	info    *metainfo.Info
	store   *storage.Storage
	tracker *tracker.Client
	localID [20]byte
	log     *xlog.Logger

	reqMgr *request.Manager

	// state touched only by consumeLoop
	peers      map[peer.Addr]*PeerState
	partial    map[int]*partialPiece
	knownAddrs map[peer.Addr]bool

	bytesLeft atomic.Int64

	// channels: every producer other than consumeLoop only sends on
	// these; only consumeLoop receives and mutates state in response.
	events        chan peer.Event
	newConn       chan acceptedPeer
	failedDial    chan peer.Addr
	trackerPeers  chan []tracker.PeerAddr
	verifyJobs    chan verifyJob
	verifyResults chan verifyResult
	toDial        chan peer.Addr
	unchokeTick   chan struct{}
	staleTick     chan struct{}
	bitfieldQuery chan chan *bitfield.Bitfield
}

type acceptedPeer struct {
	addr     peer.Addr
	remoteID [20]byte
	session  *peer.Session
	inbound  bool
}

type verifyJob struct {
	Index int
	Data  []byte
}

type verifyResult struct {
	Index int
	Data  []byte
	OK    bool
}

// New builds an Engine for one torrent. store must already be opened
// (and therefore already rehashed) so the initial "bytes left" figure
// announced to the tracker is accurate from the first announce.
func New(cfg btcore.Config, info *metainfo.Info, store *storage.Storage, trackerClient *tracker.Client, localID [20]byte, log *xlog.Logger) *Engine {
	e := &Engine{
		cfg:           cfg,
		info:          info,
		store:         store,
		tracker:       trackerClient,
		localID:       localID,
		log:           log,
		reqMgr:        request.New(),
		peers:         make(map[peer.Addr]*PeerState),
		partial:       make(map[int]*partialPiece),
		knownAddrs:    make(map[peer.Addr]bool),
		events:        make(chan peer.Event, cfg.ChannelCapacity),
		newConn:       make(chan acceptedPeer, cfg.ChannelCapacity),
		failedDial:    make(chan peer.Addr, cfg.ChannelCapacity),
		trackerPeers:  make(chan []tracker.PeerAddr, 4),
		verifyJobs:    make(chan verifyJob, cfg.ChannelCapacity),
		verifyResults: make(chan verifyResult, cfg.ChannelCapacity),
		toDial:        make(chan peer.Addr, cfg.ChannelCapacity),
		unchokeTick:   make(chan struct{}, 1),
		staleTick:     make(chan struct{}, 1),
		bitfieldQuery: make(chan chan *bitfield.Bitfield),
	}

	var left int64
	for i := 0; i < info.NumPieces(); i++ {
		if !store.Local.Has(i) {
			left += info.PieceLen(i)
		}
	}
	e.bytesLeft.Store(left)

	return e
}

// BytesRemaining reports the number of undownloaded bytes. It is safe
// to call from any goroutine — unlike the storage's local bitfield,
// this counter is only ever touched through atomic ops — so a CLI can
// poll it for a progress bar without racing the engine's own
// goroutine.
func (e *Engine) BytesRemaining() int64 {
	return e.bytesLeft.Load()
}

// TotalLength reports the torrent's total payload size.
func (e *Engine) TotalLength() int64 {
	return e.info.TotalLength
}

// Run starts every task under one supervisor scope (spec.md §5): the
// tracker loop, acceptor, dialer, verification workers, and the
// central consumer all run under the same errgroup and context, so
// any one's fatal error cancels the rest.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.trackerLoop(gctx) })
	g.Go(func() error { return e.acceptLoop(gctx, g) })
	g.Go(func() error { return e.dialLoop(gctx, g) })
	g.Go(func() error { return e.unchokeTicker(gctx) })
	g.Go(func() error { return e.staleTicker(gctx) })
	for i := 0; i < numVerifyWorkers; i++ {
		g.Go(func() error { return e.verifyWorker(gctx) })
	}
	g.Go(func() error { return e.consumeLoop(gctx) })

	return g.Wait()
}

// consumeLoop is the engine's single mutator goroutine.
func (e *Engine) consumeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-e.events:
			e.handleEvent(ctx, ev)

		case nc := <-e.newConn:
			e.handleNewConn(nc)

		case addr := <-e.failedDial:
			e.log.Infof("dial to %s:%d failed, will not retry this session", addr.IP, addr.Port)

		case peers := <-e.trackerPeers:
			e.handleTrackerPeers(ctx, peers)

		case res := <-e.verifyResults:
			e.handleVerifyResult(ctx, res)

		case <-e.unchokeTick:
			e.rotateUnchoke(ctx)

		case <-e.staleTick:
			e.sweepStale(ctx)

		case respCh := <-e.bitfieldQuery:
			respCh <- bitfield.FromBytes(e.store.Local.Bytes(), e.info.NumPieces())
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev peer.Event) {
	if ev.Kind == peer.EvClosed {
		e.removePeer(ev.Peer, ev.Err)
		return
	}

	ps, ok := e.peers[ev.Peer]
	if !ok {
		return
	}

	ps.LastSeen = time.Now()

	switch ev.Kind {
	case peer.EvChoke:
		ps.PeerChoking = true
	case peer.EvUnchoke:
		ps.PeerChoking = false
		e.replanFor(ctx, ps)
	case peer.EvInterested:
		ps.PeerInterested = true
		ps.InterestedSince = time.Now()
	case peer.EvNotInterested:
		ps.PeerInterested = false
	case peer.EvHave:
		ps.RemoteBitfield.Set(ev.HaveIndex)
		e.maybeBecomeInterested(ctx, ps)
		e.replanFor(ctx, ps)
	case peer.EvBitfield:
		if ps.gotBitfield {
			// Only legal as the first post-handshake message;
			// later BITFIELDs are ignored (spec.md §4.4).
			break
		}
		if ev.Bitfield != nil {
			ps.RemoteBitfield.Replace(ev.Bitfield.Bytes())
			ps.gotBitfield = true
		}
		e.maybeBecomeInterested(ctx, ps)
		e.replanFor(ctx, ps)
	case peer.EvRequest:
		e.serveUpload(ctx, ps, ev)
	case peer.EvCancel:
		// Uploads are served synchronously as soon as a REQUEST
		// arrives, so there is no queued upload to cancel.
	case peer.EvPiece:
		e.handlePiece(ctx, ev)
	case peer.EvKeepAlive:
	}
}

func (e *Engine) handleNewConn(nc acceptedPeer) {
	if _, exists := e.peers[nc.addr]; exists {
		nc.session.Close()
		return
	}
	e.peers[nc.addr] = newPeerState(nc.addr, nc.remoteID, nc.session, e.info.NumPieces())
	e.knownAddrs[nc.addr] = true
	e.log.Infof("peer %s:%d connected (inbound=%v)", nc.addr.IP, nc.addr.Port, nc.inbound)
}

func (e *Engine) removePeer(addr peer.Addr, cause error) {
	if _, ok := e.peers[addr]; !ok {
		return
	}
	delete(e.peers, addr)
	e.reqMgr.DeleteAllForPeer(toRequestAddr(addr))
	if cause != nil {
		e.log.Infof("peer %s:%d disconnected: %v", addr.IP, addr.Port, cause)
	} else {
		e.log.Infof("peer %s:%d disconnected", addr.IP, addr.Port)
	}
}

func (e *Engine) handleTrackerPeers(ctx context.Context, peers []tracker.PeerAddr) {
	for _, tp := range peers {
		addr := toPeerAddr(tp)
		if e.knownAddrs[addr] {
			continue
		}
		e.knownAddrs[addr] = true
		select {
		case e.toDial <- addr:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handleVerifyResult(ctx context.Context, res verifyResult) {
	if !res.OK {
		e.reqMgr.DeleteAllForPiece(res.Index)
		e.log.Infof("piece %d failed hash verification, discarding", res.Index)
		e.replanAll(ctx)
		return
	}

	if err := e.store.WritePiece(res.Index, res.Data); err != nil {
		e.log.Errorf("writing piece %d: %v", res.Index, err)
		e.reqMgr.DeleteAllForPiece(res.Index)
		e.replanAll(ctx)
		return
	}

	e.bytesLeft.Add(-e.info.PieceLen(res.Index))
	e.reqMgr.DeleteAllForPiece(res.Index)
	e.log.Infof("piece %d verified and written (%d/%d complete)", res.Index, e.store.Local.Count(), e.info.NumPieces())
	e.broadcastHave(ctx, res.Index)
	e.replanAll(ctx)
}

func (e *Engine) broadcastHave(ctx context.Context, index int) {
	for _, ps := range e.peers {
		e.send(ctx, ps, peer.Command{Kind: peer.CmdHave, Have: index})
	}
}

// send enqueues a command on a peer's outbound channel, respecting the
// bounded-channel back-pressure rule (spec.md §5) while still
// unblocking on shutdown.
func (e *Engine) send(ctx context.Context, ps *PeerState, cmd peer.Command) {
	select {
	case ps.Session.Outbound <- cmd:
	case <-ctx.Done():
	}
}

func (e *Engine) handlePiece(ctx context.Context, ev peer.Event) {
	pp, ok := e.partial[ev.PieceIndex]
	if !ok {
		pp = newPartialPiece(e.info.PieceLen(ev.PieceIndex))
		e.partial[ev.PieceIndex] = pp
	}
	pp.add(ev.PieceBegin, ev.PieceData)

	if buf, complete := pp.contiguous(); complete {
		delete(e.partial, ev.PieceIndex)
		select {
		case e.verifyJobs <- verifyJob{Index: ev.PieceIndex, Data: buf}:
		case <-ctx.Done():
		}
	}
}

func (e *Engine) serveUpload(ctx context.Context, ps *PeerState, ev peer.Event) {
	if ps.AmChoking {
		return
	}
	data, err := e.store.ReadBlock(ev.ReqIndex, int64(ev.ReqBegin), int64(ev.ReqLength))
	if err != nil {
		e.log.Errorf("serving request from %s:%d: %v", ps.Addr.IP, ps.Addr.Port, err)
		return
	}
	e.send(ctx, ps, peer.Command{Kind: peer.CmdUploadBlock, Upload: peer.UploadBlock{
		Index: ev.ReqIndex, Begin: ev.ReqBegin, Data: data,
	}})
}

func (e *Engine) maybeBecomeInterested(ctx context.Context, ps *PeerState) {
	candidates := e.store.Local.Candidates(ps.RemoteBitfield)
	interested := len(candidates) > 0
	if interested == ps.AmInterested {
		return
	}
	ps.AmInterested = interested
	e.send(ctx, ps, peer.Command{Kind: peer.CmdInterestState, Interested: interested})
}

func (e *Engine) verifyWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-e.verifyJobs:
			ok := sha1.Sum(job.Data) == e.info.PieceHashes[job.Index]
			select {
			case e.verifyResults <- verifyResult{Index: job.Index, Data: job.Data, OK: ok}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (e *Engine) unchokeTicker(ctx context.Context) error {
	t := time.NewTicker(e.cfg.UnchokeRotationInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			select {
			case e.unchokeTick <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (e *Engine) staleTicker(ctx context.Context) error {
	t := time.NewTicker(e.cfg.StaleRequestTimeout / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			select {
			case e.staleTick <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (e *Engine) sweepStale(ctx context.Context) {
	stale := e.reqMgr.PurgeStale(e.cfg.StaleRequestTimeout)
	if len(stale) == 0 {
		return
	}
	e.log.Infof("purged %d stale outstanding request(s)", len(stale))
	e.replanAll(ctx)
}

func (e *Engine) trackerLoop(ctx context.Context) error {
	interval := e.cfg.TrackerRetryInterval
	first := true
	for {
		event := tracker.EventNone
		if first {
			event = tracker.EventStarted
		}

		left := e.bytesLeft.Load()
		resp, err := e.tracker.Announce(tracker.Request{
			AnnounceURL: e.info.Announce,
			InfoHash:    e.info.InfoHash,
			PeerID:      e.localID,
			Port:        e.cfg.ListeningPort,
			Downloaded:  e.info.TotalLength - left,
			Left:        left,
			Event:       event,
		})
		if err != nil {
			e.log.Errorf("tracker announce: %v", err)
		} else {
			if peers, perr := tracker.ParsePeers(resp.Peers); perr != nil {
				e.log.Errorf("parsing tracker peer list: %v", perr)
			} else if len(peers) > 0 {
				select {
				case e.trackerPeers <- peers:
				case <-ctx.Done():
					return nil
				}
			}
			if resp.Interval > 0 {
				interval = time.Duration(resp.Interval) * time.Second
			}
		}

		first = false
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func (e *Engine) acceptLoop(ctx context.Context, g *errgroup.Group) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", e.cfg.ListeningPort))
	if err != nil {
		return fmt.Errorf("engine: listening on port %d: %w", e.cfg.ListeningPort, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("engine: accept: %w", err)
		}
		g.Go(func() error { return e.runAccepted(ctx, conn) })
	}
}

func (e *Engine) runAccepted(ctx context.Context, conn net.Conn) error {
	sess, addr, remoteID, err := peer.Accept(conn, e.cfg.DialTimeout, e.handshakeParams(nil), e.events, e.sessionConfig(), e.log)
	if err != nil {
		e.log.Errorf("inbound handshake: %v", err)
		return nil
	}

	bf, err := e.snapshotBitfield(ctx)
	if err != nil {
		sess.Close()
		return nil
	}

	select {
	case e.newConn <- acceptedPeer{addr: addr, remoteID: remoteID, session: sess, inbound: true}:
	case <-ctx.Done():
		sess.Close()
		return nil
	}
	return sess.Run(ctx, bf)
}

func (e *Engine) dialLoop(ctx context.Context, g *errgroup.Group) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case addr := <-e.toDial:
			addr := addr
			g.Go(func() error { return e.runDialed(ctx, addr) })
		}
	}
}

func (e *Engine) runDialed(ctx context.Context, addr peer.Addr) error {
	sess, remoteID, err := peer.Dial(addr, e.cfg.DialTimeout, e.handshakeParams(nil), e.events, e.sessionConfig(), e.log)
	if err != nil {
		e.log.Errorf("dialing %s:%d: %v", addr.IP, addr.Port, err)
		select {
		case e.failedDial <- addr:
		case <-ctx.Done():
		}
		return nil
	}

	bf, err := e.snapshotBitfield(ctx)
	if err != nil {
		sess.Close()
		return nil
	}

	select {
	case e.newConn <- acceptedPeer{addr: addr, remoteID: remoteID, session: sess, inbound: false}:
	case <-ctx.Done():
		sess.Close()
		return nil
	}
	return sess.Run(ctx, bf)
}

// snapshotBitfield asks the consumer goroutine for a defensive copy of
// the local completion bitfield. Only the consumer goroutine ever
// calls storage.Storage.Local's mutating methods, so this round-trip
// is the only safe way for an acceptor/dialer task to read it.
func (e *Engine) snapshotBitfield(ctx context.Context) (*bitfield.Bitfield, error) {
	respCh := make(chan *bitfield.Bitfield, 1)
	select {
	case e.bitfieldQuery <- respCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case bf := <-respCh:
		return bf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) handshakeParams(expected *[20]byte) peer.HandshakeParams {
	return peer.HandshakeParams{InfoHash: e.info.InfoHash, LocalPeerID: e.localID, ExpectedPeerID: expected}
}

func (e *Engine) sessionConfig() peer.Config {
	return peer.Config{
		KeepAlive:                 e.cfg.KeepAlive,
		MaxOutgoingBytesPerSecond: e.cfg.MaxOutgoingBytesPerSecond,
		ChannelCapacity:           e.cfg.ChannelCapacity,
	}
}

func toRequestAddr(a peer.Addr) request.PeerAddr {
	return request.PeerAddr{IP: a.IP, Port: a.Port}
}

func toPeerAddr(a tracker.PeerAddr) peer.Addr {
	return peer.Addr{IP: a.IP, Port: a.Port}
}

// partialPiece accumulates blocks for one in-flight piece, keyed by
// begin and sorted on each check so a contiguous prefix from 0 can be detected
// without waiting for every block to arrive in order on the wire.
type partialPiece struct {
	length int64
	chunks map[int][]byte
}

func newPartialPiece(length int64) *partialPiece {
	return &partialPiece{length: length, chunks: make(map[int][]byte)}
}

func (p *partialPiece) add(begin int, data []byte) {
	if _, exists := p.chunks[begin]; !exists {
		cp := make([]byte, len(data))
		copy(cp, data)
		p.chunks[begin] = cp
	}
}

// contiguous returns the assembled piece once every byte from 0 to
// length has arrived with no gaps.
func (p *partialPiece) contiguous() ([]byte, bool) {
	begins := make([]int, 0, len(p.chunks))
	for b := range p.chunks {
		begins = append(begins, b)
	}
	sort.Ints(begins)

	buf := make([]byte, 0, p.length)
	want := 0
	for _, b := range begins {
		if b != want {
			break
		}
		d := p.chunks[b]
		buf = append(buf, d...)
		want += len(d)
	}
	if int64(len(buf)) == p.length {
		return buf, true
	}
	return nil, false
}
