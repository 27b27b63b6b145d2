// Package peer implements the per-connection protocol state machine:
// handshake, framed message decode/encode, and the receive/send
// tasks described in spec.md §4.4. A Session never touches the
// engine's shared state directly — it only exchanges typed Commands
// and Events over channels, so the engine remains the sole mutator of
// the peers map, local bitfield, partial-piece buffer and request
// manager (spec.md §5).
package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"btcore/internal/bitfield"
	"btcore/internal/wire"
	"btcore/internal/xlog"
)

// Config is the subset of the engine's configuration a session needs.
type Config struct {
	KeepAlive                 time.Duration
	MaxOutgoingBytesPerSecond int64
	ChannelCapacity           int
}

// Session owns one TCP stream to a single peer.
type Session struct {
	Addr Addr

	conn    net.Conn
	cfg     Config
	log     *xlog.Logger
	limiter *tokenBucket

	Outbound chan Command
	inbound  chan<- Event

	stateMu sync.Mutex
	state   State

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(conn net.Conn, addr Addr, inbound chan<- Event, cfg Config, log *xlog.Logger) *Session {
	return &Session{
		Addr:     addr,
		conn:     conn,
		cfg:      cfg,
		log:      log,
		limiter:  newTokenBucket(cfg.MaxOutgoingBytesPerSecond),
		Outbound: make(chan Command, cfg.ChannelCapacity),
		inbound:  inbound,
		closed:   make(chan struct{}),
	}
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Run starts the receive and send tasks and blocks until both exit,
// then closes the connection. It reports the terminal error (nil for
// a clean shutdown via ctx cancellation) via an EvClosed event on the
// shared inbound channel before returning.
func (s *Session) Run(ctx context.Context, localBitfield *bitfield.Bitfield) error {
	s.setState(StateRunning)

	if err := s.sendBitfield(localBitfield); err != nil {
		s.terminate(err)
		return err
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- s.receiveLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		errCh <- s.sendLoop(ctx)
	}()

	wg.Wait()
	close(errCh)

	var final error
	for err := range errCh {
		if err != nil && final == nil {
			final = err
		}
	}

	s.terminate(final)
	return final
}

// terminate closes the connection exactly once and emits EvClosed.
func (s *Session) terminate(err error) {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		s.conn.Close()
		close(s.closed)
		s.inbound <- Event{Peer: s.Addr, Kind: EvClosed, Err: err}
	})
}

// Close cancels the session from the outside (e.g. engine-initiated
// disconnect); the receive/send loops observe the closed connection
// and return.
func (s *Session) Close() {
	s.terminate(nil)
}

func (s *Session) sendBitfield(localBitfield *bitfield.Bitfield) error {
	msg := wire.Message{ID: wire.BitfieldMsg, Payload: localBitfield.Bytes()}
	return wire.WriteMessage(s.conn, msg)
}

func (s *Session) receiveLoop(ctx context.Context) error {
	decoder := &wire.Decoder{}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := wire.ReadMessage(s.conn, decoder)
		if err != nil {
			return fmt.Errorf("peer %s:%d: receive: %w", s.Addr.IP, s.Addr.Port, err)
		}

		if err := s.dispatch(msg); err != nil {
			return err
		}
	}
}

func (s *Session) dispatch(msg wire.Message) error {
	if msg.KeepAlive {
		s.inbound <- Event{Peer: s.Addr, Kind: EvKeepAlive}
		return nil
	}

	switch msg.ID {
	case wire.Choke:
		s.inbound <- Event{Peer: s.Addr, Kind: EvChoke}
	case wire.Unchoke:
		s.inbound <- Event{Peer: s.Addr, Kind: EvUnchoke}
	case wire.Interested:
		s.inbound <- Event{Peer: s.Addr, Kind: EvInterested}
	case wire.NotInterested:
		s.inbound <- Event{Peer: s.Addr, Kind: EvNotInterested}
	case wire.Have:
		index, err := wire.ParseHave(msg.Payload)
		if err != nil {
			return fmt.Errorf("peer %s:%d: %w", s.Addr.IP, s.Addr.Port, err)
		}
		s.inbound <- Event{Peer: s.Addr, Kind: EvHave, HaveIndex: int(index)}
	case wire.BitfieldMsg:
		bf := bitfield.FromBytes(msg.Payload, len(msg.Payload)*8)
		s.inbound <- Event{Peer: s.Addr, Kind: EvBitfield, Bitfield: bf}
	case wire.Request:
		index, begin, length, err := wire.ParseRequest(msg.Payload)
		if err != nil {
			return fmt.Errorf("peer %s:%d: %w", s.Addr.IP, s.Addr.Port, err)
		}
		s.inbound <- Event{Peer: s.Addr, Kind: EvRequest, ReqIndex: int(index), ReqBegin: int(begin), ReqLength: int(length)}
	case wire.Cancel:
		index, begin, length, err := wire.ParseRequest(msg.Payload)
		if err != nil {
			return fmt.Errorf("peer %s:%d: %w", s.Addr.IP, s.Addr.Port, err)
		}
		s.inbound <- Event{Peer: s.Addr, Kind: EvCancel, ReqIndex: int(index), ReqBegin: int(begin), ReqLength: int(length)}
	case wire.Piece:
		index, begin, block, err := wire.ParsePiece(msg.Payload)
		if err != nil {
			return fmt.Errorf("peer %s:%d: %w", s.Addr.IP, s.Addr.Port, err)
		}
		s.inbound <- Event{Peer: s.Addr, Kind: EvPiece, PieceIndex: int(index), PieceBegin: int(begin), PieceData: block}
	default:
		return fmt.Errorf("peer %s:%d: unknown message id %d", s.Addr.IP, s.Addr.Port, msg.ID)
	}
	return nil
}

func (s *Session) sendLoop(ctx context.Context) error {
	keepAlive := s.cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 115 * time.Second
	}
	timer := time.NewTimer(keepAlive)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return nil
		case <-timer.C:
			if err := s.write(wire.Message{KeepAlive: true}); err != nil {
				return fmt.Errorf("peer %s:%d: keep-alive: %w", s.Addr.IP, s.Addr.Port, err)
			}
			timer.Reset(keepAlive)
		case cmd := <-s.Outbound:
			if err := s.sendCommand(cmd); err != nil {
				return fmt.Errorf("peer %s:%d: send: %w", s.Addr.IP, s.Addr.Port, err)
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(keepAlive)
		}
	}
}

func (s *Session) sendCommand(cmd Command) error {
	switch cmd.Kind {
	case CmdRequestBlocks:
		for _, b := range cmd.Blocks {
			msg := wire.Message{ID: wire.Request, Payload: wire.RequestBody(uint32(b.Index), uint32(b.Begin), uint32(b.Length))}
			if err := s.write(msg); err != nil {
				return err
			}
		}
		return nil
	case CmdUploadBlock:
		msg := wire.Message{ID: wire.Piece, Payload: wire.PieceBody(uint32(cmd.Upload.Index), uint32(cmd.Upload.Begin), cmd.Upload.Data)}
		return s.write(msg)
	case CmdHave:
		msg := wire.Message{ID: wire.Have, Payload: wire.HaveBody(uint32(cmd.Have))}
		return s.write(msg)
	case CmdChokeState:
		id := wire.Unchoke
		if cmd.Choking {
			id = wire.Choke
		}
		return s.write(wire.Message{ID: id})
	case CmdInterestState:
		id := wire.NotInterested
		if cmd.Interested {
			id = wire.Interested
		}
		return s.write(wire.Message{ID: id})
	default:
		return fmt.Errorf("peer: unknown command kind %d", cmd.Kind)
	}
}

func (s *Session) write(msg wire.Message) error {
	encoded := wire.Encode(msg)
	s.limiter.Take(len(encoded))
	_, err := s.conn.Write(encoded)
	return err
}
