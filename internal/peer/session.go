// Package peer implements one connection's worth of the wire protocol: the
// handshake, the bitfield exchange, and the request/piece exchange for a
// single piece assignment at a time. A Session owns its socket, its inbound
// buffer (via protocol.ReadMessage), its bitfield, and its current
// assignment; it never touches the coordinator's work queues directly,
// communicating instead through the callbacks supplied at construction.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nilsolo/leech/internal/bitfield"
	"github.com/nilsolo/leech/internal/config"
	"github.com/nilsolo/leech/internal/protocol"
	"github.com/nilsolo/leech/internal/torrent"
	"golang.org/x/sync/errgroup"
)

// MaxBacklog bounds the number of outstanding REQUESTs a session keeps in
// flight for its current piece.
const MaxBacklog = 5

var (
	ErrNotBitfieldFirst = errors.New("peer: first message was not BITFIELD")
	ErrUnexpectedPiece  = errors.New("peer: malformed piece frame")
)

// Assignment is the piece a session is currently working on.
type Assignment struct {
	Work       torrent.PieceWork
	Buffer     []byte
	Downloaded uint32
	Requested  uint32
	Backlog    uint32
}

// Callbacks are invoked by a session's owning goroutine as its lifecycle
// events occur. None may block for long -- the coordinator's handlers are
// expected to return quickly (append to a queue, close a channel), same
// discipline as the wire handler itself.
type Callbacks struct {
	OnReady         func(s *Session)
	OnPieceComplete func(s *Session, work torrent.PieceWork, buf []byte)
	OnClosed        func(s *Session)
}

// Session is one peer connection's state machine.
type Session struct {
	log      *slog.Logger
	cfg      *config.Config
	addr     netip.AddrPort
	infoHash [torrent.HashSize]byte
	conn     net.Conn
	cb       Callbacks

	state atomic.Int32

	// Owned exclusively by the logic goroutine; no lock needed.
	bitfield       bitfield.Bitfield
	assignment     *Assignment
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	outbox   chan *protocol.Message
	assignCh chan torrent.PieceWork

	closeOnce sync.Once
	cancel    context.CancelFunc
}

// Dial opens a TCP connection to addr, performs the handshake, and blocks
// until the peer's BITFIELD arrives and is accepted. The returned session
// is in StateReady; call Run to start its goroutines.
func Dial(ctx context.Context, addr netip.AddrPort, infoHash [torrent.HashSize]byte, cfg *config.Config, log *slog.Logger, cb Callbacks) (*Session, error) {
	log = log.With("component", "peer", "addr", addr)

	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("peer: dial: %w", err)
	}

	s := &Session{
		log:          log,
		cfg:          cfg,
		addr:         addr,
		infoHash:     infoHash,
		conn:         conn,
		cb:           cb,
		amChoking:    true,
		peerChoking:  true,
		outbox:       make(chan *protocol.Message, cfg.PeerOutboundQueueBacklog),
		assignCh:     make(chan torrent.PieceWork, 1),
	}
	s.state.Store(int32(StateHandshaking))

	deadline := time.Now().Add(cfg.HandshakeTimeout)
	_ = conn.SetDeadline(deadline)

	local := protocol.NewHandshake(infoHash, cfg.ClientID)
	remote, err := local.Exchange(conn, true)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("peer: handshake: %w", err)
	}
	_ = remote

	s.state.Store(int32(StateAwaitingBitfield))

	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("peer: awaiting bitfield: %w", err)
	}
	if msg == nil || msg.ID != protocol.Bitfield {
		_ = conn.Close()
		return nil, ErrNotBitfieldFirst
	}

	_ = conn.SetDeadline(time.Time{})

	s.bitfield = bitfield.FromBytes(msg.Payload)

	s.state.Store(int32(StateReady))
	s.enqueueMessage(protocol.MessageUnchoke())
	s.enqueueMessage(protocol.MessageInterested())
	s.amChoking = false
	s.amInterested = true

	return s, nil
}

// Addr returns the session's peer endpoint.
func (s *Session) Addr() netip.AddrPort { return s.addr }

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Bitfield returns the peer's most recently known bitfield. Safe to call
// only from the session's own logic goroutine or after Close.
func (s *Session) Bitfield() bitfield.Bitfield { return s.bitfield }

// Run starts the session's goroutines and blocks until one exits, either
// because ctx was cancelled or because a fatal protocol error occurred. It
// always emits OnClosed exactly once before returning.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.cb.OnReady != nil {
		s.cb.OnReady(s)
	}

	msgCh := make(chan *protocol.Message)
	errCh := make(chan error, 1)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.readLoop(gctx, msgCh, errCh) })
	g.Go(func() error { return s.logicLoop(gctx, msgCh, errCh) })
	g.Go(func() error { return s.writeLoop(gctx) })

	return g.Wait()
}

// AssignWork hands the session a new piece to work on. It never blocks the
// caller on session internals: it posts the assignment to the logic
// goroutine rather than mutating session state directly, preserving the
// single-owner discipline even though AssignWork is called from the
// coordinator's goroutine.
func (s *Session) AssignWork(work torrent.PieceWork) {
	select {
	case s.assignCh <- work:
	default:
		// Coordinator never calls AssignWork while one is outstanding; a
		// full channel here would mean that discipline was violated.
	}
}

// Close closes the underlying socket and cancels the session's goroutines.
// Safe to call multiple times and from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.Close()

		if s.cb.OnClosed != nil {
			s.cb.OnClosed(s)
		}
	})
}

func (s *Session) readLoop(ctx context.Context, msgCh chan<- *protocol.Message, errCh chan<- error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := protocol.ReadMessage(s.conn)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case errCh <- err:
			case <-ctx.Done():
			}
			return err
		}

		select {
		case msgCh <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

// logicLoop is the session's single owner of mutable state: the bitfield,
// the current assignment, choke/interest flags. It consumes inbound frames
// from the read goroutine and assignment commands from the coordinator,
// never both at once.
func (s *Session) logicLoop(ctx context.Context, msgCh <-chan *protocol.Message, errCh <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-errCh:
			return err

		case work := <-s.assignCh:
			s.state.Store(int32(StateWorking))
			s.assignment = &Assignment{Work: work, Buffer: make([]byte, work.Size)}
			s.runRequestPump()

		case msg := <-msgCh:
			if protocol.IsKeepAlive(msg) {
				continue
			}
			if err := s.handleMessage(msg); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleMessage(msg *protocol.Message) error {
	switch msg.ID {
	case protocol.Choke:
		s.peerChoking = true

	case protocol.Unchoke:
		s.peerChoking = false
		s.runRequestPump()

	case protocol.Interested:
		s.peerInterested = true

	case protocol.NotInterested:
		s.peerInterested = false

	case protocol.Have:
		index, ok := msg.ParseHave()
		if !ok {
			return nil // unknown/malformed non-fatal anomaly; absorbed
		}
		s.bitfield.Set(int(index))

	case protocol.Bitfield:
		// Only the first message may legitimately be a bitfield; a later
		// one is a non-fatal anomaly and is absorbed rather than replacing
		// state mid-session.

	case protocol.Request, protocol.Cancel:
		// This client never serves upload requests; absorbed.

	case protocol.Piece:
		index, begin, block, ok := msg.ParsePiece()
		if !ok {
			return nil
		}
		s.handlePiece(index, begin, block)

	default:
		// Unknown type: parsed (length known), ignored.
	}

	return nil
}

func (s *Session) handlePiece(index, begin uint32, block []byte) {
	a := s.assignment
	if a == nil || index != a.Work.Index {
		return // discard: no assignment, or for a different piece
	}
	if begin > uint32(len(a.Buffer)) || begin+uint32(len(block)) > uint32(len(a.Buffer)) {
		return // malformed offset; absorbed like any other non-fatal anomaly
	}

	copy(a.Buffer[begin:], block)
	a.Downloaded += uint32(len(block))
	if a.Backlog > 0 {
		a.Backlog--
	}

	if a.Downloaded >= a.Work.Size {
		work, buf := a.Work, a.Buffer
		s.assignment = nil
		s.state.Store(int32(StateReady))
		if s.cb.OnPieceComplete != nil {
			s.cb.OnPieceComplete(s, work, buf)
		}
		// Do not re-run the request pump here; the next pump is driven by
		// the coordinator's subsequent AssignWork.
		return
	}

	s.runRequestPump()
}

// runRequestPump emits REQUESTs for the current assignment until the
// backlog is full or the whole piece has been requested.
func (s *Session) runRequestPump() {
	a := s.assignment
	if a == nil || s.peerChoking {
		return
	}

	for a.Backlog < MaxBacklog && a.Requested < a.Work.Size {
		length := protocol.MaxBlockSize
		if remaining := a.Work.Size - a.Requested; remaining < uint32(length) {
			length = int(remaining)
		}

		s.enqueueMessage(protocol.MessageRequest(a.Work.Index, a.Requested, uint32(length)))
		a.Requested += uint32(length)
		a.Backlog++
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-s.outbox:
			if !ok {
				return nil
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := protocol.WriteMessage(s.conn, msg); err != nil {
				return err
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			_ = protocol.WriteMessage(s.conn, nil)
		}
	}
}

func (s *Session) enqueueMessage(msg *protocol.Message) {
	select {
	case s.outbox <- msg:
	default:
		s.log.Debug("outbox full, dropping message", "id", msg.ID.String())
	}
}
