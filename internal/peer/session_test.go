package peer

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/nilsolo/leech/internal/config"
	"github.com/nilsolo/leech/internal/protocol"
	"github.com/nilsolo/leech/internal/torrent"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatalf("ParseAddrPort(%q): %v", s, err)
	}
	return addr
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("config.Default: %v", err)
	}
	cfg.DialTimeout = time.Second
	cfg.HandshakeTimeout = time.Second
	return cfg
}

func TestDial_HandshakeAndBitfield(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var infoHash [torrent.HashSize]byte
	infoHash[0] = 0xAB

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()

		if _, err := protocol.ReadHandshake(conn); err != nil {
			serverDone <- err
			return
		}
		hs := protocol.NewHandshake(infoHash, [torrent.HashSize]byte{1})
		if err := protocol.WriteHandshake(conn, *hs); err != nil {
			serverDone <- err
			return
		}
		if err := protocol.WriteMessage(conn, protocol.MessageBitfield([]byte{0xFF})); err != nil {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	addr := mustAddrPort(t, ln.Addr().String())

	var ready bool
	s, err := Dial(context.Background(), addr, infoHash, testConfig(t), discardLogger(), Callbacks{
		OnReady: func(*Session) { ready = true },
	})
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer s.Close()

	if s.State() != StateReady {
		t.Fatalf("state = %v, want Ready", s.State())
	}
	if !s.Bitfield().Has(0) || !s.Bitfield().Has(7) {
		t.Fatalf("bitfield not decoded correctly: %v", s.Bitfield())
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server side error: %v", err)
	}
	_ = ready // OnReady fires during Run, not Dial; asserted elsewhere
}

func TestSession_RequestPump(t *testing.T) {
	s := &Session{
		cfg:         testConfig(t),
		peerChoking: false,
		outbox:      make(chan *protocol.Message, 16),
	}
	s.assignment = &Assignment{Work: torrent.PieceWork{Index: 2, Size: 100000}}

	s.runRequestPump()

	if s.assignment.Backlog != MaxBacklog {
		t.Fatalf("backlog = %d, want %d", s.assignment.Backlog, MaxBacklog)
	}
	if s.assignment.Requested != MaxBacklog*uint32(protocol.MaxBlockSize) {
		t.Fatalf("requested = %d, want %d", s.assignment.Requested, MaxBacklog*uint32(protocol.MaxBlockSize))
	}
	if len(s.outbox) != MaxBacklog {
		t.Fatalf("outbox length = %d, want %d", len(s.outbox), MaxBacklog)
	}
}

func TestSession_RequestPump_ChokedDoesNothing(t *testing.T) {
	s := &Session{
		cfg:         testConfig(t),
		peerChoking: true,
		outbox:      make(chan *protocol.Message, 16),
		assignment:  &Assignment{Work: torrent.PieceWork{Index: 0, Size: 16384}},
	}

	s.runRequestPump()

	if s.assignment.Backlog != 0 || len(s.outbox) != 0 {
		t.Fatalf("choked peer should not be pumped: backlog=%d outbox=%d", s.assignment.Backlog, len(s.outbox))
	}
}

func TestSession_HandlePiece_CompletesAndClears(t *testing.T) {
	var completed bool
	var gotBuf []byte

	s := &Session{
		cfg:    testConfig(t),
		outbox: make(chan *protocol.Message, 16),
		cb: Callbacks{
			OnPieceComplete: func(_ *Session, work torrent.PieceWork, buf []byte) {
				completed = true
				gotBuf = buf
				if work.Index != 5 {
					t.Errorf("completed work index = %d, want 5", work.Index)
				}
			},
		},
	}
	s.assignment = &Assignment{
		Work:      torrent.PieceWork{Index: 5, Size: 8},
		Buffer:    make([]byte, 8),
		Requested: 8,
		Backlog:   1,
	}

	s.handlePiece(5, 0, []byte{1, 2, 3, 4})
	if s.assignment == nil {
		t.Fatalf("assignment cleared too early")
	}
	if s.assignment.Downloaded != 4 || s.assignment.Backlog != 0 {
		t.Fatalf("partial delivery state wrong: %+v", s.assignment)
	}

	s.handlePiece(5, 4, []byte{5, 6, 7, 8})
	if !completed {
		t.Fatalf("OnPieceComplete not invoked")
	}
	if s.assignment != nil {
		t.Fatalf("assignment should be cleared after completion")
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	for i, b := range want {
		if gotBuf[i] != b {
			t.Fatalf("completed buffer = %v, want %v", gotBuf, want)
		}
	}
}

func TestSession_HandlePiece_WrongIndexDiscarded(t *testing.T) {
	s := &Session{
		cfg:        testConfig(t),
		outbox:     make(chan *protocol.Message, 16),
		assignment: &Assignment{Work: torrent.PieceWork{Index: 1, Size: 8}, Buffer: make([]byte, 8)},
	}

	s.handlePiece(2, 0, []byte{1, 2, 3, 4})

	if s.assignment.Downloaded != 0 {
		t.Fatalf("piece for wrong index should be discarded, downloaded = %d", s.assignment.Downloaded)
	}
}

func TestSession_HandlePiece_NoAssignmentDiscarded(t *testing.T) {
	s := &Session{cfg: testConfig(t), outbox: make(chan *protocol.Message, 16)}
	s.handlePiece(0, 0, []byte{1, 2, 3, 4}) // must not panic
	if s.assignment != nil {
		t.Fatalf("no assignment should remain nil")
	}
}
