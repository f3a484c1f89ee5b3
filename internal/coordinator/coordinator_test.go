package coordinator

import (
	"context"
	"crypto/sha1"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nilsolo/leech/internal/config"
	"github.com/nilsolo/leech/internal/protocol"
	"github.com/nilsolo/leech/internal/torrent"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("config.Default: %v", err)
	}
	cfg.DialTimeout = time.Second
	cfg.HandshakeTimeout = time.Second
	cfg.CollectorQueueCapacity = 4
	return cfg
}

func mustAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatalf("ParseAddrPort(%q): %v", s, err)
	}
	return addr
}

func buildDescriptor(t *testing.T, pieces [][]byte, pieceLength uint32) *torrent.Descriptor {
	t.Helper()

	var hashBlob []byte
	var total uint64
	for _, p := range pieces {
		h := sha1.Sum(p)
		hashBlob = append(hashBlob, h[:]...)
		total += uint64(len(p))
	}

	var infoHash [torrent.HashSize]byte
	infoHash[0] = 0xCD

	desc, err := torrent.NewDescriptor(total, pieceLength, "payload.bin", hashBlob, infoHash)
	if err != nil {
		t.Fatalf("NewDescriptor: %v", err)
	}
	return desc
}

// servePeer runs a minimal single-connection seeder: handshake, a full
// bitfield, unchoke, then respond to every REQUEST with the matching PIECE
// block sliced from pieces.
func servePeer(t *testing.T, ln net.Listener, infoHash [torrent.HashSize]byte, pieces [][]byte) {
	t.Helper()

	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	if _, err := protocol.ReadHandshake(conn); err != nil {
		t.Errorf("server: read handshake: %v", err)
		return
	}
	hs := protocol.NewHandshake(infoHash, [torrent.HashSize]byte{1})
	if err := protocol.WriteHandshake(conn, *hs); err != nil {
		t.Errorf("server: write handshake: %v", err)
		return
	}

	full := make([]byte, (len(pieces)+7)/8)
	for i := range pieces {
		full[i/8] |= 1 << (7 - uint(i%8))
	}
	if err := protocol.WriteMessage(conn, protocol.MessageBitfield(full)); err != nil {
		t.Errorf("server: write bitfield: %v", err)
		return
	}
	if err := protocol.WriteMessage(conn, protocol.MessageUnchoke()); err != nil {
		t.Errorf("server: write unchoke: %v", err)
		return
	}

	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			return
		}
		if protocol.IsKeepAlive(msg) {
			continue
		}
		switch msg.ID {
		case protocol.Request:
			idx, begin, length, ok := msg.ParseRequest()
			if !ok {
				continue
			}
			block := pieces[idx][begin : begin+length]
			if err := protocol.WriteMessage(conn, protocol.MessagePiece(idx, begin, block)); err != nil {
				return
			}
		case protocol.Interested, protocol.Unchoke, protocol.Choke, protocol.NotInterested:
			// expected control frames from the leecher side; nothing to do.
		}
	}
}

func TestCoordinator_SinglePeerHappyPath(t *testing.T) {
	pieces := [][]byte{
		{1, 1, 1, 1},
		{2, 2, 2, 2},
		{3, 3, 3},
	}
	desc := buildDescriptor(t, pieces, 4)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go servePeer(t, ln, desc.InfoHash, pieces)

	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")

	co, err := New(desc, out, testConfig(t), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := co.Run(ctx, []netip.AddrPort{mustAddrPort(t, ln.Addr().String())}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var want []byte
	for _, p := range pieces {
		want = append(want, p...)
	}
	if string(got) != string(want) {
		t.Fatalf("output = %v, want %v", got, want)
	}
}

func TestCoordinator_RejectsIncompleteDescriptor(t *testing.T) {
	if _, err := New(nil, "out.bin", testConfig(t), discardLogger()); err != ErrDescriptorIncomplete {
		t.Fatalf("err = %v, want ErrDescriptorIncomplete", err)
	}
}

func TestCoordinator_NoEndpointsReturnsOnContextDone(t *testing.T) {
	pieces := [][]byte{{1, 2, 3, 4}}
	desc := buildDescriptor(t, pieces, 4)

	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")

	co, err := New(desc, out, testConfig(t), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := co.Run(ctx, nil); err != nil {
		t.Fatalf("Run with no endpoints: %v", err)
	}
}
