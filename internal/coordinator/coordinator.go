// Package coordinator owns the three work queues (unclaimed, pending, idle)
// and drives a download to completion: it opens one peer session per
// endpoint, assigns pieces as peers become ready, validates completed
// pieces against their expected hash, hands validated pieces to the
// collector, and shuts everything down once the collector has written the
// whole payload.
package coordinator

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/nilsolo/leech/internal/collector"
	"github.com/nilsolo/leech/internal/config"
	"github.com/nilsolo/leech/internal/peer"
	"github.com/nilsolo/leech/internal/torrent"
	"golang.org/x/sync/errgroup"
)

var ErrDescriptorIncomplete = errors.New("coordinator: descriptor missing required fields")

type eventKind int

const (
	eventPeerReady eventKind = iota
	eventPeerClosed
	eventPieceComplete
)

type event struct {
	kind eventKind
	peer *peer.Session
	work torrent.PieceWork
	buf  []byte
}

// Coordinator is the single mutator of unclaimed/pending/idle and of the
// set of currently connected peers. All of that state is touched only from
// the goroutine running Run's event loop.
type Coordinator struct {
	log        *slog.Logger
	cfg        *config.Config
	descriptor *torrent.Descriptor

	collector *collector.Collector
	unclaimed *unclaimedQueue
	pending   *pendingQueue
	idle      *idleQueue

	totalConnected map[netip.AddrPort]*peer.Session

	eventCh chan event

	writeDoneOnce sync.Once
	writeDoneCh   chan struct{}
}

// New validates descriptor and prepares a coordinator ready to accept
// peers via Run. outputPath is the file the collector writes to.
func New(descriptor *torrent.Descriptor, outputPath string, cfg *config.Config, log *slog.Logger) (*Coordinator, error) {
	if descriptor == nil || descriptor.TotalLength == 0 || descriptor.PieceLength == 0 || descriptor.Name == "" || len(descriptor.PieceHashes) == 0 {
		return nil, ErrDescriptorIncomplete
	}

	col, err := collector.New(descriptor.NumPieces(), descriptor.PieceLength, descriptor.TotalLength, outputPath, cfg.CollectorQueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	c := &Coordinator{
		log:            log.With("component", "coordinator"),
		cfg:            cfg,
		descriptor:     descriptor,
		collector:      col,
		unclaimed:      newUnclaimedQueue(descriptor.AllWork()),
		pending:        newPendingQueue(),
		idle:           newIdleQueue(),
		totalConnected: make(map[netip.AddrPort]*peer.Session),
		eventCh:        make(chan event, 256),
		writeDoneCh:    make(chan struct{}),
	}

	col.OnCollectionComplete(c.handleCollectionComplete)
	col.OnWriteComplete(c.handleWriteComplete)

	return c, nil
}

// Run dials a session for every endpoint, runs the collector's writer
// goroutine, and processes peer lifecycle events until the collector has
// written every piece to disk (or ctx is cancelled).
func (c *Coordinator) Run(ctx context.Context, endpoints []netip.AddrPort) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.collector.Run(gctx) })

	for _, addr := range endpoints {
		addr := addr
		g.Go(func() error {
			c.runPeer(gctx, addr)
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-c.writeDoneCh:
			cancel()
		}
		return nil
	})

	g.Go(func() error { return c.eventLoop(gctx) })

	return g.Wait()
}

func (c *Coordinator) runPeer(ctx context.Context, addr netip.AddrPort) {
	s, err := peer.Dial(ctx, addr, c.descriptor.InfoHash, c.cfg, c.log, peer.Callbacks{
		OnReady: func(s *peer.Session) {
			c.postEvent(event{kind: eventPeerReady, peer: s})
		},
		OnPieceComplete: func(s *peer.Session, work torrent.PieceWork, buf []byte) {
			c.postEvent(event{kind: eventPieceComplete, peer: s, work: work, buf: buf})
		},
		OnClosed: func(s *peer.Session) {
			c.postEvent(event{kind: eventPeerClosed, peer: s})
		},
	})
	if err != nil {
		c.log.Debug("peer dial failed", "addr", addr, "err", err)
		return
	}

	_ = s.Run(ctx)
}

func (c *Coordinator) postEvent(e event) {
	select {
	case c.eventCh <- e:
	case <-c.writeDoneCh:
	}
}

func (c *Coordinator) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-c.writeDoneCh:
			return nil

		case e := <-c.eventCh:
			c.handleEvent(ctx, e)
		}
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, e event) {
	switch e.kind {
	case eventPeerReady:
		c.totalConnected[e.peer.Addr()] = e.peer
		c.idle.Push(e.peer)
		c.runAssignment()

	case eventPeerClosed:
		delete(c.totalConnected, e.peer.Addr())
		c.idle.Remove(e.peer)
		if w, ok := c.pending.RemoveByPeer(e.peer); ok {
			if !c.collector.Contains(int(w.Index)) && c.pending.CountForWork(w.Index) == 0 {
				c.unclaimed.Push(w)
			}
		}

	case eventPieceComplete:
		c.handlePieceComplete(ctx, e.peer, e.work, e.buf)
	}
}

func (c *Coordinator) handlePieceComplete(ctx context.Context, p *peer.Session, work torrent.PieceWork, buf []byte) {
	sum := sha1.Sum(buf)
	valid := sum == c.descriptor.PieceHashes[work.Index]

	if valid {
		if err := c.collector.Collect(ctx, int(work.Index), buf); err != nil {
			c.log.Debug("collect failed", "index", work.Index, "err", err)
		}
	} else {
		// This worker is still counted in pending at this point, so a count
		// of exactly 1 means no other worker holds the same piece.
		if !c.collector.Contains(int(work.Index)) && c.pending.CountForWork(work.Index) == 1 {
			c.unclaimed.Push(work)
		}
		c.log.Debug("piece hash mismatch", "index", work.Index, "peer", p.Addr())
	}

	c.pending.RemoveByPeer(p)
	c.idle.Push(p)
	c.runAssignment()
}

// runAssignment implements spec.md §4.5's assignment policy: drain idle,
// match each peer against unclaimed first, then against pending for a
// redundant assignment, else disconnect the peer. assign_work itself is
// deferred to StartAll so the scan never reenters session state.
func (c *Coordinator) runAssignment() {
	if c.collector.IsComplete() {
		return
	}

	for {
		p, ok := c.idle.Pop()
		if !ok {
			break
		}

		if w, ok := c.unclaimed.FindMatching(p.Bitfield()); ok {
			c.unclaimed.Remove(w.Index)
			c.pending.Push(p, w)
			continue
		}

		if w, ok := c.pending.FindRedundant(p.Bitfield(), c.collector); ok {
			c.pending.Push(p, w)
			continue
		}

		p.Close()
	}

	c.pending.StartAll()
}

// handleCollectionComplete fires synchronously inside Collect, which is
// only ever called from the event-loop goroutine, so touching
// totalConnected here is safe without a lock.
func (c *Coordinator) handleCollectionComplete() {
	for _, s := range c.totalConnected {
		s.Close()
	}
}

// handleWriteComplete fires from the collector's own writer goroutine, so
// it must not touch coordinator state directly -- it only signals the
// event loop and Run to unwind.
func (c *Coordinator) handleWriteComplete() {
	c.writeDoneOnce.Do(func() { close(c.writeDoneCh) })
}
