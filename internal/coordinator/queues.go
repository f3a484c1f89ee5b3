package coordinator

import (
	"github.com/nilsolo/leech/internal/bitfield"
	"github.com/nilsolo/leech/internal/collector"
	"github.com/nilsolo/leech/internal/peer"
	"github.com/nilsolo/leech/internal/torrent"
)

// These three types are mutated exclusively by the coordinator's own event
// loop goroutine (see coordinator.go's Run) -- no locking, matching the
// single-threaded cooperative model the core assumes even though peer
// sessions run their own goroutines underneath.

// unclaimedQueue holds piece-work not currently assigned to anyone.
type unclaimedQueue struct {
	pieces map[uint32]torrent.PieceWork
}

func newUnclaimedQueue(all []torrent.PieceWork) *unclaimedQueue {
	q := &unclaimedQueue{pieces: make(map[uint32]torrent.PieceWork, len(all))}
	for _, w := range all {
		q.pieces[w.Index] = w
	}
	return q
}

func (q *unclaimedQueue) Push(w torrent.PieceWork) { q.pieces[w.Index] = w }

func (q *unclaimedQueue) Remove(index uint32) { delete(q.pieces, index) }

func (q *unclaimedQueue) Len() int { return len(q.pieces) }

// FindMatching returns the first unclaimed piece the given bitfield has, in
// no particular order beyond Go's map iteration (the spec places no
// ordering requirement on unclaimed).
func (q *unclaimedQueue) FindMatching(bf bitfield.Bitfield) (torrent.PieceWork, bool) {
	for index, w := range q.pieces {
		if bf.Has(int(index)) {
			return w, true
		}
	}
	return torrent.PieceWork{}, false
}

// pendingEntry is one (peer, work) assignment. started tracks whether
// assign_work has been posted to the session yet -- the "start cursor" from
// spec.md §3, modeled per-entry rather than as a literal index so removals
// don't need to renumber anything.
type pendingEntry struct {
	peer    *peer.Session
	work    torrent.PieceWork
	started bool
}

// pendingQueue holds in-flight (peer, work) assignments. The same work may
// appear under multiple peers (redundant end-of-download assignment); a
// given peer appears at most once.
type pendingQueue struct {
	entries []*pendingEntry
}

func newPendingQueue() *pendingQueue { return &pendingQueue{} }

func (q *pendingQueue) Push(p *peer.Session, w torrent.PieceWork) {
	q.entries = append(q.entries, &pendingEntry{peer: p, work: w})
}

// RemoveByPeer removes and returns the entry belonging to p, if any.
func (q *pendingQueue) RemoveByPeer(p *peer.Session) (torrent.PieceWork, bool) {
	for i, e := range q.entries {
		if e.peer == p {
			w := e.work
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return w, true
		}
	}
	return torrent.PieceWork{}, false
}

// CountForWork reports how many pending entries currently reference index.
func (q *pendingQueue) CountForWork(index uint32) int {
	n := 0
	for _, e := range q.entries {
		if e.work.Index == index {
			n++
		}
	}
	return n
}

// FindRedundant returns the first pending work item eligible for a
// duplicate assignment to bf: not yet in the collector, and present in bf.
func (q *pendingQueue) FindRedundant(bf bitfield.Bitfield, c *collector.Collector) (torrent.PieceWork, bool) {
	for _, e := range q.entries {
		if !c.Contains(int(e.work.Index)) && bf.Has(int(e.work.Index)) {
			return e.work, true
		}
	}
	return torrent.PieceWork{}, false
}

// StartAll calls AssignWork on every entry not yet started. Deferring this
// until after the assignment scan (see coordinator.go's runAssignment)
// avoids reentering session state from inside the scan loop.
func (q *pendingQueue) StartAll() {
	for _, e := range q.entries {
		if !e.started {
			e.peer.AssignWork(e.work)
			e.started = true
		}
	}
}

// idleQueue holds ready peers with no current assignment.
type idleQueue struct {
	peers []*peer.Session
}

func newIdleQueue() *idleQueue { return &idleQueue{} }

func (q *idleQueue) Push(p *peer.Session) { q.peers = append(q.peers, p) }

// Pop removes and returns an arbitrary peer, or false if empty.
func (q *idleQueue) Pop() (*peer.Session, bool) {
	if len(q.peers) == 0 {
		return nil, false
	}
	p := q.peers[len(q.peers)-1]
	q.peers = q.peers[:len(q.peers)-1]
	return p, true
}

// Remove drops p from the idle set if present, reporting whether it was.
func (q *idleQueue) Remove(p *peer.Session) bool {
	for i, s := range q.peers {
		if s == p {
			q.peers = append(q.peers[:i], q.peers[i+1:]...)
			return true
		}
	}
	return false
}
