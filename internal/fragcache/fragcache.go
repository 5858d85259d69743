// Package fragcache tracks in-flight fragments awaiting a SURB
// acknowledgement: what was sent, when it is due back, and whether it has
// been accounted for.
package fragcache

import (
	"sync"
	"time"

	"git.schwanenlied.me/yawning/avl.git"
	"github.com/katzenpost/core/monotime"

	"github.com/dflmix/peer/internal/peerid"
)

// Record is one fragment waiting on its SURB reply.
type Record struct {
	SurbID  uint64
	Dest    peerid.ID
	Payload []byte
	IsCover bool

	SentAt time.Duration
	ETA    time.Duration
	Acked  bool

	etaNode *avl.Node
}

func etaCompare(a, b interface{}) int {
	listA, listB := a.([]*Record), b.([]*Record)
	etaA, etaB := listA[0].ETA, listB[0].ETA
	switch {
	case etaA < etaB:
		return -1
	case etaA > etaB:
		return 1
	default:
		return 0
	}
}

// FragmentCache is safe for concurrent use by the send path, the receive
// path, and the resend sweep.
type FragmentCache struct {
	mu sync.Mutex

	etas  *avl.Tree
	byID  map[uint64]*Record
	rttMu sync.Mutex
	rttN  int
	rttMA time.Duration
}

// New returns an empty cache.
func New() *FragmentCache {
	return &FragmentCache{
		etas: avl.New(etaCompare),
		byID: make(map[uint64]*Record),
	}
}

// Insert registers a freshly sent fragment. surbID must be unique among
// outstanding records.
func (c *FragmentCache) Insert(rec *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := []*Record{rec}
	node := c.etas.Insert(list)
	if existing := node.Value.([]*Record); existing[0] != rec {
		node.Value = append(existing, rec)
	}
	rec.etaNode = node
	c.byID[rec.SurbID] = rec
}

// Ack marks the fragment for surbID as acknowledged and returns the
// measured round-trip time. It is idempotent: acking an unknown or
// already-acked id reports ok=false.
func (c *FragmentCache) Ack(surbID uint64) (rtt time.Duration, ok bool) {
	c.mu.Lock()
	rec, found := c.byID[surbID]
	if !found || rec.Acked {
		c.mu.Unlock()
		return 0, false
	}
	rec.Acked = true
	rtt = monotime.Now() - rec.SentAt
	c.mu.Unlock()

	c.recordRTT(rtt)
	return rtt, true
}

func (c *FragmentCache) recordRTT(rtt time.Duration) {
	c.rttMu.Lock()
	defer c.rttMu.Unlock()
	c.rttN++
	c.rttMA += (rtt - c.rttMA) / time.Duration(c.rttN)
}

// AverageRTT returns the running mean round-trip time across every ack
// observed so far.
func (c *FragmentCache) AverageRTT() time.Duration {
	c.rttMu.Lock()
	defer c.rttMu.Unlock()
	return c.rttMA
}

// DropForPeer removes every outstanding record addressed to dest, used
// when a PeerLink is declared gone.
func (c *FragmentCache) DropForPeer(dest peerid.ID) []*Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dropped []*Record
	for id, rec := range c.byID {
		if rec.Dest != dest {
			continue
		}
		dropped = append(dropped, rec)
		delete(c.byID, id)
		c.removeFromTreeLocked(rec)
	}
	return dropped
}

func (c *FragmentCache) removeFromTreeLocked(rec *Record) {
	if rec.etaNode == nil {
		return
	}
	list := rec.etaNode.Value.([]*Record)
	if len(list) > 1 {
		for i, v := range list {
			if v == rec {
				list = append(list[:i], list[i+1:]...)
				rec.etaNode.Value = list
				rec.etaNode = nil
				return
			}
		}
		return
	}
	c.etas.Remove(rec.etaNode)
	rec.etaNode = nil
}

// SweepStale walks the ETA-ordered tree and returns every record whose
// deadline (plus slack) has passed and which has not yet been acked. Each
// returned record is immediately marked acked: a swept fragment gets at
// most one resend, mirroring the single re-emission the original cache
// performs before giving up on it.
func (c *FragmentCache) SweepStale(now time.Duration, slack time.Duration) []*Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due []*Record
	iter := c.etas.Iterator(avl.Forward)
	var toRemove []*avl.Node
	for node := iter.First(); node != nil; node = iter.Next() {
		list := node.Value.([]*Record)
		if list[0].ETA+slack > now {
			break
		}
		for _, rec := range list {
			if !rec.Acked {
				rec.Acked = true
				due = append(due, rec)
			}
			delete(c.byID, rec.SurbID)
			rec.etaNode = nil
		}
		toRemove = append(toRemove, node)
	}
	for _, node := range toRemove {
		c.etas.Remove(node)
	}
	return due
}

// AllAcked reports whether every record still in the cache has been
// acked, used by the transport to decide it can go quiet. A record
// stays in byID (flagged Acked) until ClearAcked or SweepStale removes
// it, so this checks the flag on each record rather than cache emptiness.
func (c *FragmentCache) AllAcked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range c.byID {
		if !rec.Acked {
			return false
		}
	}
	return true
}

// ClearAcked drops every acked record, cover or not, from the live index. Cover
// records are never kept here once acked since nothing downstream reads
// them again; this only needs to catch records acked since the last
// sweep that SweepStale didn't already remove.
func (c *FragmentCache) ClearAcked() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cleared int
	for id, rec := range c.byID {
		if rec.Acked {
			delete(c.byID, id)
			c.removeFromTreeLocked(rec)
			cleared++
		}
	}
	return cleared
}

// Len reports the number of outstanding (unremoved) records, for metrics.
func (c *FragmentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}
