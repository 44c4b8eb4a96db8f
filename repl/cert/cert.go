// Package cert implements the certification engine: deterministic
// write-set key conflict detection against an index of recently committed
// transactions, dependency assignment and index garbage collection.
package cert

import (
	"sync"

	"github.com/google/btree"
	"github.com/ngaut/log"

	"github.com/pingcap-incubator/tinyrepl/repl/trx"
	"github.com/pingcap-incubator/tinyrepl/repl/writeset"
)

// TestResult of certifying one transaction.
type TestResult int

const (
	TestOK TestResult = iota
	TestFailed
)

func (r TestResult) String() string {
	if r == TestOK {
		return "TestOK"
	}
	return "TestFailed"
}

// sharedKeyProtoVersion is the first protocol version where two shared
// references to the same key do not conflict.
const sharedKeyProtoVersion = 4

const btreeDegree = 32

type keyRef struct {
	key    writeset.Key
	seqno  int64
	shared bool
}

type trxItem struct {
	t *trx.Trx
}

func (a trxItem) Less(b btree.Item) bool {
	return a.t.GlobalSeqno() < b.(trxItem).t.GlobalSeqno()
}

type seenItem struct {
	seqno int64
	count int
}

func (a seenItem) Less(b btree.Item) bool {
	return a.seqno < b.(seenItem).seqno
}

// Certification is the conflict index. All operations serialize on one
// mutex; the replicator additionally calls the mutating operations under
// the local order monitor so every node certifies in the same order.
type Certification struct {
	mu sync.Mutex

	protoVersion int
	position     int64
	safe         int64

	index    map[uint64][]keyRef
	trxMap   *btree.BTree
	lastSeen *btree.BTree
}

// New creates an empty index positioned at the given seqno.
func New(position int64, protoVersion int) *Certification {
	return &Certification{
		protoVersion: protoVersion,
		position:     position,
		safe:         position,
		index:        make(map[uint64][]keyRef),
		trxMap:       btree.New(btreeDegree),
		lastSeen:     btree.New(btreeDegree),
	}
}

// Position is the highest global seqno accepted into the index.
func (c *Certification) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// SafeToDiscard is the current GC horizon: the minimum last seen seqno
// among still-uncommitted index residents, or the index position when
// there are none. It never decreases.
func (c *Certification) SafeToDiscard() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	safe, _ := c.refreshSafeLocked()
	return safe
}

func (c *Certification) horizonLocked() int64 {
	if c.lastSeen.Len() == 0 {
		return c.position
	}
	return c.lastSeen.Min().(seenItem).seqno
}

func (c *Certification) refreshSafeLocked() (int64, bool) {
	if h := c.horizonLocked(); h > c.safe {
		c.safe = h
		return c.safe, true
	}
	return c.safe, false
}

func bothShared(a, b writeset.Key, protoVersion int) bool {
	if protoVersion < sharedKeyProtoVersion {
		return false
	}
	return a.Type() != writeset.KeyExclusive && b.Type() != writeset.KeyExclusive
}

// check computes the dependency and conflict verdict for t against the
// index. Caller holds the mutex.
func (c *Certification) checkLocked(t *trx.Trx) (depends int64, conflict bool) {
	depends = t.DependsSeqno()
	for _, k := range t.WriteSet().Keys() {
		for _, ref := range c.index[k.Hash()] {
			if ref.seqno <= t.LastSeenSeqno() || ref.seqno >= t.GlobalSeqno() {
				continue
			}
			if !ref.key.Equal(k) {
				continue
			}
			if ref.seqno > depends {
				depends = ref.seqno
			}
			if !bothShared(ref.key, k, c.protoVersion) {
				conflict = true
			}
		}
	}
	return depends, conflict
}

func (c *Certification) storeLocked(t *trx.Trx) {
	for _, k := range t.WriteSet().Keys() {
		h := k.Hash()
		c.index[h] = append(c.index[h], keyRef{
			key:    k,
			seqno:  t.GlobalSeqno(),
			shared: k.Type() != writeset.KeyExclusive,
		})
	}
	c.trxMap.ReplaceOrInsert(trxItem{t: t})
	c.seenAddLocked(t.LastSeenSeqno())
}

func (c *Certification) seenAddLocked(seqno int64) {
	if it := c.lastSeen.Get(seenItem{seqno: seqno}); it != nil {
		s := it.(seenItem)
		s.count++
		c.lastSeen.ReplaceOrInsert(s)
		return
	}
	c.lastSeen.ReplaceOrInsert(seenItem{seqno: seqno, count: 1})
}

func (c *Certification) seenRemoveLocked(seqno int64) {
	it := c.lastSeen.Get(seenItem{seqno: seqno})
	if it == nil {
		log.Warnf("cert: last seen seqno %d not tracked", seqno)
		return
	}
	s := it.(seenItem)
	s.count--
	if s.count == 0 {
		c.lastSeen.Delete(s)
	} else {
		c.lastSeen.ReplaceOrInsert(s)
	}
}

// AppendTrx certifies t and, on success or deterministic remote conflict,
// inserts its keys into the index. The transaction's depends seqno is set
// to the highest conflicting committed seqno inside the certification
// window, or stays -1.
//
// Local transactions fail certification when any concurrent transaction
// committed a conflicting key after t's last seen seqno (first committer
// wins). Remote transactions never fail here: their verdict is determined
// by global ordering and must match every other node.
func (c *Certification) AppendTrx(t *trx.Trx) TestResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.GlobalSeqno() <= c.position {
		log.Fatalf("cert: trx ordered out of sequence: %v, position %d", t, c.position)
	}

	depends, conflict := c.checkLocked(t)

	if conflict && t.IsLocal() {
		c.position = t.GlobalSeqno()
		return TestFailed
	}

	t.SetDependsSeqno(depends)
	t.SetCertified()
	c.storeLocked(t)
	c.position = t.GlobalSeqno()
	return TestOK
}

// Test re-runs the certification check without modifying the index; used
// to revalidate a BF-aborted transaction before replay.
func (c *Certification) Test(t *trx.Trx) TestResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	depends, conflict := c.checkLocked(t)
	if conflict && t.IsLocal() {
		return TestFailed
	}
	t.SetDependsSeqno(depends)
	return TestOK
}

// SetTrxCommitted marks t committed and recomputes the safe-to-discard
// horizon. It returns the new horizon and whether it advanced.
func (c *Certification) SetTrxCommitted(t *trx.Trx) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.IsCommitted() {
		return c.safe, false
	}
	t.SetCommitted()

	if c.trxMap.Get(trxItem{t: t}) == nil {
		// not a resident (e.g. certification failed), horizon unchanged
		return c.safe, false
	}
	c.seenRemoveLocked(t.LastSeenSeqno())
	return c.refreshSafeLocked()
}

// PurgeTrxsUpto removes index entries whose committing transaction has
// global seqno <= seqno. Under strict, the purge refuses to advance past
// the safe-to-discard horizon pinned by in-flight transactions.
func (c *Certification) PurgeTrxsUpto(seqno int64, strict bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strict && seqno > c.safe {
		log.Debugf("cert: purge %d clamped to safe-to-discard %d", seqno, c.safe)
		seqno = c.safe
	}

	var victims []trxItem
	c.trxMap.Ascend(func(it btree.Item) bool {
		ti := it.(trxItem)
		if ti.t.GlobalSeqno() > seqno {
			return false
		}
		victims = append(victims, ti)
		return true
	})
	for _, ti := range victims {
		c.trxMap.Delete(ti)
		if !ti.t.IsCommitted() {
			c.seenRemoveLocked(ti.t.LastSeenSeqno())
		}
		for _, k := range ti.t.WriteSet().Keys() {
			h := k.Hash()
			refs := c.index[h][:0]
			for _, ref := range c.index[h] {
				if ref.seqno != ti.t.GlobalSeqno() {
					refs = append(refs, ref)
				}
			}
			if len(refs) == 0 {
				delete(c.index, h)
			} else {
				c.index[h] = refs
			}
		}
	}
}

// AssignInitialPosition resets the index for a post-state-transfer start.
func (c *Certification) AssignInitialPosition(seqno int64, protoVersion int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.index = make(map[uint64][]keyRef)
	c.trxMap = btree.New(btreeDegree)
	c.lastSeen = btree.New(btreeDegree)
	c.position = seqno
	if seqno > c.safe {
		c.safe = seqno
	}
	c.protoVersion = protoVersion
}
