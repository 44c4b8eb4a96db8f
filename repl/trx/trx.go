// Package trx carries the per-transaction state driven by the replicator:
// sequence numbers assigned by the group layer, certification results and
// the state machine guarding the apply/commit pipeline.
package trx

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/pingcap-incubator/tinyrepl/repl/writeset"
)

// SeqnoUndefined marks a sequence number that has not been assigned yet.
const SeqnoUndefined int64 = -1

// TrxIDUndefined is the trx id of remote transactions and TOI actions.
const TrxIDUndefined uint64 = ^uint64(0)

// Flags carried in the replicated write set.
type Flags uint32

const (
	FlagCommit Flags = 1 << iota
	FlagRollback
	FlagIsolation
	FlagPaUnsafe
	FlagPreordered
)

// GTID is a global transaction identifier: the cluster state uuid plus a
// global seqno.
type GTID struct {
	UUID  uuid.UUID
	Seqno int64
}

// Meta is returned to the caller when a transaction has been ordered.
type Meta struct {
	GTID      GTID
	DependsOn int64
}

// Trx is one replicated unit of work. Callers must hold the transaction
// lock while inspecting or mutating it, except around group-layer sends
// which explicitly release it.
type Trx struct {
	mu sync.Mutex

	trxID    uint64
	sourceID uuid.UUID
	local    bool

	localSeqno    int64
	globalSeqno   int64
	lastSeenSeqno int64
	dependsSeqno  int64

	flags Flags
	state State

	writeSet *writeset.WriteSet
	action   []byte
	gcsHandle int64

	certified bool
	committed bool
	exitLoop  bool
}

// NewLocal creates a transaction originated on this node.
func NewLocal(sourceID uuid.UUID, trxID uint64, wsVersion int) *Trx {
	return &Trx{
		trxID:         trxID,
		sourceID:      sourceID,
		local:         true,
		localSeqno:    SeqnoUndefined,
		globalSeqno:   SeqnoUndefined,
		lastSeenSeqno: SeqnoUndefined,
		dependsSeqno:  SeqnoUndefined,
		state:         StateExecuting,
		writeSet:      writeset.NewWriteSet(wsVersion),
		gcsHandle:     -1,
	}
}

// NewRemote reconstructs a transaction from a delivered group action.
func NewRemote(sourceID uuid.UUID, action []byte, localSeqno, globalSeqno int64,
	lastSeenSeqno int64, flags Flags) (*Trx, error) {

	ws, err := writeset.Unserialize(action)
	if err != nil {
		return nil, err
	}
	return &Trx{
		trxID:         TrxIDUndefined,
		sourceID:      sourceID,
		local:         false,
		localSeqno:    localSeqno,
		globalSeqno:   globalSeqno,
		lastSeenSeqno: lastSeenSeqno,
		dependsSeqno:  SeqnoUndefined,
		flags:         flags,
		state:         StateReplicating,
		writeSet:      ws,
		action:        action,
		gcsHandle:     -1,
	}, nil
}

func (t *Trx) Lock()   { t.mu.Lock() }
func (t *Trx) Unlock() { t.mu.Unlock() }

func (t *Trx) TrxID() uint64         { return t.trxID }
func (t *Trx) SourceID() uuid.UUID   { return t.sourceID }
func (t *Trx) IsLocal() bool         { return t.local }
func (t *Trx) LocalSeqno() int64     { return t.localSeqno }
func (t *Trx) GlobalSeqno() int64    { return t.globalSeqno }
func (t *Trx) LastSeenSeqno() int64  { return t.lastSeenSeqno }
func (t *Trx) DependsSeqno() int64   { return t.dependsSeqno }
func (t *Trx) Flags() Flags          { return t.flags }
func (t *Trx) WriteSet() *writeset.WriteSet { return t.writeSet }
func (t *Trx) Action() []byte        { return t.action }
func (t *Trx) IsCertified() bool     { return t.certified }
func (t *Trx) IsCommitted() bool     { return t.committed }
func (t *Trx) IsTOI() bool           { return t.flags&FlagIsolation != 0 }
func (t *Trx) ExitLoop() bool        { return t.exitLoop }

func (t *Trx) SetFlags(f Flags)          { t.flags = f }
func (t *Trx) AddFlags(f Flags)          { t.flags |= f }
func (t *Trx) SetCertified()             { t.certified = true }
func (t *Trx) SetCommitted()             { t.committed = true }
func (t *Trx) SetExitLoop(v bool)        { t.exitLoop = v }
func (t *Trx) SetLastSeenSeqno(s int64)  { t.lastSeenSeqno = s }

// SetDependsSeqno may only move the dependency forward; the global seqno
// itself is immutable once assigned.
func (t *Trx) SetDependsSeqno(s int64) { t.dependsSeqno = s }

// SetReceived records the seqnos assigned by the group layer on delivery.
func (t *Trx) SetReceived(action []byte, localSeqno, globalSeqno int64) {
	t.action = action
	t.localSeqno = localSeqno
	t.globalSeqno = globalSeqno
}

// GCSHandle is the outstanding group send slot, -1 when none.
func (t *Trx) GCSHandle() int64     { return t.gcsHandle }
func (t *Trx) SetGCSHandle(h int64) { t.gcsHandle = h }

func (t *Trx) String() string {
	return fmt.Sprintf("trx(id %d local %v seqno l %d g %d last_seen %d depends %d state %v)",
		t.trxID, t.local, t.localSeqno, t.globalSeqno, t.lastSeenSeqno, t.dependsSeqno, t.state)
}
