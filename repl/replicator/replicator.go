// Package replicator drives write sets through the replication pipeline:
// total-order submission to the group, serial certification under local
// order, parallel apply under apply order and serialized commit under
// commit order. It owns the node state machine and the recovery state.
package replicator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/pingcap-incubator/tinyrepl/config"
	"github.com/pingcap-incubator/tinyrepl/repl/cert"
	"github.com/pingcap-incubator/tinyrepl/repl/gcache"
	"github.com/pingcap-incubator/tinyrepl/repl/gcs"
	"github.com/pingcap-incubator/tinyrepl/repl/monitor"
	"github.com/pingcap-incubator/tinyrepl/repl/statefile"
	"github.com/pingcap-incubator/tinyrepl/repl/trx"
	"github.com/pingcap-incubator/tinyrepl/repl/writeset"
)

// CommitOrderMode controls how strictly commits are serialized.
type CommitOrderMode int

const (
	// CommitOrderNormal serializes every commit in global seqno order.
	CommitOrderNormal CommitOrderMode = iota
	// CommitOrderBypass disables the commit monitor entirely.
	CommitOrderBypass
	// CommitOrderTrailing enforces commit order for remote actions only.
	CommitOrderTrailing
	// CommitOrderOOOC allows out-of-order commit for everything.
	CommitOrderOOOC
)

func parseCommitOrder(s string) CommitOrderMode {
	switch s {
	case "BYPASS":
		return CommitOrderBypass
	case "TRAILING":
		return CommitOrderTrailing
	case "OOOC":
		return CommitOrderOOOC
	}
	return CommitOrderNormal
}

// monitored reports whether the commit monitor is in use at all. Modes
// other than BYPASS keep entering it so the position stays dense, and
// relax only the entry condition.
func (m CommitOrderMode) monitored() bool {
	return m != CommitOrderBypass
}

func (m CommitOrderMode) commitMode() monitor.CommitMode {
	switch m {
	case CommitOrderTrailing:
		return monitor.CommitLocalOOOC
	case CommitOrderOOOC:
		return monitor.CommitOOOC
	}
	return monitor.CommitNoOOOC
}

// Replicator is the replication provider for one node.
type Replicator struct {
	conf     *config.Config
	sourceID uuid.UUID
	group    gcs.Group
	handler  EventHandler

	st    *statefile.File
	store *gcache.Store

	state *nodeState
	cert  *cert.Certification

	localMonitor  *monitor.Monitor
	applyMonitor  *monitor.Monitor
	commitMonitor *monitor.Monitor

	coMode CommitOrderMode

	mu           sync.Mutex
	stateUUID    uuid.UUID
	protoVersion int
	trxVersion   int
	memberNum    int

	pauseMu    sync.Mutex
	paused     bool
	pauseOrder monitor.LocalOrder

	replicated        atomic.Int64
	replicatedBytesN  atomic.Int64
	received          atomic.Int64
	localCommits      atomic.Int64
	localCertFailures atomic.Int64
	localReplays      atomic.Int64
	causalReads       atomic.Int64
}

// Stats is a snapshot of the replicator counters.
type Stats struct {
	Replicated        int64
	ReplicatedBytes   int64
	Received          int64
	LocalCommits      int64
	LocalCertFailures int64
	LocalReplays      int64
	CausalReads       int64
}

// New builds a replicator over the given group transport. The recovered
// position from grastate.dat seeds the certification index, the monitors
// and the group.
func New(conf *config.Config, sourceID uuid.UUID, group gcs.Group, handler EventHandler) (*Replicator, error) {
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	st, err := statefile.Open(conf.StateFilePath())
	if err != nil {
		return nil, errors.Trace(err)
	}
	store, err := gcache.Open(conf.GCachePath(), &conf.Engine)
	if err != nil {
		return nil, errors.Trace(err)
	}

	saved := st.Get()
	position := saved.Seqno
	if position < 0 {
		position = 0
	}
	proto := conf.ProtoMax
	r := &Replicator{
		conf:          conf,
		sourceID:      sourceID,
		group:         group,
		handler:       handler,
		st:            st,
		store:         store,
		state:         newNodeState(),
		cert:          cert.New(position, trxProtoVersion(proto)),
		localMonitor:  monitor.New(0),
		applyMonitor:  monitor.New(position),
		commitMonitor: monitor.New(position),
		coMode:        parseCommitOrder(conf.CommitOrder),
		stateUUID:     saved.UUID,
		protoVersion:  proto,
		trxVersion:    trxProtoVersion(proto),
	}
	return r, nil
}

// trxProtoVersion maps a group protocol version to the write-set version
// spoken at that protocol.
func trxProtoVersion(proto int) int {
	switch {
	case proto < 3:
		return 1
	case proto < 5:
		return 2
	case proto < 8:
		return 3
	default:
		return 4
	}
}

func (r *Replicator) keyVersion() int {
	if r.conf.KeyFormat == 0 {
		return writeset.KeyVersion0
	}
	return writeset.KeyVersion1
}

// NewTrx starts a local transaction owned by the calling thread.
func (r *Replicator) NewTrx(trxID uint64) *trx.Trx {
	return trx.NewLocal(r.sourceID, trxID, r.keyVersion())
}

// State returns the node state.
func (r *Replicator) State() State { return r.state.Get() }

// WaitSynced blocks until the node reaches SYNCED.
func (r *Replicator) WaitSynced(timeout time.Duration) error {
	return r.state.WaitFor(StateSynced, timeout)
}

// StateUUID is the cluster state identity of the current primary view.
func (r *Replicator) StateUUID() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateUUID
}

// Position is the highest seqno certified on this node.
func (r *Replicator) Position() int64 { return r.cert.Position() }

// Stats snapshots the counters.
func (r *Replicator) Stats() Stats {
	return Stats{
		Replicated:        r.replicated.Load(),
		ReplicatedBytes:   r.replicatedBytesN.Load(),
		Received:          r.received.Load(),
		LocalCommits:      r.localCommits.Load(),
		LocalCertFailures: r.localCertFailures.Load(),
		LocalReplays:      r.localReplays.Load(),
		CausalReads:       r.causalReads.Load(),
	}
}

// commitOrder builds t's commit monitor slot under the configured mode.
func (r *Replicator) commitOrder(t *trx.Trx) monitor.CommitOrder {
	return monitor.CommitOrder{
		GlobalSeqno: t.GlobalSeqno(),
		Local:       t.IsLocal(),
		Mode:        r.coMode.commitMode(),
	}
}

// lastCommitted is the highest seqno up to which every transaction has
// committed.
func (r *Replicator) lastCommitted() int64 {
	if !r.coMode.monitored() {
		return r.applyMonitor.LastLeft()
	}
	return r.commitMonitor.LastLeft()
}

// Connect joins (or bootstraps) the group and shifts CLOSED -> CONNECTED.
func (r *Replicator) Connect(clusterName, url string, bootstrap bool) error {
	saved := r.st.Get()
	if bootstrap && !saved.SafeToBootstrap {
		log.Errorf("replicator: it may not be safe to bootstrap the cluster from this node, "+
			"last position %v:%d", saved.UUID, saved.Seqno)
		return errors.Trace(ErrNodeFail)
	}
	if saved.UUID != uuid.Nil && saved.Seqno >= 0 {
		if err := r.group.SetInitialPosition(saved.UUID, saved.Seqno); err != nil {
			return errors.Trace(ErrConnFail)
		}
	}
	if err := r.group.Connect(clusterName, url, bootstrap); err != nil {
		return errors.Trace(ErrConnFail)
	}
	r.state.ShiftTo(StateConnected)
	return nil
}

// Close leaves the group. AsyncRecv drains the remaining actions and
// completes the shift to CLOSED.
func (r *Replicator) Close() error {
	s := r.state.Get()
	if s == StateClosed || s == StateClosing {
		return nil
	}
	r.state.ShiftTo(StateClosing)
	return errors.Trace(r.group.Close())
}

// AsyncRecv is the receive loop: it pulls ordered actions from the group
// and dispatches them until the connection closes.
func (r *Replicator) AsyncRecv(ctx context.Context) error {
	for {
		a, err := r.group.Recv(ctx)
		if err == gcs.ErrClosed {
			r.shutdown()
			return nil
		}
		if err != nil {
			return errors.Trace(err)
		}
		switch a.Kind {
		case gcs.ActionTordered:
			r.processTrx(ctx, a)
		case gcs.ActionCommitCut:
			r.processCommitCut(a)
		case gcs.ActionConfChange:
			r.processConfChange(a)
		case gcs.ActionJoin:
			r.processJoin(a)
		case gcs.ActionSync:
			r.processSync(a)
		case gcs.ActionUnordered:
			r.handler.Unordered(a.Data)
		default:
			log.Warnf("replicator: unknown action kind %v", a.Kind)
		}
	}
}

func (r *Replicator) shutdown() {
	if r.state.Get() == StateClosing {
		r.state.ShiftTo(StateClosed)
	}
	r.mu.Lock()
	id := r.stateUUID
	single := r.memberNum <= 1
	r.mu.Unlock()
	if err := r.st.Set(id, r.lastCommitted(), single); err != nil {
		log.Errorf("replicator: saving state on shutdown: %v", err)
	}
	if err := r.store.Close(); err != nil {
		log.Errorf("replicator: closing write-set cache: %v", err)
	}
}

// processTrx certifies and applies one remote write set.
func (r *Replicator) processTrx(ctx context.Context, a *gcs.Action) {
	r.received.Inc()
	receivedCounter.Inc()

	t, err := trx.NewRemote(a.SourceID, a.Data, a.LocalSeqno, a.GlobalSeqno, a.LastSeen, trx.Flags(a.Flags))
	if err != nil {
		log.Errorf("replicator: corrupted write set at seqno %d: %v", a.GlobalSeqno, err)
		r.cancelSeqnos(a.LocalSeqno, a.GlobalSeqno)
		return
	}

	lo := monitor.LocalOrder{Seqno: t.LocalSeqno()}
	if err := r.localMonitor.Enter(lo); err != nil {
		log.Fatalf("replicator: receive thread interrupted in local order: %v", err)
	}
	res := r.cert.AppendTrx(t)
	r.localMonitor.Leave(lo)

	if res != cert.TestOK {
		// Deterministic for every node; nothing to apply.
		r.applyMonitor.SelfCancel(monitor.ApplyOrder{GlobalSeqno: t.GlobalSeqno(), DependsSeqno: t.DependsSeqno()})
		if r.coMode.monitored() {
			r.commitMonitor.SelfCancel(r.commitOrder(t))
		}
		r.cert.SetTrxCommitted(t)
		return
	}
	t.SetState(trx.StateCertifying)
	if err := r.store.AddOrdered(t.GlobalSeqno(), t.DependsSeqno(), a.Data); err != nil {
		log.Errorf("replicator: caching write set %d: %v", t.GlobalSeqno(), err)
	}
	if err := r.ApplyTrx(ctx, t); err != nil {
		r.fatal(errors.Annotatef(err, "applying trx %d", t.GlobalSeqno()))
	}
}

// cancelSeqnos releases the monitor slots of an action that cannot be
// processed.
func (r *Replicator) cancelSeqnos(localSeqno, globalSeqno int64) {
	r.localMonitor.SelfCancel(monitor.LocalOrder{Seqno: localSeqno})
	if globalSeqno >= 0 {
		r.applyMonitor.SelfCancel(monitor.ApplyOrder{GlobalSeqno: globalSeqno, DependsSeqno: globalSeqno - 1})
		if r.coMode.monitored() {
			r.commitMonitor.SelfCancel(monitor.CommitOrder{GlobalSeqno: globalSeqno, Mode: r.coMode.commitMode()})
		}
	}
}

func (r *Replicator) processCommitCut(a *gcs.Action) {
	lo := monitor.LocalOrder{Seqno: a.LocalSeqno}
	if err := r.localMonitor.Enter(lo); err != nil {
		log.Fatalf("replicator: receive thread interrupted in local order: %v", err)
	}
	r.cert.PurgeTrxsUpto(a.GlobalSeqno, true)
	horizon := r.cert.SafeToDiscard()
	if a.GlobalSeqno < horizon {
		horizon = a.GlobalSeqno
	}
	if err := r.store.Purge(horizon); err != nil {
		log.Errorf("replicator: purging write-set cache to %d: %v", horizon, err)
	}
	r.localMonitor.Leave(lo)
}

func (r *Replicator) processConfChange(a *gcs.Action) {
	view := a.View
	lo := monitor.LocalOrder{Seqno: a.LocalSeqno}
	if err := r.localMonitor.Enter(lo); err != nil {
		log.Fatalf("replicator: receive thread interrupted in local order: %v", err)
	}
	defer r.localMonitor.Leave(lo)

	// No transaction ordered before this view may still be in flight.
	position := r.cert.Position()
	r.applyMonitor.Drain(position)
	if r.coMode.monitored() {
		r.commitMonitor.Drain(position)
	}

	if !view.Primary {
		log.Warnf("replicator: non-primary view, members %d", view.MemberNum)
		if err := r.handler.ViewChange(view); err != nil {
			r.fatal(errors.Annotate(err, "view callback failed"))
		}
		s := r.state.Get()
		if s != StateClosing && s != StateClosed {
			r.state.ShiftTo(StateConnected)
		}
		return
	}

	r.establishProtocolVersions(view.ProtoVersion)
	r.mu.Lock()
	r.stateUUID = view.StateUUID
	r.memberNum = view.MemberNum
	id := r.stateUUID
	single := view.MemberNum == 1
	r.mu.Unlock()

	// The last node standing is the one a new cluster may form from.
	if err := r.st.Set(id, r.lastCommitted(), single); err != nil {
		log.Errorf("replicator: saving state at view %d: %v", view.ViewSeqno, err)
	}

	if err := r.handler.ViewChange(view); err != nil {
		r.fatal(errors.Annotate(err, "view callback failed"))
	}

	if r.state.Get() == StateConnected {
		r.state.ShiftTo(StateJoined)
		if err := r.group.Join(position); err != nil {
			log.Errorf("replicator: join at %d: %v", position, err)
		}
	}
}

// establishProtocolVersions negotiates the protocol spoken with the group
// and derives the write-set version from it.
func (r *Replicator) establishProtocolVersions(groupProto int) {
	proto := groupProto
	if r.conf.ProtoMax < proto {
		proto = r.conf.ProtoMax
	}
	r.mu.Lock()
	r.protoVersion = proto
	r.trxVersion = trxProtoVersion(proto)
	r.mu.Unlock()
	log.Infof("replicator: protocol version %d, write-set version %d", proto, trxProtoVersion(proto))
}

func (r *Replicator) processJoin(a *gcs.Action) {
	lo := monitor.LocalOrder{Seqno: a.LocalSeqno}
	if err := r.localMonitor.Enter(lo); err != nil {
		log.Fatalf("replicator: receive thread interrupted in local order: %v", err)
	}
	log.Infof("replicator: member %v joined at seqno %d", a.SourceID, a.GlobalSeqno)
	if r.state.Get() == StateJoining {
		r.state.ShiftTo(StateJoined)
	}
	r.localMonitor.Leave(lo)
}

func (r *Replicator) processSync(a *gcs.Action) {
	lo := monitor.LocalOrder{Seqno: a.LocalSeqno}
	if err := r.localMonitor.Enter(lo); err != nil {
		log.Fatalf("replicator: receive thread interrupted in local order: %v", err)
	}
	if s := r.state.Get(); s == StateJoined {
		r.state.ShiftTo(StateSynced)
		r.handler.Synced()
	} else {
		log.Debugf("replicator: sync event in state %v ignored", s)
	}
	r.localMonitor.Leave(lo)
}

// fatal persists the corruption marker, cuts the node off the group and
// aborts the process. Returning is not an option: ordering guarantees are
// already broken.
func (r *Replicator) fatal(err error) {
	if serr := r.st.MarkCorrupt(); serr != nil {
		log.Errorf("replicator: marking state corrupt: %v", serr)
	}
	r.group.Isolate()
	log.Fatalf("replicator: unrecoverable failure: %v", err)
}
