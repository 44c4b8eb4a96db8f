package replicator

import (
	"context"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/tinyrepl/repl/cert"
	"github.com/pingcap-incubator/tinyrepl/repl/gcs"
	"github.com/pingcap-incubator/tinyrepl/repl/monitor"
	"github.com/pingcap-incubator/tinyrepl/repl/trx"
)

// maxApplyAttempts bounds apply retries for recoverable failures.
const maxApplyAttempts = 4

// Replicate drives a local transaction from EXECUTING through total-order
// submission. On return with nil the transaction holds its place in the
// global order; the caller proceeds to PreCommit. The transaction lock is
// released around the group send so a concurrent AbortTrx can interrupt it.
func (r *Replicator) Replicate(t *trx.Trx, meta *trx.Meta) error {
	t.Lock()
	defer t.Unlock()

	if t.State() == trx.StateMustAbort {
		return errors.Trace(ErrTrxFail)
	}

	buf, err := t.WriteSet().Gather(nil)
	if err != nil {
		return errors.Trace(err)
	}
	if len(buf) > r.conf.MaxWriteSetSize {
		log.Warnf("replicator: write set of %d bytes exceeds limit %d", len(buf), r.conf.MaxWriteSetSize)
		return errors.Trace(ErrMaxWriteSetSize)
	}

	t.SetState(trx.StateReplicating)
	cacheHandle := r.store.Add(buf)

	handle, err := r.group.Schedule()
	if err != nil {
		r.freeCached(cacheHandle)
		t.SetState(trx.StateMustAbort)
		return errors.Trace(ErrConnFail)
	}
	t.SetGCSHandle(handle)

	var localSeqno, globalSeqno int64
	for {
		if t.State() == trx.StateMustAbort {
			r.freeCached(cacheHandle)
			t.SetGCSHandle(-1)
			return errors.Trace(ErrTrxFail)
		}
		t.SetLastSeenSeqno(r.lastCommitted())

		t.Unlock()
		l, g, rerr := r.group.Repl(buf, uint32(t.Flags()), handle)
		t.Lock()

		if rerr == gcs.ErrAgain {
			time.Sleep(time.Millisecond)
			continue
		}
		t.SetGCSHandle(-1)
		if rerr == gcs.ErrInterrupted {
			r.freeCached(cacheHandle)
			if t.State() != trx.StateMustAbort {
				t.SetState(trx.StateMustAbort)
			}
			return errors.Trace(ErrTrxFail)
		}
		if rerr != nil {
			r.freeCached(cacheHandle)
			if t.State() != trx.StateMustAbort {
				t.SetState(trx.StateMustAbort)
			}
			return errors.Trace(ErrConnFail)
		}
		localSeqno, globalSeqno = l, g
		break
	}

	t.SetReceived(buf, localSeqno, globalSeqno)
	if err := r.store.SeqnoAssign(cacheHandle, globalSeqno, trx.SeqnoUndefined); err != nil {
		log.Errorf("replicator: caching write set %d: %v", globalSeqno, err)
	}
	r.replicated.Inc()
	replicatedCounter.Inc()
	r.replicatedBytesN.Add(int64(len(buf)))
	replicatedBytes.Add(float64(len(buf)))

	if t.State() == trx.StateMustAbort {
		// Ordered, then BF-aborted: decide between rollback and replay.
		if r.certForAborted(t) == cert.TestFailed {
			r.cancelMonitors(t)
			return errors.Trace(ErrTrxFail)
		}
		t.SetState(trx.StateMustCertAndReplay)
		return errors.Trace(ErrBFAbort)
	}

	meta.GTID = trx.GTID{UUID: r.StateUUID(), Seqno: globalSeqno}
	meta.DependsOn = trx.SeqnoUndefined
	return nil
}

func (r *Replicator) freeCached(handle int64) {
	if err := r.store.Free(handle); err != nil {
		log.Warnf("replicator: releasing cached write set: %v", err)
	}
}

// certForAborted revalidates an ordered transaction that was BF-aborted
// before certification, to decide whether it may still replay.
func (r *Replicator) certForAborted(t *trx.Trx) cert.TestResult {
	return r.cert.Test(t)
}

// cancelMonitors releases every slot an ordered transaction reserved but
// will never enter.
func (r *Replicator) cancelMonitors(t *trx.Trx) {
	r.localMonitor.SelfCancel(monitor.LocalOrder{Seqno: t.LocalSeqno()})
	r.cancelApplyCommit(t)
}

func (r *Replicator) cancelApplyCommit(t *trx.Trx) {
	r.applyMonitor.SelfCancel(monitor.ApplyOrder{GlobalSeqno: t.GlobalSeqno(), DependsSeqno: t.DependsSeqno()})
	if r.coMode.monitored() {
		r.commitMonitor.SelfCancel(r.commitOrder(t))
	}
}

// certify runs certification for a local transaction under local order.
// Called with the transaction lock held; returns nil, ErrTrxFail or
// ErrBFAbort (local order wait interrupted, replay pending).
func (r *Replicator) certify(t *trx.Trx) error {
	lo := monitor.LocalOrder{Seqno: t.LocalSeqno()}

	t.Unlock()
	err := r.localMonitor.Enter(lo)
	t.Lock()

	if err == monitor.ErrInterrupted || errors.Cause(err) == monitor.ErrInterrupted {
		// The slot stays pending; the replay will re-enter it.
		if t.State() != trx.StateMustAbort {
			t.SetState(trx.StateMustAbort)
		}
		t.SetState(trx.StateMustCertAndReplay)
		return errors.Trace(ErrBFAbort)
	}

	res := r.cert.AppendTrx(t)
	r.localMonitor.Leave(lo)

	if res == cert.TestFailed {
		r.localCertFailures.Inc()
		certFailures.Inc()
		if t.State() != trx.StateMustAbort {
			t.SetState(trx.StateMustAbort)
		}
		r.cancelApplyCommit(t)
		r.cert.SetTrxCommitted(t)
		return errors.Trace(ErrTrxFail)
	}

	if t.State() == trx.StateMustAbort {
		// Certified, but a BF abort slipped in during the wait.
		t.SetState(trx.StateMustReplayAM)
		return errors.Trace(ErrBFAbort)
	}
	t.SetState(trx.StateCertifying)
	return nil
}

// PreCommit takes a replicated transaction through certification and into
// the commit critical section. On nil return the transaction is in
// COMMITTING holding its apply and commit order slots; the caller performs
// its commit work and then calls InterimCommit and PostCommit. A fragment
// without the commit flag instead returns nil in EXECUTING with both slots
// already released. ErrBFAbort means the caller must invoke ReplayTrx.
func (r *Replicator) PreCommit(t *trx.Trx, meta *trx.Meta) error {
	t.Lock()
	defer t.Unlock()

	if err := r.certify(t); err != nil {
		return err
	}

	ao := monitor.ApplyOrder{GlobalSeqno: t.GlobalSeqno(), DependsSeqno: t.DependsSeqno()}
	t.Unlock()
	err := r.applyMonitor.Enter(ao)
	t.Lock()
	if err != nil {
		if t.State() != trx.StateMustAbort {
			t.SetState(trx.StateMustAbort)
		}
		t.SetState(trx.StateMustReplayAM)
		return errors.Trace(ErrBFAbort)
	}
	if t.State() == trx.StateMustAbort {
		t.SetState(trx.StateMustReplayCM)
		return errors.Trace(ErrBFAbort)
	}
	t.SetState(trx.StateApplying)

	if t.Flags()&trx.FlagCommit == 0 {
		// Fragment without commit: release the pipeline and hand the
		// transaction back for more work.
		if r.coMode.monitored() {
			r.commitMonitor.SelfCancel(r.commitOrder(t))
		}
		t.SetState(trx.StateExecuting)
		r.applyMonitor.Leave(ao)
		return nil
	}

	if r.coMode.monitored() {
		co := r.commitOrder(t)
		t.Unlock()
		err = r.commitMonitor.Enter(co)
		t.Lock()
		if err != nil {
			if t.State() != trx.StateMustAbort {
				t.SetState(trx.StateMustAbort)
			}
			t.SetState(trx.StateMustReplayCM)
			return errors.Trace(ErrBFAbort)
		}
		if t.State() == trx.StateMustAbort {
			t.SetState(trx.StateMustReplay)
			return errors.Trace(ErrBFAbort)
		}
	}
	t.SetState(trx.StateCommitting)

	meta.GTID = trx.GTID{UUID: r.StateUUID(), Seqno: t.GlobalSeqno()}
	meta.DependsOn = t.DependsSeqno()
	return nil
}

// InterimCommit releases the commit order slot once the commit record is
// durable, letting the next transaction into the commit critical section.
func (r *Replicator) InterimCommit(t *trx.Trx) error {
	t.Lock()
	defer t.Unlock()
	if r.coMode.monitored() {
		r.commitMonitor.Leave(r.commitOrder(t))
	}
	return nil
}

// PostCommit finishes a committed transaction: reports it to the
// certification index and releases the apply order slot.
func (r *Replicator) PostCommit(t *trx.Trx) error {
	t.Lock()
	defer t.Unlock()

	t.SetState(trx.StateCommitted)
	safe, advanced := r.cert.SetTrxCommitted(t)
	if advanced {
		if err := r.group.ReportLastApplied(safe); err != nil {
			log.Debugf("replicator: reporting last applied %d: %v", safe, err)
		}
	}
	r.applyMonitor.Leave(monitor.ApplyOrder{GlobalSeqno: t.GlobalSeqno(), DependsSeqno: t.DependsSeqno()})
	r.localCommits.Inc()
	return nil
}

// PostRollback finishes a locally aborted transaction.
func (r *Replicator) PostRollback(t *trx.Trx) {
	t.Lock()
	defer t.Unlock()
	switch t.State() {
	case trx.StateExecuting, trx.StateMustAbort:
		t.SetState(trx.StateAborting)
		t.SetState(trx.StateRolledBack)
	case trx.StateAborting:
		t.SetState(trx.StateRolledBack)
	case trx.StateRolledBack:
	default:
		log.Warnf("replicator: post rollback in state %v", t.State())
	}
}

// AbortTrx brute-force aborts a local transaction on behalf of an earlier
// conflicting one. It interrupts whatever the victim is blocked on and
// never waits. Past the commit horizon the abort is swallowed.
func (r *Replicator) AbortTrx(t *trx.Trx) {
	t.Lock()
	defer t.Unlock()

	switch t.State() {
	case trx.StateExecuting:
		t.SetState(trx.StateMustAbort)
	case trx.StateReplicating:
		t.SetState(trx.StateMustAbort)
		if t.LocalSeqno() >= 0 {
			// Ordered and waiting to certify.
			r.localMonitor.Interrupt(monitor.LocalOrder{Seqno: t.LocalSeqno()})
		} else if h := t.GCSHandle(); h >= 0 {
			if err := r.group.Interrupt(h); err != nil {
				log.Debugf("replicator: interrupting send %d: %v", h, err)
			}
		}
	case trx.StateCertifying:
		t.SetState(trx.StateMustAbort)
		r.applyMonitor.Interrupt(monitor.ApplyOrder{GlobalSeqno: t.GlobalSeqno(), DependsSeqno: t.DependsSeqno()})
	case trx.StateApplying:
		t.SetState(trx.StateMustAbort)
		if r.coMode.monitored() {
			r.commitMonitor.Interrupt(r.commitOrder(t))
		}
	case trx.StateCommitting:
		log.Debugf("replicator: BF abort for trx %d past commit horizon, ignored", t.GlobalSeqno())
	default:
		// Already aborting or replaying, nothing to interrupt.
	}
}

// ReplayTrx re-runs a BF-aborted transaction at its original global seqno.
// Replays win every conflict: the apply order dependency is tightened to
// the directly preceding seqno.
func (r *Replicator) ReplayTrx(ctx context.Context, t *trx.Trx) error {
	t.Lock()
	defer t.Unlock()

	r.localReplays.Inc()
	localReplaysCounter.Inc()

	if t.State() == trx.StateMustCertAndReplay {
		lo := monitor.LocalOrder{Seqno: t.LocalSeqno()}
		t.Unlock()
		err := r.localMonitor.Enter(lo)
		t.Lock()
		if err != nil {
			r.fatal(errors.Annotatef(err, "replay of trx %d interrupted in local order", t.GlobalSeqno()))
		}
		res := r.cert.AppendTrx(t)
		r.localMonitor.Leave(lo)
		if res == cert.TestFailed {
			r.localCertFailures.Inc()
			certFailures.Inc()
			t.SetState(trx.StateMustAbort)
			r.cancelApplyCommit(t)
			r.cert.SetTrxCommitted(t)
			return errors.Trace(ErrTrxFail)
		}
		t.SetState(trx.StateMustReplayAM)
	}

	if t.State() == trx.StateMustReplayAM {
		t.SetDependsSeqno(t.GlobalSeqno() - 1)
		ao := monitor.ApplyOrder{GlobalSeqno: t.GlobalSeqno(), DependsSeqno: t.DependsSeqno()}
		t.Unlock()
		err := r.applyMonitor.Enter(ao)
		t.Lock()
		if err != nil {
			r.fatal(errors.Annotatef(err, "replay of trx %d interrupted in apply order", t.GlobalSeqno()))
		}
		t.SetState(trx.StateMustReplayCM)
	}

	if t.State() == trx.StateMustReplayCM {
		if r.coMode.monitored() {
			co := r.commitOrder(t)
			t.Unlock()
			err := r.commitMonitor.Enter(co)
			t.Lock()
			if err != nil {
				r.fatal(errors.Annotatef(err, "replay of trx %d interrupted in commit order", t.GlobalSeqno()))
			}
		}
		t.SetState(trx.StateMustReplay)
	}

	if t.State() != trx.StateMustReplay {
		log.Fatalf("replicator: replay of trx %d in state %v", t.GlobalSeqno(), t.State())
	}
	t.SetState(trx.StateReplaying)

	meta := &trx.Meta{
		GTID:      trx.GTID{UUID: r.StateUUID(), Seqno: t.GlobalSeqno()},
		DependsOn: t.DependsSeqno(),
	}
	if err := r.applyTrxWS(ctx, t, meta); err != nil {
		r.fatal(errors.Annotatef(err, "replaying trx %d", t.GlobalSeqno()))
	}
	if err := r.handler.Commit(ctx, meta, true); err != nil {
		r.fatal(errors.Annotatef(err, "committing replayed trx %d", t.GlobalSeqno()))
	}
	if r.coMode.monitored() {
		r.commitMonitor.Leave(r.commitOrder(t))
	}
	t.SetState(trx.StateCommitted)
	safe, advanced := r.cert.SetTrxCommitted(t)
	if advanced {
		if err := r.group.ReportLastApplied(safe); err != nil {
			log.Debugf("replicator: reporting last applied %d: %v", safe, err)
		}
	}
	r.applyMonitor.Leave(monitor.ApplyOrder{GlobalSeqno: t.GlobalSeqno(), DependsSeqno: t.DependsSeqno()})
	r.localCommits.Inc()
	return nil
}

// ApplyTrx runs a certified remote transaction through the apply and
// commit pipeline.
func (r *Replicator) ApplyTrx(ctx context.Context, t *trx.Trx) error {
	ao := monitor.ApplyOrder{GlobalSeqno: t.GlobalSeqno(), DependsSeqno: t.DependsSeqno()}
	if err := r.applyMonitor.Enter(ao); err != nil {
		return errors.Annotatef(err, "trx %d apply order", t.GlobalSeqno())
	}
	t.SetState(trx.StateApplying)

	meta := &trx.Meta{
		GTID:      trx.GTID{UUID: r.StateUUID(), Seqno: t.GlobalSeqno()},
		DependsOn: t.DependsSeqno(),
	}
	if err := r.applyTrxWS(ctx, t, meta); err != nil {
		return err
	}

	coEntered := false
	if r.coMode.monitored() {
		if err := r.commitMonitor.Enter(r.commitOrder(t)); err != nil {
			return errors.Annotatef(err, "trx %d commit order", t.GlobalSeqno())
		}
		coEntered = true
	}
	t.SetState(trx.StateCommitting)
	if err := r.handler.Commit(ctx, meta, true); err != nil {
		return errors.Annotatef(err, "trx %d commit", t.GlobalSeqno())
	}
	if coEntered {
		r.commitMonitor.Leave(r.commitOrder(t))
	}
	t.SetState(trx.StateCommitted)

	safe, advanced := r.cert.SetTrxCommitted(t)
	if advanced {
		if err := r.group.ReportLastApplied(safe); err != nil {
			log.Debugf("replicator: reporting last applied %d: %v", safe, err)
		}
	}
	r.applyMonitor.Leave(ao)
	return nil
}

// applyTrxWS invokes the apply callback with bounded retries. Recoverable
// failures roll back via the commit callback and try again; TOI actions
// tolerate failure.
func (r *Replicator) applyTrxWS(ctx context.Context, t *trx.Trx, meta *trx.Meta) error {
	data := t.Action()
	for attempt := 1; ; attempt++ {
		err := r.handler.Apply(ctx, t.Flags(), meta, data)
		if err == nil {
			return nil
		}
		if t.IsTOI() {
			log.Warnf("replicator: ignoring error for TOI action %d: %v", t.GlobalSeqno(), err)
			return nil
		}
		ae, ok := errors.Cause(err).(*ApplyError)
		if ok && ae.Recoverable() && attempt < maxApplyAttempts {
			log.Warnf("replicator: apply attempt %d/%d for trx %d failed: %v",
				attempt, maxApplyAttempts, t.GlobalSeqno(), err)
			if cerr := r.handler.Commit(ctx, meta, false); cerr != nil {
				return errors.Annotatef(cerr, "trx %d rollback", t.GlobalSeqno())
			}
			continue
		}
		return errors.Annotatef(err, "trx %d apply failed after %d attempts", t.GlobalSeqno(), attempt)
	}
}
