package replicator

import (
	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/tinyrepl/repl/cert"
	"github.com/pingcap-incubator/tinyrepl/repl/monitor"
	"github.com/pingcap-incubator/tinyrepl/repl/trx"
)

// ToIsolationBegin enters all three monitors serially for a replicated
// isolation action. On nil return every transaction ordered before it has
// committed and the action holds its apply and commit order slots until
// ToIsolationEnd. The local order slot is left as soon as the action has
// certified, so later transactions may certify while it runs. The state
// file is marked unsafe for the duration since the action is not atomic
// with the position.
func (r *Replicator) ToIsolationBegin(t *trx.Trx, meta *trx.Meta) error {
	t.Lock()
	defer t.Unlock()

	if t.Flags()&trx.FlagIsolation == 0 {
		return errors.Errorf("trx %d is not an isolation action", t.GlobalSeqno())
	}
	if err := r.st.MarkUnsafe(); err != nil {
		log.Errorf("replicator: marking state unsafe for isolation: %v", err)
	}

	lo := monitor.LocalOrder{Seqno: t.LocalSeqno()}
	t.Unlock()
	err := r.localMonitor.Enter(lo)
	t.Lock()
	if err != nil {
		r.fatal(errors.Annotatef(err, "isolation action %d interrupted in local order", t.GlobalSeqno()))
	}
	res := r.cert.AppendTrx(t)
	r.localMonitor.Leave(lo)
	if res == cert.TestFailed {
		r.localCertFailures.Inc()
		certFailures.Inc()
		t.SetState(trx.StateMustAbort)
		r.cancelApplyCommit(t)
		r.cert.SetTrxCommitted(t)
		if serr := r.st.MarkSafe(); serr != nil {
			log.Errorf("replicator: unmarking state after failed isolation: %v", serr)
		}
		return errors.Trace(ErrTrxFail)
	}
	t.SetState(trx.StateCertifying)

	// Isolation depends on everything before it.
	t.SetDependsSeqno(t.GlobalSeqno() - 1)
	ao := monitor.ApplyOrder{GlobalSeqno: t.GlobalSeqno(), DependsSeqno: t.DependsSeqno()}
	t.Unlock()
	err = r.applyMonitor.Enter(ao)
	t.Lock()
	if err != nil {
		r.fatal(errors.Annotatef(err, "isolation action %d interrupted in apply order", t.GlobalSeqno()))
	}
	t.SetState(trx.StateApplying)

	if r.coMode.monitored() {
		co := r.commitOrder(t)
		t.Unlock()
		err = r.commitMonitor.Enter(co)
		t.Lock()
		if err != nil {
			r.fatal(errors.Annotatef(err, "isolation action %d interrupted in commit order", t.GlobalSeqno()))
		}
	}
	t.SetState(trx.StateCommitting)

	meta.GTID = trx.GTID{UUID: r.StateUUID(), Seqno: t.GlobalSeqno()}
	meta.DependsOn = t.DependsSeqno()
	return nil
}

// ToIsolationEnd releases the monitors held by ToIsolationBegin and
// records the action as committed.
func (r *Replicator) ToIsolationEnd(t *trx.Trx) error {
	t.Lock()
	defer t.Unlock()

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

	if err := r.st.MarkSafe(); err != nil {
		log.Errorf("replicator: unmarking state after isolation: %v", err)
	}
	return nil
}
