package replicator

import (
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/tinyrepl/repl/monitor"
	"github.com/pingcap-incubator/tinyrepl/repl/statefile"
	"github.com/pingcap-incubator/tinyrepl/repl/trx"
)

// Pause drains the pipeline and takes the local order for the caller's
// exclusive use. No new write set can certify until Resume. Returns the
// position the node is paused at, which is also recorded in the state
// file so a state snapshot taken now carries its seqno.
func (r *Replicator) Pause() (int64, error) {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	if r.paused {
		return trx.SeqnoUndefined, errors.New("already paused")
	}

	lo := monitor.LocalOrder{Seqno: r.group.LocalSequence()}
	if err := r.localMonitor.Enter(lo); err != nil {
		return trx.SeqnoUndefined, errors.Trace(err)
	}

	position := r.cert.Position()
	r.applyMonitor.Drain(position)
	if r.coMode.monitored() {
		r.commitMonitor.Drain(position)
	}

	r.mu.Lock()
	id := r.stateUUID
	single := r.memberNum <= 1
	r.mu.Unlock()
	if err := r.st.Set(id, position, single); err != nil {
		log.Errorf("replicator: saving state at pause: %v", err)
	}

	r.paused = true
	r.pauseOrder = lo
	log.Infof("replicator: paused at %d", position)
	return position, nil
}

// Resume releases the local order taken by Pause. The recorded position is
// invalidated again: the node is about to move past it.
func (r *Replicator) Resume() {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	if !r.paused {
		log.Warnf("replicator: resume without pause")
		return
	}

	r.mu.Lock()
	id := r.stateUUID
	single := r.memberNum <= 1
	r.mu.Unlock()
	if err := r.st.Set(id, statefile.SeqnoUndefined, single); err != nil {
		log.Errorf("replicator: saving state at resume: %v", err)
	}

	r.localMonitor.Leave(r.pauseOrder)
	r.paused = false
	log.Infof("replicator: resumed")
}

// CausalRead blocks until this node has applied everything the group had
// ordered at the time of the call, then returns the GTID the reads are
// causal with. Times out per configuration.
func (r *Replicator) CausalRead() (trx.GTID, error) {
	deadline := time.Now().Add(r.conf.CausalReadDuration())

	tail, err := r.group.Caused(deadline)
	if err != nil {
		return trx.GTID{}, errors.Trace(ErrConnFail)
	}
	if err := r.applyMonitor.Wait(tail, deadline); err != nil {
		return trx.GTID{}, errors.Annotatef(err, "causal read at %d", tail)
	}

	r.causalReads.Inc()
	causalReadsCounter.Inc()
	return trx.GTID{UUID: r.StateUUID(), Seqno: tail}, nil
}

// Desync shifts the node to DONOR so it may fall behind the group, for
// example while serving a state snapshot. The shift is ordered on the
// local sequence so it lands between write sets, not inside one.
func (r *Replicator) Desync() error {
	switch s := r.state.Get(); s {
	case StateSynced, StateJoined, StateConnected:
	default:
		return errors.Errorf("cannot desync in state %v", s)
	}

	seqno, err := r.group.Desync()
	if err != nil {
		return errors.Trace(ErrConnFail)
	}
	lo := monitor.LocalOrder{Seqno: seqno}
	if err := r.localMonitor.Enter(lo); err != nil {
		return errors.Trace(err)
	}
	r.state.ShiftTo(StateDonor)
	r.localMonitor.Leave(lo)
	return nil
}

// Resync returns a donor to the joined state and asks the group to sync it
// back up.
func (r *Replicator) Resync() error {
	if s := r.state.Get(); s != StateDonor {
		return errors.Errorf("cannot resync in state %v", s)
	}
	r.state.ShiftTo(StateJoined)
	return errors.Trace(r.group.Join(r.cert.Position()))
}
