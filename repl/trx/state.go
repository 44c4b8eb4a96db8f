package trx

import (
	"github.com/ngaut/log"
)

// State of a transaction in the replication pipeline.
type State int

const (
	StateExecuting State = iota
	StateMustAbort
	StateAborting
	StateRolledBack
	StateReplicating
	StateCertifying
	StateMustCertAndReplay
	StateMustReplayAM
	StateMustReplayCM
	StateMustReplay
	StateReplaying
	StateApplying
	StateCommitting
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateExecuting:
		return "EXECUTING"
	case StateMustAbort:
		return "MUST_ABORT"
	case StateAborting:
		return "ABORTING"
	case StateRolledBack:
		return "ROLLED_BACK"
	case StateReplicating:
		return "REPLICATING"
	case StateCertifying:
		return "CERTIFYING"
	case StateMustCertAndReplay:
		return "MUST_CERT_AND_REPLAY"
	case StateMustReplayAM:
		return "MUST_REPLAY_AM"
	case StateMustReplayCM:
		return "MUST_REPLAY_CM"
	case StateMustReplay:
		return "MUST_REPLAY"
	case StateReplaying:
		return "REPLAYING"
	case StateApplying:
		return "APPLYING"
	case StateCommitting:
		return "COMMITTING"
	case StateCommitted:
		return "COMMITTED"
	}
	return "UNKNOWN"
}

var transitions = map[State][]State{
	StateExecuting:         {StateReplicating, StateMustAbort, StateAborting, StateRolledBack},
	StateReplicating:       {StateCertifying, StateMustAbort},
	StateCertifying:        {StateApplying, StateMustAbort},
	StateApplying:          {StateCommitting, StateExecuting, StateMustAbort, StateMustReplayAM},
	StateCommitting:        {StateCommitted, StateMustAbort, StateMustReplayCM},
	StateMustAbort:         {StateAborting, StateMustCertAndReplay, StateMustReplayAM, StateMustReplayCM, StateMustReplay},
	StateMustCertAndReplay: {StateMustReplayAM, StateMustAbort},
	StateMustReplayAM:      {StateMustReplayCM},
	StateMustReplayCM:      {StateMustReplay},
	StateMustReplay:        {StateReplaying},
	StateReplaying:         {StateCommitted},
	StateAborting:          {StateRolledBack},
	StateCommitted:         nil,
	StateRolledBack:        nil,
}

func legalTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SetState drives the state machine. An illegal transition is a
// programming error and aborts the process.
func (t *Trx) SetState(to State) {
	if !legalTransition(t.state, to) {
		log.Fatalf("trx %d: illegal state transition %v -> %v", t.trxID, t.state, to)
	}
	t.state = to
}

// State returns the current state. Callers must hold the transaction lock.
func (t *Trx) State() State { return t.state }
