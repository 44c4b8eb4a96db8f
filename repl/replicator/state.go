package replicator

import (
	"sync"
	"time"

	"github.com/ngaut/log"

	"github.com/pingcap-incubator/tinyrepl/repl/monitor"
)

// State of the replicator node.
type State int

const (
	StateClosed State = iota
	StateClosing
	StateConnected
	StateJoining
	StateJoined
	StateSynced
	StateDonor
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateClosing:
		return "CLOSING"
	case StateConnected:
		return "CONNECTED"
	case StateJoining:
		return "JOINING"
	case StateJoined:
		return "JOINED"
	case StateSynced:
		return "SYNCED"
	case StateDonor:
		return "DONOR"
	case StateDestroyed:
		return "DESTROYED"
	}
	return "UNKNOWN"
}

var stateTransitions = map[State][]State{
	StateClosed:    {StateDestroyed, StateConnected},
	StateConnected: {StateClosing, StateConnected, StateJoining, StateJoined, StateDonor, StateSynced},
	StateJoining:   {StateClosing, StateConnected, StateJoined},
	StateJoined:    {StateClosing, StateConnected, StateSynced, StateDonor},
	StateSynced:    {StateClosing, StateConnected, StateDonor},
	StateDonor:     {StateClosing, StateConnected, StateJoined},
	StateClosing:   {StateClosed},
}

// nodeState guards the replicator state variable and wakes waiters on
// every shift.
type nodeState struct {
	mu    sync.Mutex
	bcast chan struct{}
	state State
}

func newNodeState() *nodeState {
	return &nodeState{bcast: make(chan struct{}), state: StateClosed}
}

func (n *nodeState) Get() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// ShiftTo performs a guarded transition. An illegal shift is a programming
// error and aborts the process.
func (n *nodeState) ShiftTo(to State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	legal := false
	for _, s := range stateTransitions[n.state] {
		if s == to {
			legal = true
			break
		}
	}
	if !legal {
		log.Fatalf("replicator: illegal state shift %v -> %v", n.state, to)
	}
	log.Infof("replicator: shifting %v -> %v", n.state, to)
	n.state = to
	close(n.bcast)
	n.bcast = make(chan struct{})
}

// WaitFor blocks until the state equals target or the deadline passes.
func (n *nodeState) WaitFor(target State, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	n.mu.Lock()
	for n.state != target {
		ch := n.bcast
		n.mu.Unlock()
		d := time.Until(deadline)
		if d <= 0 {
			return monitor.ErrTimeout
		}
		timer := time.NewTimer(d)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return monitor.ErrTimeout
		}
		n.mu.Lock()
	}
	n.mu.Unlock()
	return nil
}
