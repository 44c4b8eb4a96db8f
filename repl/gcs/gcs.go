// Package gcs defines the group communication contract the replicator
// drives: totally ordered action submission, delivery of ordered actions
// and membership events, and the in-process loopback group used for
// standalone operation and tests.
package gcs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
)

var (
	// ErrAgain reports transient congestion; the caller may retry the send.
	ErrAgain = errors.New("gcs: resource temporarily unavailable")
	// ErrInterrupted reports that an outstanding send was cancelled.
	ErrInterrupted = errors.New("gcs: send interrupted")
	// ErrClosed reports that the group connection is down.
	ErrClosed = errors.New("gcs: connection closed")
	// ErrNotFound reports an unknown send handle.
	ErrNotFound = errors.New("gcs: handle not found")
)

// ActionKind discriminates delivered group actions.
type ActionKind int

const (
	// ActionTordered is a totally ordered write set.
	ActionTordered ActionKind = iota
	// ActionCommitCut advances the group-wide commit horizon.
	ActionCommitCut
	// ActionConfChange delivers a new group view.
	ActionConfChange
	// ActionJoin reports a member joining at a position.
	ActionJoin
	// ActionSync reports that this member has caught up with the group.
	ActionSync
	// ActionUnordered carries out-of-band data that bypassed total order.
	ActionUnordered
)

func (k ActionKind) String() string {
	switch k {
	case ActionTordered:
		return "TORDERED"
	case ActionCommitCut:
		return "COMMIT_CUT"
	case ActionConfChange:
		return "CONF_CHANGE"
	case ActionJoin:
		return "JOIN"
	case ActionSync:
		return "SYNC"
	case ActionUnordered:
		return "UNORDERED"
	}
	return "UNKNOWN"
}

// View describes a group configuration delivered with ActionConfChange.
type View struct {
	StateUUID    uuid.UUID
	ViewSeqno    int64
	MemberNum    int
	MyIdx        int
	Primary      bool
	ProtoVersion int
}

// Action is one delivered group event. Tordered actions carry the write
// set payload and the seqnos assigned by total order; ConfChange actions
// carry the view.
type Action struct {
	Kind        ActionKind
	SourceID    uuid.UUID
	LocalSeqno  int64
	GlobalSeqno int64
	LastSeen    int64
	Flags       uint32
	Data        []byte
	View        *View
}

// Group is the transport consumed by the replicator. Repl blocks until the
// submitted action has been assigned its place in total order and returns
// the seqnos straight to the sender; only foreign actions and membership
// events arrive through Recv. Every delivered or returned local seqno is
// entered into local order by exactly one thread.
type Group interface {
	Connect(name, url string, bootstrap bool) error
	Close() error

	// Schedule reserves a send slot. The handle stays valid until the
	// send completes or Interrupt cancels it.
	Schedule() (int64, error)
	// Repl submits a totally ordered action under a scheduled handle and
	// returns the assigned local and global seqnos. ErrAgain means retry,
	// ErrInterrupted means the handle was cancelled.
	Repl(action []byte, flags uint32, scheduled int64) (localSeqno, globalSeqno int64, err error)
	Interrupt(handle int64) error

	// Caused returns the current group tail position for causal reads.
	Caused(deadline time.Time) (int64, error)

	Join(seqno int64) error
	Desync() (int64, error)
	// ReportLastApplied feeds the member's commit horizon back to the
	// group, which aggregates it into commit-cut actions.
	ReportLastApplied(seqno int64) error

	SetInitialPosition(stateUUID uuid.UUID, seqno int64) error
	// LocalSequence draws the next local ordinal without replicating
	// anything; pause uses it to grab a slot in local order.
	LocalSequence() int64

	// Isolate cuts the member off from the group before a fatal abort.
	Isolate()

	Recv(ctx context.Context) (*Action, error)
}
