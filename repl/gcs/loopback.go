package gcs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ngaut/log"
)

// loopbackProtoVersion is the group protocol the loopback group speaks.
const loopbackProtoVersion = 9

const loopbackQueueDepth = 1024

// Loopback is a single-member group: every submitted action is assigned
// the next local and global seqno, which Repl returns straight to the
// sender. Only injected remote and unordered actions and membership events
// are delivered through Recv. It implements the full Group contract so the
// replicator above it cannot tell it from a real group.
type Loopback struct {
	mu sync.Mutex

	sourceID  uuid.UUID
	stateUUID uuid.UUID
	connected bool
	isolated  bool

	localSeq  int64
	globalSeq int64
	viewSeq   int64

	nextHandle  int64
	interrupted map[int64]bool

	recv chan *Action
}

// NewLoopback creates a disconnected loopback group for the given member.
func NewLoopback(sourceID uuid.UUID) *Loopback {
	return &Loopback{
		sourceID:    sourceID,
		interrupted: make(map[int64]bool),
		recv:        make(chan *Action, loopbackQueueDepth),
	}
}

// Connect forms the single-member primary component and delivers its view.
func (g *Loopback) Connect(name, url string, bootstrap bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connected {
		return ErrAgain
	}
	if g.stateUUID == uuid.Nil {
		g.stateUUID = uuid.New()
	}
	g.connected = true
	g.isolated = false
	g.viewSeq++
	log.Infof("gcs: loopback group %q formed, state uuid %v", name, g.stateUUID)
	g.deliverLocked(&Action{
		Kind:       ActionConfChange,
		SourceID:   g.sourceID,
		LocalSeqno: g.nextLocalLocked(),
		View: &View{
			StateUUID:    g.stateUUID,
			ViewSeqno:    g.viewSeq,
			MemberNum:    1,
			MyIdx:        0,
			Primary:      true,
			ProtoVersion: loopbackProtoVersion,
		},
	})
	return nil
}

// Close leaves the group: a non-primary view is delivered and the receive
// queue is shut down once drained.
func (g *Loopback) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return ErrClosed
	}
	g.connected = false
	g.viewSeq++
	g.deliverLocked(&Action{
		Kind:       ActionConfChange,
		SourceID:   g.sourceID,
		LocalSeqno: g.nextLocalLocked(),
		View: &View{
			StateUUID: g.stateUUID,
			ViewSeqno: g.viewSeq,
			MemberNum: 0,
			MyIdx:     -1,
			Primary:   false,
		},
	})
	close(g.recv)
	return nil
}

func (g *Loopback) nextLocalLocked() int64 {
	g.localSeq++
	return g.localSeq
}

func (g *Loopback) deliverLocked(a *Action) {
	g.recv <- a
}

// Schedule reserves a send slot.
func (g *Loopback) Schedule() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected || g.isolated {
		return -1, ErrClosed
	}
	g.nextHandle++
	g.interrupted[g.nextHandle] = false
	return g.nextHandle, nil
}

// Repl assigns the next position in total order and returns the seqnos to
// the sender. The ordered action is not redelivered through Recv: the
// sending thread owns its slot in every monitor.
func (g *Loopback) Repl(action []byte, flags uint32, scheduled int64) (int64, int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected || g.isolated {
		delete(g.interrupted, scheduled)
		return -1, -1, ErrClosed
	}
	intr, ok := g.interrupted[scheduled]
	if !ok {
		return -1, -1, ErrNotFound
	}
	if intr {
		delete(g.interrupted, scheduled)
		return -1, -1, ErrInterrupted
	}
	if len(g.recv) == cap(g.recv) {
		// Queue full: report congestion without consuming the slot.
		return -1, -1, ErrAgain
	}
	delete(g.interrupted, scheduled)

	local := g.nextLocalLocked()
	g.globalSeq++
	return local, g.globalSeq, nil
}

// InjectRemote orders a write set on behalf of another member and delivers
// it through Recv, as if it had arrived over the wire.
func (g *Loopback) InjectRemote(source uuid.UUID, data []byte, flags uint32, lastSeen int64) (int64, int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return -1, -1, ErrClosed
	}
	local := g.nextLocalLocked()
	g.globalSeq++
	global := g.globalSeq
	g.deliverLocked(&Action{
		Kind:        ActionTordered,
		SourceID:    source,
		LocalSeqno:  local,
		GlobalSeqno: global,
		LastSeen:    lastSeen,
		Flags:       flags,
		Data:        data,
	})
	return local, global, nil
}

// InjectUnordered delivers out-of-band data that bypasses total order. No
// seqnos are assigned.
func (g *Loopback) InjectUnordered(source uuid.UUID, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return ErrClosed
	}
	g.deliverLocked(&Action{
		Kind:        ActionUnordered,
		SourceID:    source,
		LocalSeqno:  -1,
		GlobalSeqno: -1,
		Data:        data,
	})
	return nil
}

// Interrupt cancels an outstanding scheduled send.
func (g *Loopback) Interrupt(handle int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.interrupted[handle]; !ok {
		return ErrNotFound
	}
	g.interrupted[handle] = true
	return nil
}

// Caused returns the group tail. Everything the loopback group ordered is
// already delivered, so the tail is the last assigned global seqno.
func (g *Loopback) Caused(deadline time.Time) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return -1, ErrClosed
	}
	return g.globalSeq, nil
}

// Join reports this member joined at seqno. With one member there is
// nothing to catch up with, so the sync event follows immediately.
func (g *Loopback) Join(seqno int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return ErrClosed
	}
	g.deliverLocked(&Action{
		Kind:        ActionJoin,
		SourceID:    g.sourceID,
		LocalSeqno:  g.nextLocalLocked(),
		GlobalSeqno: seqno,
	})
	g.deliverLocked(&Action{
		Kind:       ActionSync,
		SourceID:   g.sourceID,
		LocalSeqno: g.nextLocalLocked(),
	})
	return nil
}

// Desync orders the desync in local sequence and returns its ordinal.
func (g *Loopback) Desync() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return -1, ErrClosed
	}
	return g.nextLocalLocked(), nil
}

// ReportLastApplied loops the commit horizon back as a commit cut.
func (g *Loopback) ReportLastApplied(seqno int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return ErrClosed
	}
	if len(g.recv) == cap(g.recv) {
		return ErrAgain
	}
	g.deliverLocked(&Action{
		Kind:        ActionCommitCut,
		SourceID:    g.sourceID,
		LocalSeqno:  g.nextLocalLocked(),
		GlobalSeqno: seqno,
	})
	return nil
}

// SetInitialPosition seeds the group position from recovered state.
func (g *Loopback) SetInitialPosition(stateUUID uuid.UUID, seqno int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connected {
		return ErrAgain
	}
	g.stateUUID = stateUUID
	if seqno > g.globalSeq {
		g.globalSeq = seqno
	}
	return nil
}

// LocalSequence draws the next local ordinal.
func (g *Loopback) LocalSequence() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nextLocalLocked()
}

// Isolate cuts the member off: subsequent sends fail with ErrClosed.
func (g *Loopback) Isolate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.isolated = true
	log.Warnf("gcs: member %v isolated from group", g.sourceID)
}

// Recv delivers the next ordered action.
func (g *Loopback) Recv(ctx context.Context) (*Action, error) {
	select {
	case a, ok := <-g.recv:
		if !ok {
			return nil, ErrClosed
		}
		return a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var _ Group = (*Loopback)(nil)
