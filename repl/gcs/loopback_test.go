package gcs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T) *Loopback {
	t.Helper()
	g := NewLoopback(uuid.New())
	require.NoError(t, g.Connect("test", "loopback://", true))
	a, err := g.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, ActionConfChange, a.Kind)
	require.NotNil(t, a.View)
	require.True(t, a.View.Primary)
	require.Equal(t, 1, a.View.MemberNum)
	return g
}

func TestConnectDeliversPrimaryView(t *testing.T) {
	g := connect(t)
	require.NoError(t, g.Close())
}

func TestReplOrdersActions(t *testing.T) {
	g := connect(t)
	defer g.Close()

	h1, err := g.Schedule()
	require.NoError(t, err)
	l1, g1, err := g.Repl([]byte("a"), 1, h1)
	require.NoError(t, err)

	h2, err := g.Schedule()
	require.NoError(t, err)
	l2, g2, err := g.Repl([]byte("b"), 1, h2)
	require.NoError(t, err)

	assert.Less(t, l1, l2)
	assert.Equal(t, g1+1, g2)
}

func TestInjectRemoteDelivers(t *testing.T) {
	g := connect(t)
	defer g.Close()

	src := uuid.New()
	_, gs, err := g.InjectRemote(src, []byte("remote"), 1, 0)
	require.NoError(t, err)

	a, err := g.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionTordered, a.Kind)
	assert.Equal(t, src, a.SourceID)
	assert.Equal(t, gs, a.GlobalSeqno)
	assert.Equal(t, int64(0), a.LastSeen)
	assert.Equal(t, []byte("remote"), a.Data)
}

func TestLocalAndRemoteShareTotalOrder(t *testing.T) {
	g := connect(t)
	defer g.Close()

	h, _ := g.Schedule()
	_, g1, err := g.Repl([]byte("local"), 0, h)
	require.NoError(t, err)
	_, g2, err := g.InjectRemote(uuid.New(), []byte("remote"), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, g1+1, g2)
}

func TestInterruptedSend(t *testing.T) {
	g := connect(t)
	defer g.Close()

	h, err := g.Schedule()
	require.NoError(t, err)
	require.NoError(t, g.Interrupt(h))
	_, _, err = g.Repl([]byte("x"), 0, h)
	assert.Equal(t, ErrInterrupted, err)

	// Handle is consumed; a second interrupt finds nothing.
	assert.Equal(t, ErrNotFound, g.Interrupt(h))
}

func TestReplUnknownHandle(t *testing.T) {
	g := connect(t)
	defer g.Close()
	_, _, err := g.Repl([]byte("x"), 0, 42)
	assert.Equal(t, ErrNotFound, err)
}

func TestCausedTracksTail(t *testing.T) {
	g := connect(t)
	defer g.Close()

	tail, err := g.Caused(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(0), tail)

	h, _ := g.Schedule()
	_, gs, err := g.Repl([]byte("a"), 0, h)
	require.NoError(t, err)

	tail, err = g.Caused(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, gs, tail)
}

func TestJoinFollowedBySync(t *testing.T) {
	g := connect(t)
	defer g.Close()

	require.NoError(t, g.Join(7))
	a, err := g.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionJoin, a.Kind)
	assert.Equal(t, int64(7), a.GlobalSeqno)

	a, err = g.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionSync, a.Kind)
}

func TestCommitCut(t *testing.T) {
	g := connect(t)
	defer g.Close()

	require.NoError(t, g.ReportLastApplied(5))
	a, err := g.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionCommitCut, a.Kind)
	assert.Equal(t, int64(5), a.GlobalSeqno)
}

func TestCloseDeliversNonPrimaryView(t *testing.T) {
	g := connect(t)
	require.NoError(t, g.Close())

	a, err := g.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, ActionConfChange, a.Kind)
	assert.False(t, a.View.Primary)

	_, err = g.Recv(context.Background())
	assert.Equal(t, ErrClosed, err)
}

func TestIsolate(t *testing.T) {
	g := connect(t)

	h, err := g.Schedule()
	require.NoError(t, err)
	g.Isolate()
	_, _, err = g.Repl([]byte("x"), 0, h)
	assert.Equal(t, ErrClosed, err)
}

func TestSetInitialPosition(t *testing.T) {
	g := NewLoopback(uuid.New())
	id := uuid.New()
	require.NoError(t, g.SetInitialPosition(id, 100))
	require.NoError(t, g.Connect("test", "loopback://", false))

	a, err := g.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, a.View.StateUUID)

	h, _ := g.Schedule()
	_, gs, err := g.Repl([]byte("a"), 0, h)
	require.NoError(t, err)
	assert.Equal(t, int64(101), gs)
}

func TestRecvContextCancel(t *testing.T) {
	g := connect(t)
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Recv(ctx)
	assert.Equal(t, context.Canceled, err)
}

func TestLocalSequenceMonotone(t *testing.T) {
	g := connect(t)
	defer g.Close()
	a := g.LocalSequence()
	b := g.LocalSequence()
	assert.Equal(t, a+1, b)
}
