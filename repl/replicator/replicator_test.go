package replicator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/tinyrepl/config"
	"github.com/pingcap-incubator/tinyrepl/repl/gcs"
	"github.com/pingcap-incubator/tinyrepl/repl/statefile"
	"github.com/pingcap-incubator/tinyrepl/repl/trx"
	"github.com/pingcap-incubator/tinyrepl/repl/writeset"
)

// recorder is an EventHandler that records every callback. Apply can be
// made to block so tests can hold a remote transaction mid-pipeline.
type recorder struct {
	mu         sync.Mutex
	applied    []int64
	committed  []int64
	rolledBack []int64
	views      []*gcs.View
	syncs      int
	unordered  [][]byte

	applyEntered chan int64
	applyRelease chan struct{}
}

func (h *recorder) Apply(ctx context.Context, flags trx.Flags, meta *trx.Meta, data []byte) error {
	h.mu.Lock()
	h.applied = append(h.applied, meta.GTID.Seqno)
	entered, release := h.applyEntered, h.applyRelease
	h.mu.Unlock()
	if entered != nil {
		entered <- meta.GTID.Seqno
	}
	if release != nil {
		<-release
	}
	return nil
}

func (h *recorder) Commit(ctx context.Context, meta *trx.Meta, commit bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if commit {
		h.committed = append(h.committed, meta.GTID.Seqno)
	} else {
		h.rolledBack = append(h.rolledBack, meta.GTID.Seqno)
	}
	return nil
}

func (h *recorder) ViewChange(view *gcs.View) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.views = append(h.views, view)
	return nil
}

func (h *recorder) Synced() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.syncs++
}

func (h *recorder) Unordered(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unordered = append(h.unordered, data)
}

func (h *recorder) committedSeqnos() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int64(nil), h.committed...)
}

func (h *recorder) syncCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.syncs
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestRepl(t *testing.T, mutate func(*config.Config)) (*Replicator, *gcs.Loopback, *recorder, func()) {
	t.Helper()
	conf := config.NewTestConf(t.TempDir())
	if mutate != nil {
		mutate(conf)
	}
	source := uuid.New()
	group := gcs.NewLoopback(source)
	h := &recorder{}

	r, err := New(conf, source, group, h)
	require.NoError(t, err)
	require.NoError(t, r.Connect("test", "loopback://", true))

	done := make(chan error, 1)
	go func() { done <- r.AsyncRecv(context.Background()) }()
	require.NoError(t, r.WaitSynced(2*time.Second))

	cleanup := func() {
		require.NoError(t, r.Close())
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("receive loop did not terminate")
		}
	}
	return r, group, h, cleanup
}

func addKeys(t *testing.T, tx *trx.Trx, keyType writeset.KeyType, keys ...string) {
	t.Helper()
	for _, k := range keys {
		key, err := writeset.NewKey(writeset.KeyVersion1, keyType, [][]byte{[]byte("t"), []byte(k)})
		require.NoError(t, err)
		require.NoError(t, tx.WriteSet().AppendKey(key))
	}
	tx.WriteSet().AppendData([]byte("payload"))
	tx.AddFlags(trx.FlagCommit)
}

func makePayload(t *testing.T, keys ...string) []byte {
	t.Helper()
	ws := writeset.NewWriteSet(writeset.KeyVersion1)
	for _, k := range keys {
		key, err := writeset.NewKey(writeset.KeyVersion1, writeset.KeyExclusive, [][]byte{[]byte("t"), []byte(k)})
		require.NoError(t, err)
		require.NoError(t, ws.AppendKey(key))
	}
	ws.AppendData([]byte("payload"))
	buf, err := ws.Gather(nil)
	require.NoError(t, err)
	return buf
}

// commitLocal drives one local transaction through the whole pipeline.
func commitLocal(t *testing.T, r *Replicator, tx *trx.Trx) *trx.Meta {
	t.Helper()
	meta := &trx.Meta{}
	require.NoError(t, r.Replicate(tx, meta))
	require.NoError(t, r.PreCommit(tx, meta))
	require.NoError(t, r.InterimCommit(tx))
	require.NoError(t, r.PostCommit(tx))
	return meta
}

func TestConnectReachesSynced(t *testing.T) {
	r, _, h, cleanup := newTestRepl(t, nil)
	defer cleanup()

	assert.Equal(t, StateSynced, r.State())
	assert.Equal(t, 1, h.syncCount())
	assert.NotEqual(t, uuid.Nil, r.StateUUID())

	h.mu.Lock()
	require.NotEmpty(t, h.views)
	assert.True(t, h.views[0].Primary)
	assert.Equal(t, 1, h.views[0].MemberNum)
	h.mu.Unlock()
}

func TestLocalCommit(t *testing.T) {
	r, _, _, cleanup := newTestRepl(t, nil)
	defer cleanup()

	tx := r.NewTrx(1)
	addKeys(t, tx, writeset.KeyExclusive, "a")
	meta := commitLocal(t, r, tx)

	assert.Equal(t, int64(1), meta.GTID.Seqno)
	assert.Equal(t, r.StateUUID(), meta.GTID.UUID)
	tx.Lock()
	assert.Equal(t, trx.StateCommitted, tx.State())
	tx.Unlock()

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Replicated)
	assert.Equal(t, int64(1), stats.LocalCommits)
	assert.True(t, stats.ReplicatedBytes > 0)
	assert.Equal(t, int64(1), r.Position())
}

func TestNonConflictingLocalCommits(t *testing.T) {
	r, _, _, cleanup := newTestRepl(t, nil)
	defer cleanup()

	m1 := commitLocal(t, r, func() *trx.Trx {
		tx := r.NewTrx(1)
		addKeys(t, tx, writeset.KeyExclusive, "a")
		return tx
	}())
	m2 := commitLocal(t, r, func() *trx.Trx {
		tx := r.NewTrx(2)
		addKeys(t, tx, writeset.KeyExclusive, "b")
		return tx
	}())

	assert.Equal(t, m1.GTID.Seqno+1, m2.GTID.Seqno)
	assert.Equal(t, int64(2), r.Stats().LocalCommits)
}

func TestRemoteApply(t *testing.T) {
	r, group, h, cleanup := newTestRepl(t, nil)
	defer cleanup()

	_, global, err := group.InjectRemote(uuid.New(), makePayload(t, "a"), uint32(trx.FlagCommit), 0)
	require.NoError(t, err)

	waitFor(t, "remote commit", func() bool {
		for _, s := range h.committedSeqnos() {
			if s == global {
				return true
			}
		}
		return false
	})
	assert.Equal(t, int64(1), r.Stats().Received)
	waitFor(t, "position advance", func() bool { return r.Position() == global })
}

func TestFirstCommitterWins(t *testing.T) {
	r, group, h, cleanup := newTestRepl(t, nil)
	defer cleanup()

	h.mu.Lock()
	h.applyEntered = make(chan int64, 1)
	h.applyRelease = make(chan struct{})
	h.mu.Unlock()

	// The remote write set orders first and holds the apply callback, so
	// the local transaction replicates with a stale last seen seqno.
	_, remoteSeqno, err := group.InjectRemote(uuid.New(), makePayload(t, "a"), uint32(trx.FlagCommit), 0)
	require.NoError(t, err)
	<-h.applyEntered

	tx := r.NewTrx(1)
	addKeys(t, tx, writeset.KeyExclusive, "a")
	meta := &trx.Meta{}
	require.NoError(t, r.Replicate(tx, meta))

	err = r.PreCommit(tx, meta)
	require.Error(t, err)
	assert.Equal(t, ErrTrxFail, errors.Cause(err))
	r.PostRollback(tx)
	tx.Lock()
	assert.Equal(t, trx.StateRolledBack, tx.State())
	tx.Unlock()

	close(h.applyRelease)
	waitFor(t, "remote commit", func() bool {
		for _, s := range h.committedSeqnos() {
			if s == remoteSeqno {
				return true
			}
		}
		return false
	})
	assert.Equal(t, int64(1), r.Stats().LocalCertFailures)
}

func TestBFAbortReplays(t *testing.T) {
	r, _, h, cleanup := newTestRepl(t, nil)
	defer cleanup()

	tx := r.NewTrx(1)
	addKeys(t, tx, writeset.KeyExclusive, "a")
	meta := &trx.Meta{}
	require.NoError(t, r.Replicate(tx, meta))

	// Brute-force abort after ordering: the victim must win its replay.
	r.AbortTrx(tx)
	err := r.PreCommit(tx, meta)
	require.Error(t, err)
	assert.Equal(t, ErrBFAbort, errors.Cause(err))

	require.NoError(t, r.ReplayTrx(context.Background(), tx))
	tx.Lock()
	assert.Equal(t, trx.StateCommitted, tx.State())
	tx.Unlock()

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.LocalReplays)
	assert.Equal(t, int64(1), stats.LocalCommits)

	found := false
	for _, s := range h.committedSeqnos() {
		if s == meta.GTID.Seqno {
			found = true
		}
	}
	assert.True(t, found, "replayed transaction must commit through the handler")
	assert.Equal(t, meta.GTID.Seqno, r.Position())
}

func TestAbortBeforeReplicationFailsEarly(t *testing.T) {
	r, _, _, cleanup := newTestRepl(t, nil)
	defer cleanup()

	tx := r.NewTrx(1)
	addKeys(t, tx, writeset.KeyExclusive, "a")
	r.AbortTrx(tx)

	err := r.Replicate(tx, &trx.Meta{})
	require.Error(t, err)
	assert.Equal(t, ErrTrxFail, errors.Cause(err))
	r.PostRollback(tx)
}

func TestCausalRead(t *testing.T) {
	r, group, h, cleanup := newTestRepl(t, nil)
	defer cleanup()

	tx := r.NewTrx(1)
	addKeys(t, tx, writeset.KeyExclusive, "a")
	meta := commitLocal(t, r, tx)

	_, remoteSeqno, err := group.InjectRemote(uuid.New(), makePayload(t, "b"), uint32(trx.FlagCommit), 0)
	require.NoError(t, err)

	gtid, err := r.CausalRead()
	require.NoError(t, err)
	assert.Equal(t, remoteSeqno, gtid.Seqno)
	assert.Equal(t, r.StateUUID(), gtid.UUID)
	assert.True(t, gtid.Seqno >= meta.GTID.Seqno)

	// Everything up to the returned seqno must have been applied.
	found := false
	for _, s := range h.committedSeqnos() {
		if s == remoteSeqno {
			found = true
		}
	}
	assert.True(t, found)
	assert.Equal(t, int64(1), r.Stats().CausalReads)
}

func TestPauseResume(t *testing.T) {
	r, _, _, cleanup := newTestRepl(t, nil)
	defer cleanup()

	tx := r.NewTrx(1)
	addKeys(t, tx, writeset.KeyExclusive, "a")
	meta := commitLocal(t, r, tx)

	pos, err := r.Pause()
	require.NoError(t, err)
	assert.Equal(t, meta.GTID.Seqno, pos)

	_, err = r.Pause()
	require.Error(t, err)

	done := make(chan error, 1)
	go func() {
		tx2 := r.NewTrx(2)
		addKeys(t, tx2, writeset.KeyExclusive, "b")
		m := &trx.Meta{}
		if err := r.Replicate(tx2, m); err != nil {
			done <- err
			return
		}
		if err := r.PreCommit(tx2, m); err != nil {
			done <- err
			return
		}
		if err := r.InterimCommit(tx2); err != nil {
			done <- err
			return
		}
		done <- r.PostCommit(tx2)
	}()

	select {
	case err := <-done:
		t.Fatalf("transaction committed while paused: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	r.Resume()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("transaction did not resume")
	}
	assert.Equal(t, int64(2), r.Stats().LocalCommits)
}

func TestIsolationAction(t *testing.T) {
	r, _, _, cleanup := newTestRepl(t, nil)
	defer cleanup()

	tx := r.NewTrx(trx.TrxIDUndefined)
	addKeys(t, tx, writeset.KeyExclusive, "schema")
	tx.AddFlags(trx.FlagIsolation)

	meta := &trx.Meta{}
	require.NoError(t, r.Replicate(tx, meta))
	require.NoError(t, r.ToIsolationBegin(tx, meta))
	require.NoError(t, r.ToIsolationEnd(tx))

	tx.Lock()
	assert.Equal(t, trx.StateCommitted, tx.State())
	tx.Unlock()
	assert.Equal(t, meta.GTID.Seqno, r.Position())

	// The pipeline is usable again afterwards.
	tx2 := r.NewTrx(1)
	addKeys(t, tx2, writeset.KeyExclusive, "a")
	commitLocal(t, r, tx2)
}

func TestDesyncResync(t *testing.T) {
	r, _, h, cleanup := newTestRepl(t, nil)
	defer cleanup()

	require.NoError(t, r.Desync())
	assert.Equal(t, StateDonor, r.State())

	// Donor keeps committing.
	tx := r.NewTrx(1)
	addKeys(t, tx, writeset.KeyExclusive, "a")
	commitLocal(t, r, tx)

	require.NoError(t, r.Resync())
	waitFor(t, "resync", func() bool { return r.State() == StateSynced })
	assert.Equal(t, 2, h.syncCount())
}

func TestUnorderedDelivery(t *testing.T) {
	_, group, h, cleanup := newTestRepl(t, nil)
	defer cleanup()

	require.NoError(t, group.InjectUnordered(uuid.New(), []byte("oob")))
	waitFor(t, "unordered delivery", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.unordered) == 1 && string(h.unordered[0]) == "oob"
	})
}

func TestMaxWriteSetSize(t *testing.T) {
	r, _, _, cleanup := newTestRepl(t, func(c *config.Config) {
		c.MaxWriteSetSize = 8
	})
	defer cleanup()

	tx := r.NewTrx(1)
	addKeys(t, tx, writeset.KeyExclusive, "a")
	err := r.Replicate(tx, &trx.Meta{})
	require.Error(t, err)
	assert.Equal(t, ErrMaxWriteSetSize, errors.Cause(err))
}

func TestBootstrapRefusedWhenUnsafe(t *testing.T) {
	conf := config.NewTestConf(t.TempDir())
	st, err := statefile.Open(conf.StateFilePath())
	require.NoError(t, err)
	require.NoError(t, st.Set(uuid.New(), 7, false))

	source := uuid.New()
	r, err := New(conf, source, gcs.NewLoopback(source), &recorder{})
	require.NoError(t, err)

	err = r.Connect("test", "loopback://", true)
	require.Error(t, err)
	assert.Equal(t, ErrNodeFail, errors.Cause(err))
}

func TestCloseWritesState(t *testing.T) {
	r, _, _, cleanup := newTestRepl(t, nil)

	tx := r.NewTrx(1)
	addKeys(t, tx, writeset.KeyExclusive, "a")
	meta := commitLocal(t, r, tx)
	id := r.StateUUID()

	cleanup()
	assert.Equal(t, StateClosed, r.State())

	st, err := statefile.Open(r.conf.StateFilePath())
	require.NoError(t, err)
	saved := st.Get()
	assert.Equal(t, id, saved.UUID)
	assert.Equal(t, meta.GTID.Seqno, saved.Seqno)
	assert.True(t, saved.SafeToBootstrap)
}

func TestCommitOrderBypass(t *testing.T) {
	r, group, h, cleanup := newTestRepl(t, func(c *config.Config) {
		c.CommitOrder = "BYPASS"
	})
	defer cleanup()

	tx := r.NewTrx(1)
	addKeys(t, tx, writeset.KeyExclusive, "a")
	commitLocal(t, r, tx)

	_, global, err := group.InjectRemote(uuid.New(), makePayload(t, "b"), uint32(trx.FlagCommit), 0)
	require.NoError(t, err)
	waitFor(t, "remote commit", func() bool {
		for _, s := range h.committedSeqnos() {
			if s == global {
				return true
			}
		}
		return false
	})
}
