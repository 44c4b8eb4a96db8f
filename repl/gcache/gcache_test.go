package gcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/tinyrepl/config"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	conf := config.NewTestConf(t.TempDir())
	s, err := Open(conf.GCachePath(), &conf.Engine)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAssignGet(t *testing.T) {
	s := openStore(t)
	h := s.Add([]byte("ws-1"))
	require.NoError(t, s.SeqnoAssign(h, 10, 3))

	buf, depends, err := s.Get(10)
	require.NoError(t, err)
	assert.Equal(t, []byte("ws-1"), buf)
	assert.Equal(t, int64(3), depends)
}

func TestHandleIsSingleUse(t *testing.T) {
	s := openStore(t)
	h := s.Add([]byte("ws"))
	require.NoError(t, s.SeqnoAssign(h, 1, -1))
	assert.Equal(t, ErrBadHandle, s.SeqnoAssign(h, 2, -1))
}

func TestFree(t *testing.T) {
	s := openStore(t)
	h := s.Add([]byte("ws"))
	require.NoError(t, s.Free(h))
	assert.Equal(t, ErrBadHandle, s.Free(h))
	assert.Equal(t, ErrBadHandle, s.SeqnoAssign(h, 1, -1))
}

func TestAddOrdered(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.AddOrdered(5, 2, []byte("remote")))
	buf, depends, err := s.Get(5)
	require.NoError(t, err)
	assert.Equal(t, []byte("remote"), buf)
	assert.Equal(t, int64(2), depends)
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)
	_, _, err := s.Get(99)
	assert.Equal(t, ErrNotFound, err)
}

func TestPurge(t *testing.T) {
	s := openStore(t)
	for seqno := int64(1); seqno <= 5; seqno++ {
		require.NoError(t, s.AddOrdered(seqno, -1, []byte{byte(seqno)}))
	}
	require.NoError(t, s.Purge(3))

	for seqno := int64(1); seqno <= 3; seqno++ {
		_, _, err := s.Get(seqno)
		assert.Equal(t, ErrNotFound, err, "seqno %d", seqno)
	}
	for seqno := int64(4); seqno <= 5; seqno++ {
		_, _, err := s.Get(seqno)
		assert.NoError(t, err, "seqno %d", seqno)
	}
}

func TestPurgeEmpty(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Purge(100))
}

func TestReopen(t *testing.T) {
	conf := config.NewTestConf(t.TempDir())
	s, err := Open(conf.GCachePath(), &conf.Engine)
	require.NoError(t, err)
	require.NoError(t, s.AddOrdered(7, 1, []byte("durable")))
	require.NoError(t, s.Close())

	s, err = Open(conf.GCachePath(), &conf.Engine)
	require.NoError(t, err)
	defer s.Close()
	buf, depends, err := s.Get(7)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), buf)
	assert.Equal(t, int64(1), depends)
}
