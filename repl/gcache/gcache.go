// Package gcache is the write-set cache. Local write sets are buffered in
// memory under an opaque handle until total order assigns them a global
// seqno; ordered write sets persist in a badger store keyed by seqno so
// they survive for replay and donation until purged by commit cuts.
package gcache

import (
	"bytes"
	"encoding/binary"
	"os"
	"sync"

	"github.com/coocood/badger"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/tinyrepl/config"
)

var (
	// ErrNotFound reports that no write set is cached under the seqno.
	ErrNotFound = errors.New("gcache: seqno not found")
	// ErrBadHandle reports an unknown or already released buffer handle.
	ErrBadHandle = errors.New("gcache: unknown buffer handle")
)

// Store is the seqno-indexed write-set cache.
type Store struct {
	mu sync.Mutex

	db      *badger.DB
	pending map[int64][]byte
	next    int64
}

// Open creates or reopens the cache at dir with the given engine options.
func Open(dir string, conf *config.Engine) (*Store, error) {
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.ValueThreshold = conf.ValueThreshold
	opts.ValueLogFileSize = conf.VlogFileSize
	opts.MaxTableSize = conf.MaxTableSize
	opts.NumMemtables = conf.NumMemTables
	opts.NumLevelZeroTables = conf.NumL0Tables
	opts.NumLevelZeroTablesStall = conf.NumL0TablesStall
	opts.NumCompactors = conf.NumCompactors
	opts.SyncWrites = conf.SyncWrite
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.Trace(err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Store{
		db:      db,
		pending: make(map[int64][]byte),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Add buffers buf and returns a handle. The buffer is not persisted until
// SeqnoAssign places it in total order.
func (s *Store) Add(buf []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.pending[s.next] = buf
	return s.next
}

// Free releases a buffer that never got a seqno, e.g. when the owning
// transaction rolled back before replication.
func (s *Store) Free(handle int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[handle]; !ok {
		return ErrBadHandle
	}
	delete(s.pending, handle)
	return nil
}

func seqnoKey(seqno int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(seqno))
	return k[:]
}

func encodeValue(depends int64, buf []byte) []byte {
	v := make([]byte, 8+len(buf))
	binary.BigEndian.PutUint64(v, uint64(depends))
	copy(v[8:], buf)
	return v
}

// SeqnoAssign persists the buffer under its assigned global seqno together
// with its dependency and releases the in-memory handle.
func (s *Store) SeqnoAssign(handle, seqno, depends int64) error {
	s.mu.Lock()
	buf, ok := s.pending[handle]
	if !ok {
		s.mu.Unlock()
		return ErrBadHandle
	}
	delete(s.pending, handle)
	s.mu.Unlock()
	return s.put(seqno, depends, buf)
}

// AddOrdered caches an already ordered remote write set.
func (s *Store) AddOrdered(seqno, depends int64, buf []byte) error {
	return s.put(seqno, depends, buf)
}

func (s *Store) put(seqno, depends int64, buf []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(seqnoKey(seqno), encodeValue(depends, buf))
	})
	return errors.Trace(err)
}

// Get returns the cached write set and its dependency for seqno.
func (s *Store) Get(seqno int64) (buf []byte, depends int64, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(seqnoKey(seqno))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return errors.Trace(err)
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return errors.Trace(err)
		}
		if len(val) < 8 {
			return errors.Errorf("gcache: corrupted entry for seqno %d", seqno)
		}
		depends = int64(binary.BigEndian.Uint64(val))
		buf = val[8:]
		return nil
	})
	return buf, depends, err
}

// Purge removes every cached write set with seqno <= upto.
func (s *Store) Purge(upto int64) error {
	limit := seqnoKey(upto)
	var victims [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().KeyCopy(nil)
			if bytes.Compare(k, limit) > 0 {
				break
			}
			victims = append(victims, k)
		}
		return nil
	})
	if err != nil {
		return errors.Trace(err)
	}
	if len(victims) == 0 {
		return nil
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, k := range victims {
			if err := txn.Delete(k); err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	})
	if err == nil {
		log.Debugf("gcache: purged %d write sets up to seqno %d", len(victims), upto)
	}
	return err
}
