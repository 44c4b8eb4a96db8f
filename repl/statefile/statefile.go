// Package statefile persists the node's replication position between
// restarts: the cluster state uuid, the last committed global seqno and
// the safe-to-bootstrap marker, kept in grastate.dat under the base dir.
package statefile

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

// SeqnoUndefined is written to disk while the position is not recoverable.
const SeqnoUndefined int64 = -1

// SavedState is the recovered content of grastate.dat.
type SavedState struct {
	UUID            uuid.UUID
	Seqno           int64
	SafeToBootstrap bool
}

type diskState struct {
	UUID            string `toml:"uuid"`
	Seqno           int64  `toml:"seqno"`
	SafeToBootstrap bool   `toml:"safe_to_bootstrap"`
}

// File tracks the current state and rewrites grastate.dat on every
// change. While one or more unsafe marks are held the on-disk seqno stays
// undefined so a crash cannot present a stale position as recoverable.
type File struct {
	mu sync.Mutex

	path    string
	current SavedState
	unsafe  int
	corrupt bool
}

// Open reads grastate.dat at path, creating a fresh bootstrappable state
// when the file does not exist yet.
func Open(path string) (*File, error) {
	f := &File{
		path: path,
		current: SavedState{
			Seqno:           SeqnoUndefined,
			SafeToBootstrap: true,
		},
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Infof("statefile: %s not found, assuming fresh node", path)
		return f, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	var ds diskState
	if _, err := toml.Decode(string(raw), &ds); err != nil {
		return nil, errors.Annotatef(err, "statefile: corrupted %s", path)
	}
	if ds.UUID != "" {
		id, err := uuid.Parse(ds.UUID)
		if err != nil {
			return nil, errors.Annotatef(err, "statefile: bad uuid in %s", path)
		}
		f.current.UUID = id
	}
	f.current.Seqno = ds.Seqno
	f.current.SafeToBootstrap = ds.SafeToBootstrap
	return f, nil
}

// Get returns the current state.
func (f *File) Get() SavedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Set records a confirmed position and rewrites the file.
func (f *File) Set(id uuid.UUID, seqno int64, safeToBootstrap bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.corrupt {
		return nil
	}
	f.current = SavedState{UUID: id, Seqno: seqno, SafeToBootstrap: safeToBootstrap}
	return f.writeLocked()
}

// MarkUnsafe declares the position unrecoverable until a matching
// MarkSafe. Marks nest.
func (f *File) MarkUnsafe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsafe++
	if f.unsafe > 1 || f.corrupt {
		return nil
	}
	return f.writeLocked()
}

// MarkSafe releases one unsafe mark; the last release persists the real
// position again.
func (f *File) MarkSafe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsafe == 0 {
		log.Warnf("statefile: unbalanced MarkSafe")
		return nil
	}
	f.unsafe--
	if f.unsafe > 0 || f.corrupt {
		return nil
	}
	return f.writeLocked()
}

// MarkCorrupt latches the state as corrupted: the file is rewritten with
// an undefined position and every later update is ignored.
func (f *File) MarkCorrupt() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.corrupt {
		return nil
	}
	f.corrupt = true
	f.current = SavedState{Seqno: SeqnoUndefined, SafeToBootstrap: false}
	log.Errorf("statefile: marking state corrupted")
	return f.writeLocked()
}

func (f *File) writeLocked() error {
	ds := diskState{
		Seqno:           f.current.Seqno,
		SafeToBootstrap: f.current.SafeToBootstrap,
	}
	if f.current.UUID != uuid.Nil {
		ds.UUID = f.current.UUID.String()
	}
	if f.unsafe > 0 && !f.corrupt {
		ds.Seqno = SeqnoUndefined
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".grastate-*")
	if err != nil {
		return errors.Trace(err)
	}
	defer os.Remove(tmp.Name())
	if err := toml.NewEncoder(tmp).Encode(&ds); err != nil {
		tmp.Close()
		return errors.Trace(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Trace(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.Rename(tmp.Name(), f.path))
}
