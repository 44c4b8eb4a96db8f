package writeset

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

var (
	ErrTooLarge  = errors.New("writeset: write set exceeds maximum size")
	ErrCorrupted = errors.New("writeset: corrupted buffer")
)

// WriteSet collects the ordering keys and the opaque data payload of one
// transaction. The local side populates it through AppendKey/AppendData
// and gathers it into a single buffer for replication; the remote side
// reconstructs it from the delivered action.
type WriteSet struct {
	version int
	keys    []Key
	data    []byte
}

func NewWriteSet(version int) *WriteSet {
	return &WriteSet{version: version}
}

func (ws *WriteSet) Version() int { return ws.version }
func (ws *WriteSet) Keys() []Key  { return ws.keys }
func (ws *WriteSet) Data() []byte { return ws.data }

func (ws *WriteSet) AppendKey(k Key) error {
	if k.Version() != ws.version {
		return errors.Errorf("writeset: key version %d does not match write set version %d",
			k.Version(), ws.version)
	}
	ws.keys = append(ws.keys, k)
	return nil
}

func (ws *WriteSet) AppendData(data []byte) {
	ws.data = append(ws.data, data...)
}

// Size returns the gathered wire size of the write set.
func (ws *WriteSet) Size() int {
	buf, err := ws.Gather(nil)
	if err != nil {
		return 0
	}
	return len(buf)
}

// Gather appends the wire form to dst:
//
//	version   u8
//	key count u32 LE
//	keys      per-key wire form (see Key.Serialize)
//	data len  u32 LE
//	data      raw bytes
func (ws *WriteSet) Gather(dst []byte) ([]byte, error) {
	dst = append(dst, byte(ws.version))
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(ws.keys)))
	dst = append(dst, u32[:]...)
	var err error
	for _, k := range ws.keys {
		if dst, err = k.Serialize(dst); err != nil {
			return nil, err
		}
	}
	binary.LittleEndian.PutUint32(u32[:], uint32(len(ws.data)))
	dst = append(dst, u32[:]...)
	return append(dst, ws.data...), nil
}

// Unserialize reconstructs a write set from a gathered buffer.
func Unserialize(buf []byte) (*WriteSet, error) {
	if len(buf) < 5 {
		return nil, errors.WithStack(ErrCorrupted)
	}
	version := int(buf[0])
	if version != KeyVersion0 && version != KeyVersion1 {
		return nil, errors.WithStack(ErrUnsupportedKeyVer)
	}
	count := int(binary.LittleEndian.Uint32(buf[1:]))
	off := 5
	ws := NewWriteSet(version)
	for i := 0; i < count; i++ {
		k, n, err := UnserializeKey(version, buf[off:])
		if err != nil {
			return nil, err
		}
		ws.keys = append(ws.keys, k)
		off += n
	}
	if len(buf) < off+4 {
		return nil, errors.WithStack(ErrCorrupted)
	}
	dataLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) != off+dataLen {
		return nil, errors.WithStack(ErrCorrupted)
	}
	ws.data = make([]byte, dataLen)
	copy(ws.data, buf[off:])
	return ws, nil
}
