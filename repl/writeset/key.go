package writeset

import (
	"bytes"
	"encoding/binary"

	"github.com/dgryski/go-farm"
	"github.com/pingcap/errors"
)

// Key versions. Version 0 prefixes every part with a single length byte,
// version 1 prefixes every part with a ULEB128 length. Both produce a
// canonical byte image that is used verbatim for wire serialization and
// for hashing in the certification index.
const (
	KeyVersion0 = 0
	KeyVersion1 = 1
)

const (
	maxKeyParts    = 255
	maxKeyPartLen0 = 255
)

// KeyType tells how the key was locked by the originating transaction.
// Two Shared references to the same row do not conflict with each other
// under protocol version >= 4.
type KeyType byte

const (
	KeyExclusive KeyType = iota
	KeySemiShared
	KeyShared
)

var (
	ErrInvalidKey        = errors.New("writeset: invalid key")
	ErrUnsupportedKeyVer = errors.New("writeset: unsupported key version")
)

// Key is a versioned, canonical binary image of an ordering key: a
// sequence of length-prefixed parts. The image is immutable after
// construction.
type Key struct {
	version int
	keyType KeyType
	image   []byte
}

// NewKey builds a key of the given version from raw parts.
func NewKey(version int, keyType KeyType, parts [][]byte) (Key, error) {
	if len(parts) > maxKeyParts {
		return Key{}, errors.WithStack(ErrInvalidKey)
	}
	var buf bytes.Buffer
	switch version {
	case KeyVersion0:
		for _, p := range parts {
			if len(p) > maxKeyPartLen0 {
				return Key{}, errors.WithStack(ErrInvalidKey)
			}
			buf.WriteByte(byte(len(p)))
			buf.Write(p)
		}
	case KeyVersion1:
		var lenBuf [binary.MaxVarintLen64]byte
		for _, p := range parts {
			n := binary.PutUvarint(lenBuf[:], uint64(len(p)))
			buf.Write(lenBuf[:n])
			buf.Write(p)
		}
	default:
		return Key{}, errors.WithStack(ErrUnsupportedKeyVer)
	}
	return Key{version: version, keyType: keyType, image: buf.Bytes()}, nil
}

func (k Key) Version() int  { return k.version }
func (k Key) Type() KeyType { return k.keyType }

// Image returns the canonical byte form of the key.
func (k Key) Image() []byte { return k.image }

// Hash of the canonical image, used to pick the certification bucket.
func (k Key) Hash() uint64 { return farm.Fingerprint64(k.image) }

// Equal reports full bytewise equality of the canonical images.
func (k Key) Equal(other Key) bool {
	return k.version == other.version && bytes.Equal(k.image, other.image)
}

// Parts decodes the canonical image back into raw key parts.
func (k Key) Parts() ([][]byte, error) {
	var parts [][]byte
	buf := k.image
	switch k.version {
	case KeyVersion0:
		for len(buf) > 0 {
			l := int(buf[0])
			if len(buf) < 1+l {
				return nil, errors.WithStack(ErrInvalidKey)
			}
			parts = append(parts, buf[1:1+l])
			buf = buf[1+l:]
		}
	case KeyVersion1:
		for len(buf) > 0 {
			l, n := binary.Uvarint(buf)
			if n <= 0 || len(buf) < n+int(l) {
				return nil, errors.WithStack(ErrInvalidKey)
			}
			parts = append(parts, buf[n:n+int(l)])
			buf = buf[n+int(l):]
		}
	default:
		return nil, errors.WithStack(ErrUnsupportedKeyVer)
	}
	return parts, nil
}

// Serialize appends the wire form of the key to dst: a type byte, then the
// canonical image prefixed by its total length (u16 little-endian for
// version 0, ULEB128 for version 1).
func (k Key) Serialize(dst []byte) ([]byte, error) {
	dst = append(dst, byte(k.keyType))
	switch k.version {
	case KeyVersion0:
		if len(k.image) > 0xffff {
			return nil, errors.WithStack(ErrInvalidKey)
		}
		var l [2]byte
		binary.LittleEndian.PutUint16(l[:], uint16(len(k.image)))
		dst = append(dst, l[:]...)
	case KeyVersion1:
		var l [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(l[:], uint64(len(k.image)))
		dst = append(dst, l[:n]...)
	default:
		return nil, errors.WithStack(ErrUnsupportedKeyVer)
	}
	return append(dst, k.image...), nil
}

// UnserializeKey decodes one key of the given version from buf, returning
// the key and the number of bytes consumed.
func UnserializeKey(version int, buf []byte) (Key, int, error) {
	if len(buf) < 1 {
		return Key{}, 0, errors.WithStack(ErrInvalidKey)
	}
	kt := KeyType(buf[0])
	if kt > KeyShared {
		return Key{}, 0, errors.WithStack(ErrInvalidKey)
	}
	off := 1
	var imgLen, lenSize int
	switch version {
	case KeyVersion0:
		if len(buf) < off+2 {
			return Key{}, 0, errors.WithStack(ErrInvalidKey)
		}
		imgLen = int(binary.LittleEndian.Uint16(buf[off:]))
		lenSize = 2
	case KeyVersion1:
		l, n := binary.Uvarint(buf[off:])
		if n <= 0 {
			return Key{}, 0, errors.WithStack(ErrInvalidKey)
		}
		imgLen, lenSize = int(l), n
	default:
		return Key{}, 0, errors.WithStack(ErrUnsupportedKeyVer)
	}
	off += lenSize
	if len(buf) < off+imgLen {
		return Key{}, 0, errors.WithStack(ErrInvalidKey)
	}
	image := make([]byte, imgLen)
	copy(image, buf[off:off+imgLen])
	k := Key{version: version, keyType: kt, image: image}
	if _, err := k.Parts(); err != nil {
		return Key{}, 0, err
	}
	return k, off + imgLen, nil
}
